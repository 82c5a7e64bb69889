package domain

import "errors"

var (
	// ErrProcessNotFound means the pid no longer exists.
	ErrProcessNotFound = errors.New("process not found")
	// ErrPermissionDenied means the OS refused the control operation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNoMatchingSession means no suspended process belongs to the app.
	ErrNoMatchingSession = errors.New("no suspended process for app")

	// ErrMonitorExists means the display name is already registered.
	ErrMonitorExists = errors.New("monitor already registered")
	// ErrMonitorNotFound means the display name is not registered.
	ErrMonitorNotFound = errors.New("monitor not found")
	// ErrExecutableNotRunning means no current process has the executable name.
	ErrExecutableNotRunning = errors.New("no running process matches executable")
	// ErrInvalidMonitor means a display or executable name was empty.
	ErrInvalidMonitor = errors.New("display name and executable name are required")

	// ErrUnlockRequestNotFound means the request was never queued or was removed.
	ErrUnlockRequestNotFound = errors.New("unlock request not found")
	// ErrUnlockRequestExpired means the daemon did not pick the request up in time.
	ErrUnlockRequestExpired = errors.New("unlock request expired")

	// ErrSecretNotFound means the secret store has no value for the key.
	ErrSecretNotFound = errors.New("secret not found")
)
