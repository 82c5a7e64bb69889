package domain

import "context"

// ProcessTable enumerates and looks up OS processes.
type ProcessTable interface {
	// List returns every readable process. It never fails: processes that
	// vanish or deny access mid-enumeration are skipped.
	List() []ProcessRecord

	// Get returns the current record for pid, or ErrProcessNotFound.
	Get(pid int) (ProcessRecord, error)

	// Exists reports whether pid is alive.
	Exists(pid int) bool
}

// ProcessController changes the run state of a process.
// Suspending a suspended process or resuming a running one succeeds.
type ProcessController interface {
	Suspend(pid int) error
	Resume(pid int) error
	Terminate(pid int) error
}

// CredentialVerifier decides whether a credential is valid.
// An error means the verifier could not answer, not that the credential is wrong.
type CredentialVerifier interface {
	Verify(ctx context.Context, cred Credential) (bool, error)
}

// LaunchNotifier tells the user that a monitored app is held for login.
type LaunchNotifier interface {
	NotifyLaunchDetected(ctx context.Context, appName, executableName string) error
}

// AlertRaiser delivers security alerts. Callers never propagate its errors.
type AlertRaiser interface {
	RaiseSecurityAlert(ctx context.Context, alert SecurityAlert) error
}

// AlertEnricher adds device context to an alert before it is raised.
type AlertEnricher interface {
	Enrich(ctx context.Context, alert *SecurityAlert)
}

// AttemptLog records credential attempts for auditing.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, rec AttemptRecord) error
}

// MonitorStore persists the monitored applications.
type MonitorStore interface {
	SaveMonitor(app MonitoredApp) error
	DeleteMonitor(displayName string) (bool, error)
	ListMonitors() ([]MonitoredApp, error)
}

// NotificationStore reads and acknowledges persisted launch notifications.
type NotificationStore interface {
	PendingNotifications() ([]LaunchNotification, error)
	AcknowledgeNotifications(appName string) (int, error)
}

// DaemonRegistry tracks the running daemon for the status command.
type DaemonRegistry interface {
	Register(state DaemonState) error
	UpdateHeartbeat() error
	Get() (*DaemonState, error)
	Clear() error
}

// KeyProvider abstracts storage of the database encryption key.
type KeyProvider interface {
	GetKey() ([]byte, error)
	StoreKey(key []byte) error
	KeyExists() bool
}

// SecretStore provides encrypted key-value storage for sensitive data.
type SecretStore interface {
	GetSecret(key string) (string, error)
	SetSecret(key, value string) error
	Close() error
}

// UnlockRequestStore queues credential attempts for the daemon.
type UnlockRequestStore interface {
	SubmitUnlockRequest(req UnlockRequest) (int64, error)
	PendingUnlockRequests() ([]UnlockRequest, error)
	CompleteUnlockRequest(id int64, outcome Outcome) error
	GetUnlockRequest(id int64) (*UnlockRequest, error)
	DeleteUnlockRequest(id int64) error
}
