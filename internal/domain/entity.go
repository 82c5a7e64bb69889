// Package domain contains the core types and interfaces of applock.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// MonitoredApp is an application whose launches are intercepted.
type MonitoredApp struct {
	DisplayName    string `json:"display_name"`
	ExecutableName string `json:"executable_name"` // always lowercase
}

// NormalizeExecutable returns the canonical (lowercase, trimmed) executable name.
func NormalizeExecutable(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ProcessRecord is a point-in-time view of one OS process.
// It is a value, not a handle: the pid may be recycled at any time.
type ProcessRecord struct {
	PID        int
	ParentPID  int
	Name       string
	CreateTime time.Time
}

// SameProcess reports whether other describes the same process instance.
// Pid alone is not enough since the OS recycles pids.
func (r ProcessRecord) SameProcess(other ProcessRecord) bool {
	return r.PID == other.PID &&
		r.CreateTime.Equal(other.CreateTime) &&
		strings.EqualFold(r.Name, other.Name)
}

// Session is the interception state of one suspended process.
type Session struct {
	PID            int
	AppName        string
	ExecutableName string
	CreateTime     time.Time
	Attempts       int
	SuspendedAt    time.Time
}

// Credential is what a user submits to unlock a held application.
type Credential struct {
	Subject string
	Secret  string
}

// OutcomeKind enumerates credential attempt results.
type OutcomeKind int

const (
	// OutcomeNoMatchingSession means no suspended process belongs to the app.
	OutcomeNoMatchingSession OutcomeKind = iota
	// OutcomeResumed means the credential was accepted and the process released.
	OutcomeResumed
	// OutcomeAttemptsRemaining means the credential was rejected, retries left.
	OutcomeAttemptsRemaining
	// OutcomeLocked means the attempt budget is spent and the process was killed.
	OutcomeLocked
	// OutcomeVerifierUnavailable means the credential oracle could not answer.
	// The attempt is not counted.
	OutcomeVerifierUnavailable
	// OutcomeFailed means the process could not be resumed and was killed instead.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeNoMatchingSession:
		return "no_matching_session"
	case OutcomeResumed:
		return "resumed"
	case OutcomeAttemptsRemaining:
		return "attempts_remaining"
	case OutcomeLocked:
		return "locked"
	case OutcomeVerifierUnavailable:
		return "verifier_unavailable"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of a credential attempt.
type Outcome struct {
	Kind      OutcomeKind
	PID       int
	Remaining int
	Err       error
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeAttemptsRemaining:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Remaining)
	case OutcomeVerifierUnavailable, OutcomeFailed:
		if o.Err != nil {
			return fmt.Sprintf("%s: %v", o.Kind, o.Err)
		}
	}
	return o.Kind.String()
}

// SessionInfo is a read-only view of a held process.
type SessionInfo struct {
	PID         int       `json:"pid"`
	AppName     string    `json:"app_name"`
	Attempts    int       `json:"attempts"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// Status is a snapshot of the engine for display.
type Status struct {
	Running             bool           `json:"is_monitoring"`
	Monitors            []MonitoredApp `json:"monitored_apps"`
	PendingNotification bool           `json:"has_pending_notification"`
	PendingApps         []string       `json:"pending_apps,omitempty"`
	Sessions            []SessionInfo  `json:"sessions,omitempty"`
}

// LaunchNotification tells the user a monitored app is waiting for login.
type LaunchNotification struct {
	ID             int64     `json:"id"`
	AppName        string    `json:"app_name"`
	ExecutableName string    `json:"executable_name"`
	Handled        bool      `json:"handled"`
	CreatedAt      time.Time `json:"created_at"`
}

// SecurityAlert is raised when an application is locked out.
type SecurityAlert struct {
	ID             int64     `json:"id"`
	AppName        string    `json:"app_name"`
	ExecutableName string    `json:"executable_name"`
	PID            int       `json:"pid"`
	Attempts       int       `json:"attempts"`
	Subject        string    `json:"subject"`
	Hostname       string    `json:"hostname,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	RaisedAt       time.Time `json:"raised_at"`
}

// Title returns the alert headline.
func (a SecurityAlert) Title() string {
	return "Security Alert: Maximum Login Attempts Exceeded"
}

// Message returns the human readable alert body.
func (a SecurityAlert) Message() string {
	return fmt.Sprintf("Maximum login attempts (%d) exceeded for %s. The application has been terminated.",
		a.Attempts, a.AppName)
}

// AttemptRecord is one audited credential attempt.
type AttemptRecord struct {
	ID      int64       `json:"id"`
	AppName string      `json:"app_name"`
	Subject string      `json:"subject"`
	PID     int         `json:"pid"`
	Outcome OutcomeKind `json:"outcome"`
	At      time.Time   `json:"at"`
}

// Success reports whether the attempt released the application.
func (r AttemptRecord) Success() bool {
	return r.Outcome == OutcomeResumed
}

// DaemonState is the registration of a running applock daemon.
type DaemonState struct {
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	AppVersion    string    `json:"app_version"`
	Mode          string    `json:"mode"`
}

// UnlockRequest is a credential attempt handed to a running daemon through
// the store, for daemons without an interactive console. The secret is
// wiped once the request is completed.
type UnlockRequest struct {
	ID          int64
	AppName     string
	Credential  Credential
	RequestedAt time.Time
	Done        bool
	Outcome     Outcome
}
