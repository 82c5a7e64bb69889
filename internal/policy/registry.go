// Package policy holds the set of monitored applications.
package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// Entry is one monitored application plus the processes already handled
// for it, keyed by pid with their creation time.
type Entry struct {
	DisplayName    string
	ExecutableName string
	handled        map[int]time.Time
}

// App returns the public view of the entry.
func (e *Entry) App() domain.MonitoredApp {
	return domain.MonitoredApp{DisplayName: e.DisplayName, ExecutableName: e.ExecutableName}
}

// Handled reports whether the process was already dealt with for this app.
// A newer process reusing a handled pid is not handled.
func (e *Entry) Handled(rec domain.ProcessRecord) bool {
	created, ok := e.handled[rec.PID]
	return ok && created.Equal(rec.CreateTime)
}

// MarkHandled records the process as dealt with.
func (e *Entry) MarkHandled(rec domain.ProcessRecord) {
	e.handled[rec.PID] = rec.CreateTime
}

// Matches reports whether a process name belongs to this app.
func (e *Entry) Matches(processName string) bool {
	return e.ExecutableName == domain.NormalizeExecutable(processName)
}

// Registry is the ordered list of monitored applications.
// It is not safe for concurrent use; the interception engine guards it
// with its own lock.
type Registry struct {
	entries []*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers an application. Display names are unique (case-insensitive).
func (r *Registry) Add(displayName, executableName string) error {
	displayName = strings.TrimSpace(displayName)
	exe := domain.NormalizeExecutable(executableName)
	if displayName == "" || exe == "" {
		return domain.ErrInvalidMonitor
	}
	if _, ok := r.Get(displayName); ok {
		return fmt.Errorf("%w: %s", domain.ErrMonitorExists, displayName)
	}
	r.entries = append(r.entries, &Entry{
		DisplayName:    displayName,
		ExecutableName: exe,
		handled:        make(map[int]time.Time),
	})
	return nil
}

// Remove unregisters an application by display name (case-insensitive).
func (r *Registry) Remove(displayName string) bool {
	for i, e := range r.entries {
		if strings.EqualFold(e.DisplayName, strings.TrimSpace(displayName)) {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the entry for a display name (case-insensitive).
func (r *Registry) Get(displayName string) (*Entry, bool) {
	for _, e := range r.entries {
		if strings.EqualFold(e.DisplayName, strings.TrimSpace(displayName)) {
			return e, true
		}
	}
	return nil, false
}

// Match returns the first registered entry whose executable equals processName.
func (r *Registry) Match(processName string) (*Entry, bool) {
	for _, e := range r.entries {
		if e.Matches(processName) {
			return e, true
		}
	}
	return nil, false
}

// List returns all entries in registration order.
func (r *Registry) List() []domain.MonitoredApp {
	apps := make([]domain.MonitoredApp, 0, len(r.entries))
	for _, e := range r.entries {
		apps = append(apps, e.App())
	}
	return apps
}

// Len returns the number of registered applications.
func (r *Registry) Len() int {
	return len(r.entries)
}

// PurgeHandled forgets handled processes for which gone returns true.
// Returns the number of pids removed.
func (r *Registry) PurgeHandled(gone func(pid int, created time.Time) bool) int {
	removed := 0
	for _, e := range r.entries {
		for pid, created := range e.handled {
			if gone(pid, created) {
				delete(e.handled, pid)
				removed++
			}
		}
	}
	return removed
}
