package usecase

import (
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// procSet maps a pid to the creation time of the process recorded under it.
// A recycled pid carries a different creation time and is not a member.
type procSet map[int]time.Time

func (s procSet) has(pid int) bool {
	_, ok := s[pid]
	return ok
}

// holds reports whether rec is the same process that was recorded.
func (s procSet) holds(rec domain.ProcessRecord) bool {
	created, ok := s[rec.PID]
	return ok && created.Equal(rec.CreateTime)
}

func (s procSet) add(pid int, created time.Time) { s[pid] = created }
func (s procSet) remove(pid int)                 { delete(s, pid) }

// tracker holds the per-process interception state. All access happens
// under Engine.mu. The four sets are pairwise disjoint outside a transition.
type tracker struct {
	initial       procSet
	blocked       procSet
	authenticated procSet
	notified      procSet
	sessions      map[int]*domain.Session
}

func newTracker() *tracker {
	return &tracker{
		initial:       make(procSet),
		blocked:       make(procSet),
		authenticated: make(procSet),
		notified:      make(procSet),
		sessions:      make(map[int]*domain.Session),
	}
}

// tracked reports whether pid is in any tracking set.
func (t *tracker) tracked(pid int) bool {
	return t.initial.has(pid) || t.blocked.has(pid) || t.authenticated.has(pid) || t.notified.has(pid)
}

// trackedProcess reports whether rec itself, not just its pid, is tracked.
func (t *tracker) trackedProcess(rec domain.ProcessRecord) bool {
	return t.initial.holds(rec) || t.blocked.holds(rec) || t.authenticated.holds(rec) || t.notified.holds(rec)
}

// resetInitial replaces the initial set with the given processes,
// skipping processes that already carry other state.
func (t *tracker) resetInitial(records []domain.ProcessRecord) {
	t.initial = make(procSet, len(records))
	for _, rec := range records {
		if t.blocked.holds(rec) || t.authenticated.holds(rec) || t.notified.holds(rec) {
			continue
		}
		t.initial.add(rec.PID, rec.CreateTime)
	}
}

// hold moves a freshly suspended process into blocked and notified.
// State left behind by an earlier process on the same pid is replaced.
func (t *tracker) hold(s *domain.Session) {
	t.drop(s.PID)
	t.blocked.add(s.PID, s.CreateTime)
	t.notified.add(s.PID, s.CreateTime)
	t.sessions[s.PID] = s
}

// authenticate moves a held process into authenticated.
func (t *tracker) authenticate(s *domain.Session) {
	t.blocked.remove(s.PID)
	t.notified.remove(s.PID)
	delete(t.sessions, s.PID)
	t.authenticated.add(s.PID, s.CreateTime)
}

// allow marks a process as authenticated without a session.
func (t *tracker) allow(rec domain.ProcessRecord) {
	t.drop(rec.PID)
	t.authenticated.add(rec.PID, rec.CreateTime)
}

// drop forgets every piece of state for pid.
func (t *tracker) drop(pid int) {
	t.initial.remove(pid)
	t.blocked.remove(pid)
	t.authenticated.remove(pid)
	t.notified.remove(pid)
	delete(t.sessions, pid)
}

// purge drops every entry for which gone returns true and returns the
// sessions that expired as a result. gone receives the creation time
// recorded for the entry so a recycled pid counts as gone.
func (t *tracker) purge(gone func(pid int, created time.Time) bool) []*domain.Session {
	var expired []*domain.Session
	for pid, s := range t.sessions {
		if gone(pid, s.CreateTime) {
			expired = append(expired, s)
			delete(t.sessions, pid)
		}
	}
	for _, set := range []procSet{t.initial, t.blocked, t.authenticated, t.notified} {
		for pid, created := range set {
			if gone(pid, created) {
				set.remove(pid)
			}
		}
	}
	return expired
}

// selectSession returns the earliest suspended session for the app,
// lowest pid first on ties.
func (t *tracker) selectSession(appName string) *domain.Session {
	var best *domain.Session
	for _, s := range t.sessions {
		if !strings.EqualFold(s.AppName, strings.TrimSpace(appName)) {
			continue
		}
		if best == nil ||
			s.SuspendedAt.Before(best.SuspendedAt) ||
			(s.SuspendedAt.Equal(best.SuspendedAt) && s.PID < best.PID) {
			best = s
		}
	}
	return best
}

// hasSessionFor reports whether any session belongs to the app.
func (t *tracker) hasSessionFor(appName string) bool {
	for _, s := range t.sessions {
		if strings.EqualFold(s.AppName, appName) {
			return true
		}
	}
	return false
}
