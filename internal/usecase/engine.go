// Package usecase implements the interception engine and the credential gate.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/policy"
)

// maxAncestorDepth bounds the parent walk used for authenticated inheritance.
const maxAncestorDepth = 64

// EngineConfig holds interception engine configuration.
type EngineConfig struct {
	TickInterval    time.Duration // How often the process table is scanned
	FreshnessWindow time.Duration // Max process age to still be intercepted
	MaxAttempts     int           // Failed credential attempts before lockout
	VerifyTimeout   time.Duration // Bound on a single credential verification
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TickInterval:    100 * time.Millisecond,
		FreshnessWindow: 2 * time.Second,
		MaxAttempts:     3,
		VerifyTimeout:   5 * time.Second,
	}
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLaunchNotifier sets the collaborator told about held launches.
func WithLaunchNotifier(n domain.LaunchNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAlertRaiser sets the collaborator invoked on lockout.
func WithAlertRaiser(a domain.AlertRaiser) Option {
	return func(e *Engine) { e.alerts = a }
}

// WithAlertEnricher sets the collaborator that adds device context to alerts.
func WithAlertEnricher(en domain.AlertEnricher) Option {
	return func(e *Engine) { e.enricher = en }
}

// WithAttemptLog sets the credential attempt audit log.
func WithAttemptLog(l domain.AttemptLog) Option {
	return func(e *Engine) { e.attemptLog = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine watches the process table, suspends fresh launches of monitored
// applications and holds them until the AuthGate resolves them.
type Engine struct {
	config     EngineConfig
	table      domain.ProcessTable
	controller domain.ProcessController
	notifier   domain.LaunchNotifier
	alerts     domain.AlertRaiser
	enricher   domain.AlertEnricher
	attemptLog domain.AttemptLog
	logger     *zap.Logger
	now        func() time.Time
	gate       *AuthGate

	// mu guards registry, tracker and pending for whole read-decide-mutate units.
	mu        sync.Mutex
	registry  *policy.Registry
	tracker   *tracker
	pending   map[string]*pendingNotice // keyed by lowercase app name
	noticeSeq uint64                    // bumped each time a notification is delivered

	lifecycle sync.Mutex // serializes Start and Stop
	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

// NewEngine creates an interception engine.
func NewEngine(
	config EngineConfig,
	table domain.ProcessTable,
	controller domain.ProcessController,
	verifier domain.CredentialVerifier,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		config:     config,
		table:      table,
		controller: controller,
		notifier:   nopNotifier{},
		alerts:     nopAlertRaiser{},
		logger:     logger,
		now:        time.Now,
		registry:   policy.NewRegistry(),
		tracker:    newTracker(),
		pending:    make(map[string]*pendingNotice),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.gate = newAuthGate(e, verifier)
	return e
}

// AddMonitor registers an application. It fails with
// domain.ErrExecutableNotRunning unless a process with that executable
// name is currently running. Instances already running are not intercepted.
func (e *Engine) AddMonitor(displayName, executableName string) error {
	app, running, err := admitMonitor(e.table, displayName, executableName)
	if err != nil {
		return err
	}
	return e.register(app.DisplayName, app.ExecutableName, running)
}

// RestoreMonitor registers a previously persisted application without
// requiring it to be running.
func (e *Engine) RestoreMonitor(displayName, executableName string) error {
	exe := domain.NormalizeExecutable(executableName)
	return e.register(displayName, exe, matching(e.table.List(), exe))
}

func (e *Engine) register(displayName, exe string, running []domain.ProcessRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.Add(displayName, exe); err != nil {
		if errors.Is(err, domain.ErrMonitorExists) {
			e.logger.Warn("monitor conflict", zap.String("app", displayName))
		}
		return err
	}
	entry, _ := e.registry.Get(displayName)
	for _, rec := range running {
		entry.MarkHandled(rec)
	}

	e.logger.Info("monitoring application",
		zap.String("app", entry.DisplayName),
		zap.String("executable", entry.ExecutableName),
		zap.Int("running_instances", len(running)))
	return nil
}

// RemoveMonitor unregisters an application. Processes already held for it
// stay held until resolved.
func (e *Engine) RemoveMonitor(displayName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := e.registry.Remove(displayName)
	if removed {
		e.logger.Info("stopped monitoring application", zap.String("app", displayName))
	}
	return removed
}

// ListMonitors returns the monitored applications in registration order.
func (e *Engine) ListMonitors() []domain.MonitoredApp {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.List()
}

// Start captures the current process table as pre-existing and starts the
// scan loop. Returns false if the loop is already running.
func (e *Engine) Start() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.running.Load() {
		return false
	}

	initial := e.captureInitial()

	ctx, cancel := context.WithCancel(context.Background())
	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	e.cancel = cancel
	e.running.Store(true)

	go e.loop(ctx, e.stop, e.done)

	e.logger.Info("interception engine started",
		zap.Int("initial_processes", initial),
		zap.Duration("tick_interval", e.config.TickInterval))
	return true
}

// captureInitial marks every current process as pre-existing.
func (e *Engine) captureInitial() int {
	records := e.table.List()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker.resetInitial(records)
	return len(e.tracker.initial)
}

// Stop ends the scan loop and waits for the current tick to finish.
// Returns false if the loop was not running. Held processes stay held.
func (e *Engine) Stop() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if !e.running.Load() {
		return false
	}

	close(e.stop)
	<-e.done
	e.cancel()
	e.running.Store(false)

	e.logger.Info("interception engine stopped")
	return true
}

// Running reports whether the scan loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.safeTick(ctx)
		}
	}
}

// safeTick keeps the loop alive across unexpected panics in a tick.
func (e *Engine) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("interception tick panicked", zap.Any("panic", r))
		}
	}()
	e.Tick(ctx)
}

// Tick runs one scan: intercept fresh launches, then purge exited pids.
func (e *Engine) Tick(ctx context.Context) {
	records := e.table.List()
	now := e.now()

	effects := e.tickLocked(records, now)
	for _, effect := range effects {
		effect(ctx)
	}
}

func (e *Engine) tickLocked(records []domain.ProcessRecord, now time.Time) []func(context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPID := make(map[int]domain.ProcessRecord, len(records))
	for _, rec := range records {
		byPID[rec.PID] = rec
	}

	var effects []func(context.Context)
	for _, rec := range records {
		if effect := e.evaluate(rec, byPID, now); effect != nil {
			effects = append(effects, effect)
		}
	}

	e.purgeLocked(byPID)
	return effects
}

// evaluate decides what to do with one process record.
func (e *Engine) evaluate(rec domain.ProcessRecord, byPID map[int]domain.ProcessRecord, now time.Time) func(context.Context) {
	if e.tracker.initial.holds(rec) {
		return nil
	}
	entry, ok := e.registry.Match(rec.Name)
	if !ok {
		return nil
	}
	if e.tracker.authenticated.holds(rec) {
		return nil
	}
	if e.hasAuthenticatedAncestor(rec, byPID) {
		if !e.tracker.trackedProcess(rec) && !entry.Handled(rec) {
			e.tracker.allow(rec)
			e.logger.Debug("child of authenticated process allowed",
				zap.String("app", entry.DisplayName),
				zap.Int("pid", rec.PID),
				zap.Int("ppid", rec.ParentPID))
		}
		return nil
	}
	if e.tracker.trackedProcess(rec) || entry.Handled(rec) {
		return nil
	}
	if now.Sub(rec.CreateTime) > e.config.FreshnessWindow {
		return nil
	}
	return e.intercept(entry, rec, now)
}

// hasAuthenticatedAncestor walks the parent chain looking for an
// authenticated process. A parent pid only counts when it still names the
// authenticated process: the snapshot record must carry the recorded
// creation time, or, if the parent already exited, the authenticated
// process must not be younger than its child.
func (e *Engine) hasAuthenticatedAncestor(rec domain.ProcessRecord, byPID map[int]domain.ProcessRecord) bool {
	child := rec
	for depth := 0; depth < maxAncestorDepth && child.ParentPID > 0; depth++ {
		parent, seen := byPID[child.ParentPID]
		if created, ok := e.tracker.authenticated[child.ParentPID]; ok {
			if seen && parent.CreateTime.Equal(created) {
				return true
			}
			if !seen && !created.After(child.CreateTime) {
				return true
			}
		}
		if !seen || parent.ParentPID == parent.PID {
			return false
		}
		child = parent
	}
	return false
}

// intercept suspends a fresh launch. If it cannot be suspended it is
// terminated instead.
func (e *Engine) intercept(entry *policy.Entry, rec domain.ProcessRecord, now time.Time) func(context.Context) {
	current, err := e.table.Get(rec.PID)
	if err != nil || !current.SameProcess(rec) {
		e.logger.Debug("process changed before interception",
			zap.Int("pid", rec.PID), zap.Error(err))
		return nil
	}

	if err := e.controller.Suspend(rec.PID); err != nil {
		e.logger.Warn("failed to suspend process, terminating",
			zap.String("app", entry.DisplayName),
			zap.Int("pid", rec.PID),
			zap.Error(err))
		if terr := e.controller.Terminate(rec.PID); terr != nil && !errors.Is(terr, domain.ErrProcessNotFound) {
			e.logger.Error("failed to terminate process",
				zap.String("app", entry.DisplayName),
				zap.Int("pid", rec.PID),
				zap.Error(terr))
		}
		return nil
	}

	entry.MarkHandled(rec)
	e.tracker.hold(&domain.Session{
		PID:            rec.PID,
		AppName:        entry.DisplayName,
		ExecutableName: entry.ExecutableName,
		CreateTime:     rec.CreateTime,
		SuspendedAt:    now,
	})

	e.logger.Info("application launch intercepted",
		zap.String("app", entry.DisplayName),
		zap.String("executable", entry.ExecutableName),
		zap.Int("pid", rec.PID))

	return e.notifyLocked(entry.DisplayName, entry.ExecutableName)
}

// pendingNotice is a launch notification the user has not answered yet.
type pendingNotice struct {
	appName   string
	delivered uint64 // noticeSeq after the sinks returned; zero while in flight
}

// notifyLocked returns a notification effect unless one is already pending
// for the app.
func (e *Engine) notifyLocked(appName, executableName string) func(context.Context) {
	key := strings.ToLower(appName)
	if _, pending := e.pending[key]; pending {
		return nil
	}
	notice := &pendingNotice{appName: appName}
	e.pending[key] = notice

	return func(ctx context.Context) {
		if err := e.notifier.NotifyLaunchDetected(ctx, appName, executableName); err != nil {
			e.logger.Warn("failed to send launch notification",
				zap.String("app", appName), zap.Error(err))
		}
		e.mu.Lock()
		e.noticeSeq++
		notice.delivered = e.noticeSeq
		e.mu.Unlock()
	}
}

// resolvedLocked clears the pending notification of an app whose prompt was
// answered. If other instances are still held a fresh notification is issued.
func (e *Engine) resolvedLocked(appName, executableName string) func(context.Context) {
	delete(e.pending, strings.ToLower(appName))
	if e.tracker.hasSessionFor(appName) {
		return e.notifyLocked(appName, executableName)
	}
	return nil
}

// purgeLocked drops state for every tracked process that has exited.
// A pid now held by a newer process counts as exited.
// Expired sessions produce no notification, alert or resume.
func (e *Engine) purgeLocked(byPID map[int]domain.ProcessRecord) {
	alive := make(map[int]bool)
	gone := func(pid int, created time.Time) bool {
		if rec, ok := byPID[pid]; ok {
			return !rec.CreateTime.Equal(created)
		}
		v, ok := alive[pid]
		if !ok {
			v = e.table.Exists(pid)
			alive[pid] = v
		}
		return !v
	}

	for _, s := range e.tracker.purge(gone) {
		e.logger.Info("held process exited",
			zap.String("app", s.AppName),
			zap.Int("pid", s.PID),
			zap.Int("attempts", s.Attempts))
	}
	e.registry.PurgeHandled(gone)
}

// SubmitCredentialAttempt delivers a credential for the held app.
func (e *Engine) SubmitCredentialAttempt(ctx context.Context, appName string, cred domain.Credential) domain.Outcome {
	return e.gate.Attempt(ctx, appName, cred)
}

// AcknowledgeNotification marks the pending launch notification of the app
// as handled. Returns false if none was pending.
func (e *Engine) AcknowledgeNotification(appName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(appName))
	if _, ok := e.pending[key]; !ok {
		return false
	}
	delete(e.pending, key)
	return true
}

// NotificationMark returns a marker for ReconcileNotifications. Take it
// before reading the notification store.
func (e *Engine) NotificationMark() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.noticeSeq
}

// ReconcileNotifications clears pending notifications that were
// acknowledged outside the engine. stillPending lists the apps whose
// stored notification is unhandled. Only notifications delivered before
// mark was taken are considered, since later ones may not be stored yet.
// Returns the cleared app names.
func (e *Engine) ReconcileNotifications(mark uint64, stillPending []string) []string {
	want := make(map[string]bool, len(stillPending))
	for _, name := range stillPending {
		want[strings.ToLower(strings.TrimSpace(name))] = true
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var cleared []string
	for key, notice := range e.pending {
		if notice.delivered == 0 || notice.delivered > mark || want[key] {
			continue
		}
		delete(e.pending, key)
		cleared = append(cleared, notice.appName)
	}
	sort.Strings(cleared)
	if len(cleared) > 0 {
		e.logger.Info("launch notifications acknowledged externally", zap.Strings("apps", cleared))
	}
	return cleared
}

// Sessions returns the held processes, earliest first.
func (e *Engine) Sessions() []domain.SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionsLocked()
}

func (e *Engine) sessionsLocked() []domain.SessionInfo {
	out := make([]domain.SessionInfo, 0, len(e.tracker.sessions))
	for _, s := range e.tracker.sessions {
		out = append(out, domain.SessionInfo{
			PID:         s.PID,
			AppName:     s.AppName,
			Attempts:    s.Attempts,
			SuspendedAt: s.SuspendedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SuspendedAt.Equal(out[j].SuspendedAt) {
			return out[i].SuspendedAt.Before(out[j].SuspendedAt)
		}
		return out[i].PID < out[j].PID
	})
	return out
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() domain.Status {
	running := e.Running()

	e.mu.Lock()
	defer e.mu.Unlock()

	apps := make([]string, 0, len(e.pending))
	for _, notice := range e.pending {
		apps = append(apps, notice.appName)
	}
	sort.Strings(apps)

	return domain.Status{
		Running:             running,
		Monitors:            e.registry.List(),
		PendingNotification: len(e.pending) > 0,
		PendingApps:         apps,
		Sessions:            e.sessionsLocked(),
	}
}

// admitMonitor validates a new monitor and returns the running instances
// of its executable. At least one instance must be running.
func admitMonitor(table domain.ProcessTable, displayName, executableName string) (domain.MonitoredApp, []domain.ProcessRecord, error) {
	app := domain.MonitoredApp{
		DisplayName:    strings.TrimSpace(displayName),
		ExecutableName: domain.NormalizeExecutable(executableName),
	}
	if app.DisplayName == "" || app.ExecutableName == "" {
		return app, nil, domain.ErrInvalidMonitor
	}
	running := matching(table.List(), app.ExecutableName)
	if len(running) == 0 {
		return app, nil, fmt.Errorf("%w: %s", domain.ErrExecutableNotRunning, app.ExecutableName)
	}
	return app, running, nil
}

func matching(records []domain.ProcessRecord, exe string) []domain.ProcessRecord {
	var out []domain.ProcessRecord
	for _, rec := range records {
		if domain.NormalizeExecutable(rec.Name) == exe {
			out = append(out, rec)
		}
	}
	return out
}

type nopNotifier struct{}

func (nopNotifier) NotifyLaunchDetected(context.Context, string, string) error { return nil }

type nopAlertRaiser struct{}

func (nopAlertRaiser) RaiseSecurityAlert(context.Context, domain.SecurityAlert) error { return nil }
