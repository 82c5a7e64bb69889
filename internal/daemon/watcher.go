// Package daemon runs the interception engine in the foreground and the
// interactive console that stands in for the login page.
package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

// Engine is the part of usecase.Engine the watcher drives.
type Engine interface {
	usecase.MonitorRegistrar
	usecase.CredentialSubmitter
	usecase.NotificationReconciler
	Start() bool
	Stop() bool
}

// MonitorSyncer reconciles the engine's monitors with the store.
type MonitorSyncer interface {
	Sync(engine usecase.MonitorRegistrar) (usecase.SyncResult, error)
}

// UnlockProcessor hands queued unlock requests to the engine.
type UnlockProcessor interface {
	Process(ctx context.Context, engine usecase.CredentialSubmitter) (int, error)
}

// NotificationSyncer clears engine notifications acknowledged in the store.
type NotificationSyncer interface {
	Sync(engine usecase.NotificationReconciler) ([]string, error)
}

// WatcherConfig holds watcher daemon configuration.
type WatcherConfig struct {
	MonitorSyncInterval time.Duration // How often to re-read monitors and notifications from the store
	HeartbeatInterval   time.Duration // How often to update heartbeat
	UnlockPollInterval  time.Duration // How often to check for queued unlock requests
}

// DefaultWatcherConfig returns default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		MonitorSyncInterval: 5 * time.Second,
		HeartbeatInterval:   30 * time.Second,
		UnlockPollInterval:  250 * time.Millisecond,
	}
}

// WatcherOption customizes a Watcher.
type WatcherOption func(*Watcher)

// WithUnlockRequests makes the watcher serve unlock requests queued by
// `applock unlock`.
func WithUnlockRequests(p UnlockProcessor) WatcherOption {
	return func(w *Watcher) { w.unlocks = p }
}

// WithNotificationSync makes the watcher pick up notification
// acknowledgements made through the store.
func WithNotificationSync(s NotificationSyncer) WatcherOption {
	return func(w *Watcher) { w.notifications = s }
}

// Watcher owns the engine lifecycle for `applock run`.
// It registers the daemon, keeps monitors in sync with the store so that
// `applock monitor add/remove` from another shell takes effect, and
// updates the heartbeat read by `applock status`.
type Watcher struct {
	config        WatcherConfig
	engine        Engine
	monitors      MonitorSyncer
	unlocks       UnlockProcessor
	notifications NotificationSyncer
	registry      domain.DaemonRegistry
	state         domain.DaemonState
	logger        *zap.Logger
}

// NewWatcher creates a new watcher daemon.
func NewWatcher(
	config WatcherConfig,
	engine Engine,
	monitors MonitorSyncer,
	registry domain.DaemonRegistry,
	state domain.DaemonState,
	logger *zap.Logger,
	opts ...WatcherOption,
) *Watcher {
	w := &Watcher{
		config:   config,
		engine:   engine,
		monitors: monitors,
		registry: registry,
		state:    state,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts the engine and the watcher loop.
// This blocks until context is canceled; the engine is stopped before it returns.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.registry.Register(w.state); err != nil {
		w.logger.Error("failed to register daemon", zap.Error(err))
		return err
	}
	defer func() {
		if err := w.registry.Clear(); err != nil {
			w.logger.Warn("failed to clear daemon registration", zap.Error(err))
		}
	}()

	// Monitors must be in place before the initial snapshot is taken.
	w.syncMonitors()
	w.engine.Start()
	defer w.engine.Stop()

	w.logger.Info("watcher daemon started",
		zap.Int("pid", w.state.PID),
		zap.String("version", w.state.AppVersion))

	syncTicker := time.NewTicker(w.config.MonitorSyncInterval)
	heartbeatTicker := time.NewTicker(w.config.HeartbeatInterval)
	defer func() {
		syncTicker.Stop()
		heartbeatTicker.Stop()
	}()

	// A nil channel never fires, so without a processor the case is inert.
	var unlockC <-chan time.Time
	if w.unlocks != nil {
		unlockTicker := time.NewTicker(w.config.UnlockPollInterval)
		defer unlockTicker.Stop()
		unlockC = unlockTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watcher daemon stopping")
			return ctx.Err()

		case <-syncTicker.C:
			w.syncMonitors()
			w.syncNotifications()

		case <-unlockC:
			if _, err := w.unlocks.Process(ctx, w.engine); err != nil {
				w.logger.Warn("failed to process unlock requests", zap.Error(err))
			}

		case <-heartbeatTicker.C:
			if err := w.registry.UpdateHeartbeat(); err != nil {
				w.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}

// syncMonitors applies store changes to the engine. Failures keep the
// current monitors.
func (w *Watcher) syncMonitors() {
	if _, err := w.monitors.Sync(w.engine); err != nil {
		w.logger.Warn("monitor sync failed", zap.Error(err))
	}
}

func (w *Watcher) syncNotifications() {
	if w.notifications == nil {
		return
	}
	if _, err := w.notifications.Sync(w.engine); err != nil {
		w.logger.Warn("notification sync failed", zap.Error(err))
	}
}
