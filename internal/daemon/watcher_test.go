package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// TestDefaultWatcherConfig verifies default watcher configuration
func TestDefaultWatcherConfig(t *testing.T) {
	config := DefaultWatcherConfig()

	assert.Equal(t, 5*time.Second, config.MonitorSyncInterval)
	assert.Equal(t, 30*time.Second, config.HeartbeatInterval)
	assert.Equal(t, 250*time.Millisecond, config.UnlockPollInterval)
}

func TestWatcher_Run(t *testing.T) {
	engine := &mockEngine{}
	syncer := &mockSyncer{}
	registry := &mockRegistry{}
	config := WatcherConfig{MonitorSyncInterval: 10 * time.Millisecond, HeartbeatInterval: 10 * time.Millisecond}
	w := NewWatcher(config, engine, syncer, registry, domain.DaemonState{PID: 42, AppVersion: "test"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return syncer.syncCount() >= 3 && registry.heartbeatCount() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	state, err := registry.Get()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 42, state.PID)

	started, stopped := engine.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, stopped)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}

	_, stopped = engine.counts()
	assert.Equal(t, 1, stopped, "engine is stopped on shutdown")
	assert.True(t, registry.cleared, "registration is cleared on shutdown")
}

func TestWatcher_SyncsBeforeStart(t *testing.T) {
	engine := &mockEngine{}
	syncer := &mockSyncer{}
	w := NewWatcher(DefaultWatcherConfig(), engine, syncer, &mockRegistry{}, domain.DaemonState{PID: 1}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = w.Run(ctx)

	assert.Equal(t, 1, syncer.syncCount())
	started, stopped := engine.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, stopped)
}

func TestWatcher_RegisterFailure(t *testing.T) {
	engine := &mockEngine{}
	registry := &mockRegistry{registerErr: errors.New("database is locked")}
	w := NewWatcher(DefaultWatcherConfig(), engine, &mockSyncer{}, registry, domain.DaemonState{PID: 1}, zap.NewNop())

	err := w.Run(context.Background())

	assert.ErrorContains(t, err, "database is locked")
	started, _ := engine.counts()
	assert.Equal(t, 0, started, "engine is not started without registration")
}

func TestWatcher_SyncFailureKeepsRunning(t *testing.T) {
	engine := &mockEngine{}
	syncer := &mockSyncer{err: errors.New("store closed")}
	config := WatcherConfig{MonitorSyncInterval: 5 * time.Millisecond, HeartbeatInterval: time.Hour}
	w := NewWatcher(config, engine, syncer, &mockRegistry{}, domain.DaemonState{PID: 1}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, syncer.syncCount(), 1)
}

func TestWatcher_ProcessesUnlockRequests(t *testing.T) {
	engine := &mockEngine{}
	unlocks := &mockUnlockProcessor{err: errors.New("database is locked")}
	config := WatcherConfig{
		MonitorSyncInterval: time.Hour,
		HeartbeatInterval:   time.Hour,
		UnlockPollInterval:  5 * time.Millisecond,
	}
	w := NewWatcher(config, engine, &mockSyncer{}, &mockRegistry{}, domain.DaemonState{PID: 1}, zap.NewNop(),
		WithUnlockRequests(unlocks))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// Errors are logged and polling continues.
	assert.Eventually(t, func() bool { return unlocks.callCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, engine.credCount(), 2)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestWatcher_SyncsNotifications(t *testing.T) {
	engine := &mockEngine{}
	notes := &mockNotificationSyncer{}
	config := WatcherConfig{
		MonitorSyncInterval: 5 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		UnlockPollInterval:  time.Hour,
	}
	w := NewWatcher(config, engine, &mockSyncer{}, &mockRegistry{}, domain.DaemonState{PID: 1}, zap.NewNop(),
		WithNotificationSync(notes))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, notes.callCount(), 1)
	assert.Equal(t, notes.callCount(), engine.reconcileCount())
}
