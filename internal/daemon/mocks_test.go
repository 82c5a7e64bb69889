package daemon

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/policy"
	"github.com/eliteGoblin/focusd/app_lock/internal/usecase"
)

// mockEngine implements Engine and ConsoleEngine for testing.
type mockEngine struct {
	mu       sync.Mutex
	started  int
	stopped  int
	monitors []domain.MonitoredApp
	status   domain.Status
	acked    []string
	outcome  domain.Outcome
	creds    []domain.Credential

	mark       uint64
	reconciled int
}

func (m *mockEngine) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
	return true
}

func (m *mockEngine) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped++
	return true
}

func (m *mockEngine) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started, m.stopped
}

func (m *mockEngine) RestoreMonitor(displayName, executableName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitors = append(m.monitors, domain.MonitoredApp{DisplayName: displayName, ExecutableName: executableName})
	return nil
}

func (m *mockEngine) RemoveMonitor(displayName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.monitors {
		if strings.EqualFold(a.DisplayName, displayName) {
			m.monitors = append(m.monitors[:i], m.monitors[i+1:]...)
			return true
		}
	}
	return false
}

func (m *mockEngine) ListMonitors() []domain.MonitoredApp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MonitoredApp(nil), m.monitors...)
}

func (m *mockEngine) SubmitCredentialAttempt(_ context.Context, _ string, cred domain.Credential) domain.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = append(m.creds, cred)
	return m.outcome
}

func (m *mockEngine) AcknowledgeNotification(appName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, appName)
	return true
}

func (m *mockEngine) NotificationMark() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mark
}

func (m *mockEngine) ReconcileNotifications(mark uint64, stillPending []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciled++
	return nil
}

func (m *mockEngine) reconcileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconciled
}

func (m *mockEngine) credCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds)
}

func (m *mockEngine) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// mockSyncer implements MonitorManager for testing.
type mockSyncer struct {
	mu      sync.Mutex
	syncs   int
	err     error
	added   []domain.MonitoredApp
	removed []string
}

func (m *mockSyncer) Sync(usecase.MonitorRegistrar) (usecase.SyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return usecase.SyncResult{}, m.err
}

func (m *mockSyncer) syncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

func (m *mockSyncer) Add(displayName, executableName string) (domain.MonitoredApp, error) {
	if executableName == "missing" {
		return domain.MonitoredApp{}, domain.ErrExecutableNotRunning
	}
	app := domain.MonitoredApp{DisplayName: displayName, ExecutableName: domain.NormalizeExecutable(executableName)}
	m.added = append(m.added, app)
	return app, nil
}

func (m *mockSyncer) Remove(displayName string) error {
	m.removed = append(m.removed, displayName)
	return nil
}

func (m *mockSyncer) Candidates() []policy.Candidate {
	return []policy.Candidate{{DisplayName: "Notepad", ExecutableName: "notepad.exe", Running: true}}
}

// mockRegistry implements domain.DaemonRegistry for testing.
type mockRegistry struct {
	mu          sync.Mutex
	state       *domain.DaemonState
	heartbeats  int
	cleared     bool
	registerErr error
}

func (m *mockRegistry) Register(state domain.DaemonState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.state = &state
	return nil
}

func (m *mockRegistry) UpdateHeartbeat() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return errors.New("daemon not registered")
	}
	m.heartbeats++
	return nil
}

func (m *mockRegistry) Get() (*domain.DaemonState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *mockRegistry) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	m.cleared = true
	return nil
}

func (m *mockRegistry) heartbeatCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeats
}

// mockNotificationStore implements domain.NotificationStore for testing.
type mockNotificationStore struct {
	acked []string
}

func (m *mockNotificationStore) PendingNotifications() ([]domain.LaunchNotification, error) {
	return nil, nil
}

func (m *mockNotificationStore) AcknowledgeNotifications(appName string) (int, error) {
	m.acked = append(m.acked, appName)
	return 1, nil
}

// mockUnlockProcessor implements UnlockProcessor for testing.
type mockUnlockProcessor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockUnlockProcessor) Process(ctx context.Context, engine usecase.CredentialSubmitter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	engine.SubmitCredentialAttempt(ctx, "Notepad", domain.Credential{Secret: "queued"})
	return 1, m.err
}

func (m *mockUnlockProcessor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockNotificationSyncer implements NotificationSyncer for testing.
type mockNotificationSyncer struct {
	mu    sync.Mutex
	calls int
}

func (m *mockNotificationSyncer) Sync(engine usecase.NotificationReconciler) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return engine.ReconcileNotifications(engine.NotificationMark(), nil), nil
}

func (m *mockNotificationSyncer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
