package usecase

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/test/fixtures"
)

// mockVerifier implements domain.CredentialVerifier for testing.
type mockVerifier struct {
	mu     sync.Mutex
	secret string
	err    error
	calls  int
}

func (m *mockVerifier) Verify(ctx context.Context, cred domain.Credential) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	return cred.Secret == m.secret, nil
}

func (m *mockVerifier) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// mockNotifier implements domain.LaunchNotifier for testing.
type mockNotifier struct {
	mu   sync.Mutex
	apps []string
	err  error
}

func (m *mockNotifier) NotifyLaunchDetected(ctx context.Context, appName, executableName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps = append(m.apps, appName)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.apps)
}

// mockAlertRaiser implements domain.AlertRaiser for testing.
type mockAlertRaiser struct {
	mu     sync.Mutex
	alerts []domain.SecurityAlert
	err    error
}

func (m *mockAlertRaiser) RaiseSecurityAlert(ctx context.Context, alert domain.SecurityAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return m.err
}

func (m *mockAlertRaiser) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// mockEnricher implements domain.AlertEnricher for testing.
type mockEnricher struct{}

func (mockEnricher) Enrich(ctx context.Context, alert *domain.SecurityAlert) {
	alert.Hostname = "test-host"
}

// mockAttemptLog implements domain.AttemptLog for testing.
type mockAttemptLog struct {
	mu      sync.Mutex
	records []domain.AttemptRecord
}

func (m *mockAttemptLog) RecordAttempt(ctx context.Context, rec domain.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

type testEnv struct {
	engine   *Engine
	table    *fixtures.FakeProcessTable
	verifier *mockVerifier
	notifier *mockNotifier
	alerts   *mockAlertRaiser
	attempts *mockAttemptLog
}

// newTestEnv creates an engine over a fake process table that already runs
// one "notepad.exe" (pid 100) registered as the "Notepad" monitor.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		table:    fixtures.NewFakeProcessTable(),
		verifier: &mockVerifier{secret: "correct"},
		notifier: &mockNotifier{},
		alerts:   &mockAlertRaiser{},
		attempts: &mockAttemptLog{},
	}
	env.table.Spawn(1, 0, "init")
	env.table.Spawn(100, 1, "notepad.exe")

	all := append([]Option{
		WithLaunchNotifier(env.notifier),
		WithAlertRaiser(env.alerts),
		WithAttemptLog(env.attempts),
	}, opts...)
	env.engine = NewEngine(DefaultEngineConfig(), env.table, env.table, env.verifier, zap.NewNop(), all...)

	require.NoError(t, env.engine.AddMonitor("Notepad", "notepad.exe"))
	env.engine.captureInitial()
	return env
}

// hold spawns a fresh notepad instance and runs a tick so it gets suspended.
func (env *testEnv) hold(t *testing.T, pid int) {
	t.Helper()
	env.table.Spawn(pid, 1, "notepad.exe")
	env.engine.Tick(context.Background())
	require.True(t, env.table.IsSuspended(pid), "pid %d should be suspended", pid)
}

// mockMonitorStore implements domain.MonitorStore for testing.
type mockMonitorStore struct {
	apps    []domain.MonitoredApp
	listErr error
}

func (m *mockMonitorStore) SaveMonitor(app domain.MonitoredApp) error {
	for _, a := range m.apps {
		if strings.EqualFold(a.DisplayName, app.DisplayName) {
			return domain.ErrMonitorExists
		}
	}
	m.apps = append(m.apps, app)
	return nil
}

func (m *mockMonitorStore) DeleteMonitor(displayName string) (bool, error) {
	for i, a := range m.apps {
		if strings.EqualFold(a.DisplayName, displayName) {
			m.apps = append(m.apps[:i], m.apps[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockMonitorStore) ListMonitors() ([]domain.MonitoredApp, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]domain.MonitoredApp(nil), m.apps...), nil
}

// mockNotificationStore implements domain.NotificationStore for testing.
type mockNotificationStore struct {
	mu      sync.Mutex
	pending []domain.LaunchNotification
	err     error
}

func (m *mockNotificationStore) PendingNotifications() ([]domain.LaunchNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return append([]domain.LaunchNotification(nil), m.pending...), nil
}

func (m *mockNotificationStore) AcknowledgeNotifications(appName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.pending[:0]
	n := 0
	for _, p := range m.pending {
		if appName == "" || strings.EqualFold(p.AppName, appName) {
			n++
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
	return n, nil
}

// NotifyLaunchDetected lets the store double as the engine's notifier.
func (m *mockNotificationStore) NotifyLaunchDetected(ctx context.Context, appName, executableName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pending {
		if strings.EqualFold(p.AppName, appName) {
			return nil
		}
	}
	m.pending = append(m.pending, domain.LaunchNotification{AppName: appName, ExecutableName: executableName})
	return nil
}

// mockUnlockStore implements domain.UnlockRequestStore for testing.
type mockUnlockStore struct {
	mu       sync.Mutex
	nextID   int64
	requests map[int64]*domain.UnlockRequest
	listErr  error
}

func newMockUnlockStore() *mockUnlockStore {
	return &mockUnlockStore{requests: make(map[int64]*domain.UnlockRequest)}
}

func (m *mockUnlockStore) SubmitUnlockRequest(req domain.UnlockRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	req.ID = m.nextID
	m.requests[req.ID] = &req
	return req.ID, nil
}

func (m *mockUnlockStore) PendingUnlockRequests() ([]domain.UnlockRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.UnlockRequest
	for id := int64(1); id <= m.nextID; id++ {
		if r, ok := m.requests[id]; ok && !r.Done {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *mockUnlockStore) CompleteUnlockRequest(id int64, outcome domain.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Done {
		return domain.ErrUnlockRequestNotFound
	}
	r.Done = true
	r.Outcome = outcome
	r.Credential.Secret = ""
	return nil
}

func (m *mockUnlockStore) GetUnlockRequest(id int64) (*domain.UnlockRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, domain.ErrUnlockRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *mockUnlockStore) DeleteUnlockRequest(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	return nil
}

func (m *mockUnlockStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
