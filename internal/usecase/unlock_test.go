package usecase

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

func newUnlockService(store *mockUnlockStore) *UnlockService {
	cfg := DefaultUnlockConfig()
	cfg.PollInterval = time.Millisecond
	return NewUnlockService(cfg, store, zap.NewNop())
}

func TestDefaultUnlockConfig(t *testing.T) {
	cfg := DefaultUnlockConfig()
	assert.Equal(t, 30*time.Second, cfg.RequestTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
}

func TestUnlockService_ProcessResumesHeldApp(t *testing.T) {
	env := newTestEnv(t)
	env.hold(t, 200)
	store := newMockUnlockStore()
	svc := newUnlockService(store)

	id, err := svc.Request("notepad", domain.Credential{Subject: "alice", Secret: "correct"})
	require.NoError(t, err)

	n, err := svc.Process(context.Background(), env.engine)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, env.table.IsSuspended(200))

	req, err := store.GetUnlockRequest(id)
	require.NoError(t, err)
	assert.True(t, req.Done)
	assert.Empty(t, req.Credential.Secret)
	assert.Equal(t, domain.OutcomeResumed, req.Outcome.Kind)
	assert.Equal(t, 200, req.Outcome.PID)
}

func TestUnlockService_ProcessCountsFailures(t *testing.T) {
	env := newTestEnv(t)
	env.hold(t, 200)
	store := newMockUnlockStore()
	svc := newUnlockService(store)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := svc.Request("Notepad", domain.Credential{Secret: "wrong"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	n, err := svc.Process(context.Background(), env.engine)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	kinds := make([]domain.OutcomeKind, 0, len(ids))
	for _, id := range ids {
		req, err := store.GetUnlockRequest(id)
		require.NoError(t, err)
		kinds = append(kinds, req.Outcome.Kind)
	}
	assert.Equal(t, []domain.OutcomeKind{
		domain.OutcomeAttemptsRemaining,
		domain.OutcomeAttemptsRemaining,
		domain.OutcomeLocked,
	}, kinds)
	assert.Equal(t, 1, env.table.TerminateCalls(200))
	assert.Equal(t, 1, env.alerts.count())
}

func TestUnlockService_ProcessExpiresStaleRequests(t *testing.T) {
	env := newTestEnv(t)
	env.hold(t, 200)
	store := newMockUnlockStore()
	svc := newUnlockService(store)

	id, err := store.SubmitUnlockRequest(domain.UnlockRequest{
		AppName:     "Notepad",
		Credential:  domain.Credential{Secret: "correct"},
		RequestedAt: time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = svc.Process(context.Background(), env.engine)
	require.NoError(t, err)

	req, err := store.GetUnlockRequest(id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeVerifierUnavailable, req.Outcome.Kind)
	assert.ErrorIs(t, req.Outcome.Err, domain.ErrUnlockRequestExpired)
	assert.True(t, env.table.IsSuspended(200), "expired request makes no attempt")
}

func TestUnlockService_ProcessStoreError(t *testing.T) {
	env := newTestEnv(t)
	store := newMockUnlockStore()
	store.listErr = errors.New("database is locked")

	_, err := newUnlockService(store).Process(context.Background(), env.engine)
	assert.ErrorContains(t, err, "database is locked")
}

func TestUnlockService_AwaitReturnsOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.hold(t, 200)
	store := newMockUnlockStore()
	svc := newUnlockService(store)

	id, err := svc.Request("Notepad", domain.Credential{Secret: "correct"})
	require.NoError(t, err)

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = svc.Process(context.Background(), env.engine)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := svc.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeResumed, outcome.Kind)
	assert.Equal(t, 0, store.size(), "request is removed once read")
}

func TestUnlockService_AwaitTimeoutRemovesRequest(t *testing.T) {
	store := newMockUnlockStore()
	svc := newUnlockService(store)

	id, err := svc.Request("Notepad", domain.Credential{Secret: "correct"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = svc.Await(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, store.size(), "an abandoned request is never processed")
}
