package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// CredentialSubmitter is the part of the Engine that accepts credential
// attempts.
type CredentialSubmitter interface {
	SubmitCredentialAttempt(ctx context.Context, appName string, cred domain.Credential) domain.Outcome
}

// UnlockConfig holds unlock request settings.
type UnlockConfig struct {
	RequestTTL   time.Duration // Requests older than this are expired unprocessed
	PollInterval time.Duration // How often Await re-reads the request
}

// DefaultUnlockConfig returns default unlock request configuration.
func DefaultUnlockConfig() UnlockConfig {
	return UnlockConfig{
		RequestTTL:   30 * time.Second,
		PollInterval: 100 * time.Millisecond,
	}
}

// UnlockService carries credential attempts from `applock unlock` to a
// running daemon through the store. The CLI side calls Request and Await;
// the daemon side calls Process.
type UnlockService struct {
	config UnlockConfig
	store  domain.UnlockRequestStore
	logger *zap.Logger
	now    func() time.Time
}

// NewUnlockService creates an UnlockService.
func NewUnlockService(config UnlockConfig, store domain.UnlockRequestStore, logger *zap.Logger) *UnlockService {
	return &UnlockService{config: config, store: store, logger: logger, now: time.Now}
}

// Request queues a credential attempt for appName.
func (s *UnlockService) Request(appName string, cred domain.Credential) (int64, error) {
	id, err := s.store.SubmitUnlockRequest(domain.UnlockRequest{
		AppName:     appName,
		Credential:  cred,
		RequestedAt: s.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to queue unlock request: %w", err)
	}
	return id, nil
}

// Await polls until the daemon completed the request and returns its
// outcome. The request is removed either way, so an abandoned request is
// never processed later.
func (s *UnlockService) Await(ctx context.Context, id int64) (domain.Outcome, error) {
	defer func() {
		if err := s.store.DeleteUnlockRequest(id); err != nil {
			s.logger.Warn("failed to delete unlock request", zap.Int64("id", id), zap.Error(err))
		}
	}()

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		req, err := s.store.GetUnlockRequest(id)
		if err != nil {
			return domain.Outcome{}, err
		}
		if req.Done {
			return req.Outcome, nil
		}

		select {
		case <-ctx.Done():
			return domain.Outcome{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Process submits every queued request to the engine and stores the
// outcomes. Requests older than RequestTTL are completed as expired
// without an attempt. Returns the number of requests completed.
func (s *UnlockService) Process(ctx context.Context, engine CredentialSubmitter) (int, error) {
	pending, err := s.store.PendingUnlockRequests()
	if err != nil {
		return 0, fmt.Errorf("failed to read unlock requests: %w", err)
	}

	completed := 0
	for _, req := range pending {
		var outcome domain.Outcome
		if s.now().Sub(req.RequestedAt) > s.config.RequestTTL {
			outcome = domain.Outcome{Kind: domain.OutcomeVerifierUnavailable, Err: domain.ErrUnlockRequestExpired}
			s.logger.Warn("unlock request expired",
				zap.Int64("id", req.ID), zap.String("app", req.AppName))
		} else {
			outcome = engine.SubmitCredentialAttempt(ctx, req.AppName, req.Credential)
			s.logger.Info("unlock request processed",
				zap.Int64("id", req.ID),
				zap.String("app", req.AppName),
				zap.Stringer("outcome", outcome))
		}

		if err := s.store.CompleteUnlockRequest(req.ID, outcome); err != nil {
			// The requester gave up and deleted it.
			if errors.Is(err, domain.ErrUnlockRequestNotFound) {
				continue
			}
			return completed, fmt.Errorf("failed to complete unlock request %d: %w", req.ID, err)
		}
		completed++
	}
	return completed, nil
}

// Ensure Engine satisfies CredentialSubmitter.
var _ CredentialSubmitter = (*Engine)(nil)
