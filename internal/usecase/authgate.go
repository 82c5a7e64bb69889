package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// AuthGate resolves credential attempts against held processes. It shares
// the engine lock so a session is never resolved twice.
type AuthGate struct {
	engine   *Engine
	verifier domain.CredentialVerifier
	logger   *zap.Logger
}

func newAuthGate(e *Engine, verifier domain.CredentialVerifier) *AuthGate {
	return &AuthGate{
		engine:   e,
		verifier: verifier,
		logger:   e.logger.Named("authgate"),
	}
}

// Attempt checks cred for the earliest held process of appName.
func (g *AuthGate) Attempt(ctx context.Context, appName string, cred domain.Credential) domain.Outcome {
	outcome, effects := g.decide(ctx, appName, cred)
	for _, effect := range effects {
		effect(ctx)
	}
	return outcome
}

func (g *AuthGate) decide(ctx context.Context, appName string, cred domain.Credential) (domain.Outcome, []func(context.Context)) {
	e := g.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	session := e.tracker.selectSession(appName)
	if session == nil {
		return domain.Outcome{Kind: domain.OutcomeNoMatchingSession}, nil
	}
	if !g.stillHeld(session) {
		e.tracker.drop(session.PID)
		g.logger.Info("held process no longer exists",
			zap.String("app", session.AppName), zap.Int("pid", session.PID))
		return domain.Outcome{Kind: domain.OutcomeNoMatchingSession}, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, e.config.VerifyTimeout)
	ok, err := g.verifier.Verify(verifyCtx, cred)
	cancel()
	if err != nil {
		g.logger.Warn("credential verifier unavailable",
			zap.String("app", session.AppName), zap.Error(err))
		return domain.Outcome{Kind: domain.OutcomeVerifierUnavailable, PID: session.PID, Err: err}, nil
	}

	if ok {
		return g.release(session, cred)
	}
	return g.reject(session, cred)
}

// stillHeld revalidates that the session pid is the same process.
func (g *AuthGate) stillHeld(s *domain.Session) bool {
	current, err := g.engine.table.Get(s.PID)
	if err != nil {
		return !errors.Is(err, domain.ErrProcessNotFound)
	}
	return current.CreateTime.Equal(s.CreateTime)
}

func (g *AuthGate) release(s *domain.Session, cred domain.Credential) (domain.Outcome, []func(context.Context)) {
	e := g.engine

	if err := e.controller.Resume(s.PID); err != nil {
		if errors.Is(err, domain.ErrProcessNotFound) {
			e.tracker.drop(s.PID)
			return domain.Outcome{Kind: domain.OutcomeNoMatchingSession}, nil
		}

		g.logger.Error("failed to resume process, terminating",
			zap.String("app", s.AppName), zap.Int("pid", s.PID), zap.Error(err))
		g.terminate(s)
		e.tracker.drop(s.PID)
		effects := g.audit(s, cred, domain.OutcomeFailed)
		if notify := e.resolvedLocked(s.AppName, s.ExecutableName); notify != nil {
			effects = append(effects, notify)
		}
		return domain.Outcome{Kind: domain.OutcomeFailed, PID: s.PID, Err: err}, effects
	}

	e.tracker.authenticate(s)
	g.logger.Info("application unlocked",
		zap.String("app", s.AppName),
		zap.Int("pid", s.PID),
		zap.String("subject", cred.Subject))

	effects := g.audit(s, cred, domain.OutcomeResumed)
	if notify := e.resolvedLocked(s.AppName, s.ExecutableName); notify != nil {
		effects = append(effects, notify)
	}
	return domain.Outcome{Kind: domain.OutcomeResumed, PID: s.PID}, effects
}

func (g *AuthGate) reject(s *domain.Session, cred domain.Credential) (domain.Outcome, []func(context.Context)) {
	e := g.engine
	maxAttempts := e.config.MaxAttempts

	s.Attempts++
	if s.Attempts < maxAttempts {
		remaining := maxAttempts - s.Attempts
		g.logger.Info("credential rejected",
			zap.String("app", s.AppName),
			zap.Int("pid", s.PID),
			zap.Int("attempts_remaining", remaining))
		return domain.Outcome{Kind: domain.OutcomeAttemptsRemaining, PID: s.PID, Remaining: remaining},
			g.audit(s, cred, domain.OutcomeAttemptsRemaining)
	}

	g.terminate(s)
	e.tracker.drop(s.PID)
	g.logger.Warn("maximum credential attempts exceeded, application terminated",
		zap.String("app", s.AppName),
		zap.Int("pid", s.PID),
		zap.Int("attempts", s.Attempts))

	alert := domain.SecurityAlert{
		AppName:        s.AppName,
		ExecutableName: s.ExecutableName,
		PID:            s.PID,
		Attempts:       s.Attempts,
		Subject:        cred.Subject,
		RaisedAt:       e.now(),
	}
	effects := g.audit(s, cred, domain.OutcomeLocked)
	effects = append(effects, g.raiseAlert(alert))
	if notify := e.resolvedLocked(s.AppName, s.ExecutableName); notify != nil {
		effects = append(effects, notify)
	}
	return domain.Outcome{Kind: domain.OutcomeLocked, PID: s.PID}, effects
}

func (g *AuthGate) terminate(s *domain.Session) {
	if err := g.engine.controller.Terminate(s.PID); err != nil && !errors.Is(err, domain.ErrProcessNotFound) {
		g.logger.Error("failed to terminate process",
			zap.String("app", s.AppName), zap.Int("pid", s.PID), zap.Error(err))
	}
}

func (g *AuthGate) raiseAlert(alert domain.SecurityAlert) func(context.Context) {
	e := g.engine
	return func(ctx context.Context) {
		if e.enricher != nil {
			e.enricher.Enrich(ctx, &alert)
		}
		if err := e.alerts.RaiseSecurityAlert(ctx, alert); err != nil {
			g.logger.Error("failed to raise security alert",
				zap.String("app", alert.AppName), zap.Error(err))
		}
	}
}

func (g *AuthGate) audit(s *domain.Session, cred domain.Credential, kind domain.OutcomeKind) []func(context.Context) {
	e := g.engine
	if e.attemptLog == nil {
		return nil
	}
	rec := domain.AttemptRecord{
		AppName: s.AppName,
		Subject: cred.Subject,
		PID:     s.PID,
		Outcome: kind,
		At:      e.now(),
	}
	return []func(context.Context){func(ctx context.Context) {
		if err := e.attemptLog.RecordAttempt(ctx, rec); err != nil {
			g.logger.Warn("failed to record credential attempt", zap.Error(err))
		}
	}}
}
