package infra

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// LogSink writes launch notifications and security alerts to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// NotifyLaunchDetected logs the launch prompt.
func (s *LogSink) NotifyLaunchDetected(_ context.Context, appName, executableName string) error {
	s.logger.Info("login required",
		zap.String("app", appName),
		zap.String("executable", executableName),
	)
	return nil
}

// RaiseSecurityAlert logs the alert at warn level.
func (s *LogSink) RaiseSecurityAlert(_ context.Context, alert domain.SecurityAlert) error {
	s.logger.Warn(alert.Title(),
		zap.String("app", alert.AppName),
		zap.String("executable", alert.ExecutableName),
		zap.Int("pid", alert.PID),
		zap.Int("attempts", alert.Attempts),
		zap.String("subject", alert.Subject),
		zap.String("hostname", alert.Hostname),
		zap.String("platform", alert.Platform),
	)
	return nil
}

// FanOutNotifier delivers each notification to every notifier.
// Every notifier is called; errors are aggregated.
type FanOutNotifier []domain.LaunchNotifier

// NotifyLaunchDetected implements domain.LaunchNotifier.
func (f FanOutNotifier) NotifyLaunchDetected(ctx context.Context, appName, executableName string) error {
	var result error
	for _, n := range f {
		if err := n.NotifyLaunchDetected(ctx, appName, executableName); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// FanOutAlerter delivers each alert to every raiser.
// Every raiser is called; errors are aggregated.
type FanOutAlerter []domain.AlertRaiser

// RaiseSecurityAlert implements domain.AlertRaiser.
func (f FanOutAlerter) RaiseSecurityAlert(ctx context.Context, alert domain.SecurityAlert) error {
	var result error
	for _, r := range f {
		if err := r.RaiseSecurityAlert(ctx, alert); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

var (
	_ domain.LaunchNotifier = (*LogSink)(nil)
	_ domain.AlertRaiser    = (*LogSink)(nil)
	_ domain.LaunchNotifier = FanOutNotifier(nil)
	_ domain.AlertRaiser    = FanOutAlerter(nil)
)
