package usecase

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
	"github.com/eliteGoblin/focusd/app_lock/internal/policy"
)

// MonitorRegistrar is the part of the Engine that MonitorService keeps in
// step with the store.
type MonitorRegistrar interface {
	RestoreMonitor(displayName, executableName string) error
	RemoveMonitor(displayName string) bool
	ListMonitors() []domain.MonitoredApp
}

// MonitorService manages the persisted monitor list. It works without a
// running engine so that CLI commands in another shell can edit the list.
type MonitorService struct {
	store  domain.MonitorStore
	table  domain.ProcessTable
	logger *zap.Logger
}

// NewMonitorService creates a MonitorService.
func NewMonitorService(store domain.MonitorStore, table domain.ProcessTable, logger *zap.Logger) *MonitorService {
	return &MonitorService{store: store, table: table, logger: logger}
}

// Add persists a monitored app. It applies the same admission rule as
// Engine.AddMonitor: the executable must be running.
func (s *MonitorService) Add(displayName, executableName string) (domain.MonitoredApp, error) {
	app, _, err := admitMonitor(s.table, displayName, executableName)
	if err != nil {
		return app, err
	}
	if err := s.store.SaveMonitor(app); err != nil {
		return app, err
	}

	s.logger.Info("monitor saved",
		zap.String("app", app.DisplayName),
		zap.String("executable", app.ExecutableName))
	return app, nil
}

// Remove deletes a persisted monitor. Returns domain.ErrMonitorNotFound
// if there was none.
func (s *MonitorService) Remove(displayName string) error {
	removed, err := s.store.DeleteMonitor(displayName)
	if err != nil {
		return fmt.Errorf("failed to delete monitor: %w", err)
	}
	if !removed {
		return fmt.Errorf("%w: %s", domain.ErrMonitorNotFound, displayName)
	}
	s.logger.Info("monitor deleted", zap.String("app", displayName))
	return nil
}

// List returns the persisted monitors.
func (s *MonitorService) List() ([]domain.MonitoredApp, error) {
	return s.store.ListMonitors()
}

// Candidates lists running applications plus common presets that could
// be monitored.
func (s *MonitorService) Candidates() []policy.Candidate {
	return policy.Candidates(s.table.List())
}

// SyncResult summarizes a Sync.
type SyncResult struct {
	Added   []string
	Removed []string
}

// Changed reports whether Sync modified the engine.
func (r SyncResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// Sync makes the engine's monitors match the store. A monitor whose
// executable changed is removed and registered again.
func (s *MonitorService) Sync(engine MonitorRegistrar) (SyncResult, error) {
	var result SyncResult

	stored, err := s.store.ListMonitors()
	if err != nil {
		return result, fmt.Errorf("failed to list monitors: %w", err)
	}

	want := make(map[string]domain.MonitoredApp, len(stored))
	for _, app := range stored {
		want[strings.ToLower(app.DisplayName)] = app
	}

	have := make(map[string]domain.MonitoredApp)
	for _, app := range engine.ListMonitors() {
		key := strings.ToLower(app.DisplayName)
		if w, ok := want[key]; ok && w.ExecutableName == app.ExecutableName {
			have[key] = app
			continue
		}
		if engine.RemoveMonitor(app.DisplayName) {
			result.Removed = append(result.Removed, app.DisplayName)
		}
	}

	for _, app := range stored {
		if _, ok := have[strings.ToLower(app.DisplayName)]; ok {
			continue
		}
		if err := engine.RestoreMonitor(app.DisplayName, app.ExecutableName); err != nil {
			s.logger.Warn("failed to restore monitor",
				zap.String("app", app.DisplayName),
				zap.Error(err))
			continue
		}
		result.Added = append(result.Added, app.DisplayName)
	}

	if result.Changed() {
		s.logger.Info("monitors synced",
			zap.Strings("added", result.Added),
			zap.Strings("removed", result.Removed))
	}
	return result, nil
}

// Ensure Engine satisfies MonitorRegistrar.
var _ MonitorRegistrar = (*Engine)(nil)
