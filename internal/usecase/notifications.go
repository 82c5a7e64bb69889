package usecase

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// NotificationReconciler is the part of the Engine that tracks unanswered
// launch notifications.
type NotificationReconciler interface {
	NotificationMark() uint64
	ReconcileNotifications(mark uint64, stillPending []string) []string
}

// NotificationService keeps the engine's pending notifications in step
// with the store, so `applock notifications --ack` from another shell
// re-arms launch notifications for the acknowledged apps.
type NotificationService struct {
	store  domain.NotificationStore
	logger *zap.Logger
}

// NewNotificationService creates a NotificationService.
func NewNotificationService(store domain.NotificationStore, logger *zap.Logger) *NotificationService {
	return &NotificationService{store: store, logger: logger}
}

// Sync clears engine notifications that were acknowledged in the store.
// Returns the cleared app names.
func (s *NotificationService) Sync(engine NotificationReconciler) ([]string, error) {
	mark := engine.NotificationMark()
	pending, err := s.store.PendingNotifications()
	if err != nil {
		return nil, fmt.Errorf("failed to read pending notifications: %w", err)
	}

	names := make([]string, 0, len(pending))
	for _, n := range pending {
		names = append(names, n.AppName)
	}
	return engine.ReconcileNotifications(mark, names), nil
}

// Ensure Engine satisfies NotificationReconciler.
var _ NotificationReconciler = (*Engine)(nil)
