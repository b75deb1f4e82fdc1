package notification

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
)

// UpdateStatus applies a user-driven transition (delivered or read) through
// the state machine. Repeating the current status is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, userID string, appIDs []string, id uuid.UUID, to model.NotificationStatus) (*model.Notification, error) {
	if to != model.NotificationStatusDelivered && to != model.NotificationStatusRead {
		return nil, apperrors.Validationf("status must be delivered or read, got %q", to)
	}

	// Two tries: a concurrent writer may move the row between read and update.
	for i := 0; i < 2; i++ {
		n, err := s.GetNotification(ctx, userID, appIDs, id)
		if err != nil {
			return nil, err
		}
		if n.Status == to {
			return n, nil
		}
		if !n.Status.CanTransition(to) {
			return nil, apperrors.Validationf("cannot move notification from %s to %s", n.Status, to)
		}
		if s.transition(ctx, n, n.Status, to) {
			return s.GetNotification(ctx, userID, appIDs, id)
		}
	}
	return nil, apperrors.Validationf("notification status changed concurrently, retry")
}

// MarkDelivered handles a realtime ack. An ack can beat the sender's own
// pending -> sent update, so pending is walked through sent first. Acks in
// any later status are ignored.
func (s *Service) MarkDelivered(ctx context.Context, userID string, appIDs []string, id uuid.UUID) error {
	n, err := s.GetNotification(ctx, userID, appIDs, id)
	if err != nil {
		return err
	}
	switch n.Status {
	case model.NotificationStatusPending:
		s.transition(ctx, n, model.NotificationStatusPending, model.NotificationStatusSent)
	case model.NotificationStatusSent:
	default:
		return nil
	}
	s.transition(ctx, n, model.NotificationStatusSent, model.NotificationStatusDelivered)
	return nil
}
