package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
)

// ErrNotFound is returned by every repository when the row does not exist.
var ErrNotFound = errors.New("record not found")

// All repository interfaces in one file
type (
	// EventRepository is the append-only event store.
	EventRepository interface {
		Create(ctx context.Context, event *model.Event) error
		Get(ctx context.Context, id uuid.UUID) (*model.Event, error)
		List(ctx context.Context, q model.EventQuery) ([]*model.Event, int, error)
		DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}

	SubscriptionRepository interface {
		Create(ctx context.Context, sub *model.EventSubscription) error
		// Get returns soft-deleted rows too so ownership can still be checked.
		Get(ctx context.Context, id uuid.UUID) (*model.EventSubscription, error)
		ListByUser(ctx context.Context, userID, appID string) ([]*model.EventSubscription, error)
		// ListActive returns every live subscription whose patterns may match t.
		ListActive(ctx context.Context, t model.EventType) ([]*model.EventSubscription, error)
		SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error
	}

	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int, error)
		// UpdateStatus applies the transition only if the row is still in from.
		// It returns false when another writer got there first.
		UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.NotificationStatus, at time.Time) (bool, error)
		ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Notification, error)
	}

	DeliveryRepository interface {
		RecordAttempt(ctx context.Context, attempt *model.DeliveryAttempt) error
		ListAttempts(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryAttempt, error)
		LastAttemptNumber(ctx context.Context, notificationID uuid.UUID, channel model.Channel) (int, error)
		ScheduleRetry(ctx context.Context, retry *model.ScheduledRetry) error
		// ClaimDueRetries leases due retries until now+lease. A retry is held by
		// one scheduler at a time and reappears if CompleteRetry is never called.
		ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.ScheduledRetry, error)
		CompleteRetry(ctx context.Context, retry *model.ScheduledRetry) error
		NextRetryAt(ctx context.Context) (*time.Time, error)
		CancelRetries(ctx context.Context, notificationID uuid.UUID) error
	}

	PreferenceRepository interface {
		// Get returns ErrNotFound when the user never saved preferences.
		Get(ctx context.Context, userID string) (*model.NotificationPreferences, error)
		Upsert(ctx context.Context, prefs *model.NotificationPreferences) error
	}

	RuleRepository interface {
		ListForUser(ctx context.Context, userID string) ([]*model.MappingRule, error)
		Create(ctx context.Context, rule *model.MappingRule) error
	}

	ContactRepository interface {
		Get(ctx context.Context, userID string) (*model.UserContact, error)
		Upsert(ctx context.Context, contact *model.UserContact) error
	}

	ConnectionRepository interface {
		Upsert(ctx context.Context, conn *model.UserConnection) error
		Touch(ctx context.Context, id uuid.UUID, at time.Time) error
		Delete(ctx context.Context, id uuid.UUID) error
		ListByUser(ctx context.Context, userID string) ([]*model.UserConnection, error)
		DeleteStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	}
)
