package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type subscriptionRow struct {
	ID         uuid.UUID      `db:"id"`
	UserID     string         `db:"user_id"`
	AppID      string         `db:"app_id"`
	EventTypes pq.StringArray `db:"event_types"`
	Filters    model.JSONMap  `db:"filters"`
	CreatedAt  time.Time      `db:"created_at"`
	DeletedAt  *time.Time     `db:"deleted_at"`
}

func (r subscriptionRow) toModel() *model.EventSubscription {
	return &model.EventSubscription{
		ID:         r.ID,
		UserID:     r.UserID,
		AppID:      r.AppID,
		EventTypes: []string(r.EventTypes),
		Filters:    r.Filters,
		CreatedAt:  r.CreatedAt,
		DeletedAt:  r.DeletedAt,
	}
}

const subscriptionColumns = `id, user_id, app_id, event_types, filters, created_at, deleted_at`

type subscriptionRepository struct {
	BaseRepository
}

func NewSubscriptionRepository(base BaseRepository) repository.SubscriptionRepository {
	return &subscriptionRepository{base}
}

func (r *subscriptionRepository) Create(ctx context.Context, sub *model.EventSubscription) error {
	query := `
		INSERT INTO event_subscriptions (id, user_id, app_id, event_types, filters, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		sub.AppID,
		pq.Array(sub.EventTypes),
		sub.Filters,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Get(ctx context.Context, id uuid.UUID) (*model.EventSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM event_subscriptions WHERE id = $1`

	var row subscriptionRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (r *subscriptionRepository) ListByUser(ctx context.Context, userID, appID string) ([]*model.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE user_id = $1 AND app_id = $2 AND deleted_at IS NULL
		ORDER BY created_at
	`
	var rows []subscriptionRow
	if err := r.db.SelectContext(ctx, &rows, query, userID, appID); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return toSubscriptions(rows), nil
}

// ListActive narrows by exact type through the GIN index and keeps every
// wildcard subscription; the caller runs the precise pattern match.
func (r *subscriptionRepository) ListActive(ctx context.Context, t model.EventType) ([]*model.EventSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM event_subscriptions
		WHERE deleted_at IS NULL
		AND (
			$1 = ANY(event_types)
			OR EXISTS (SELECT 1 FROM unnest(event_types) AS p WHERE strpos(p, '*') > 0)
		)
	`
	var rows []subscriptionRow
	if err := r.db.SelectContext(ctx, &rows, query, string(t)); err != nil {
		return nil, fmt.Errorf("failed to list active subscriptions: %w", err)
	}
	return toSubscriptions(rows), nil
}

func (r *subscriptionRepository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE event_subscriptions
		SET deleted_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func toSubscriptions(rows []subscriptionRow) []*model.EventSubscription {
	out := make([]*model.EventSubscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out
}
