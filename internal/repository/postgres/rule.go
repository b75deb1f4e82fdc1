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

type ruleRow struct {
	ID               uuid.UUID      `db:"id"`
	UserID           string         `db:"user_id"`
	Name             string         `db:"name"`
	EventType        string         `db:"event_type"`
	When             model.JSONMap  `db:"when_cond"`
	NotificationType string         `db:"notification_type"`
	Title            string         `db:"title"`
	Body             string         `db:"body"`
	Channels         pq.StringArray `db:"channels"`
	Recipient        string         `db:"recipient"`
	Disabled         bool           `db:"disabled"`
	CreatedAt        time.Time      `db:"created_at"`
}

type ruleRepository struct {
	BaseRepository
}

func NewRuleRepository(base BaseRepository) repository.RuleRepository {
	return &ruleRepository{base}
}

func (r *ruleRepository) ListForUser(ctx context.Context, userID string) ([]*model.MappingRule, error) {
	query := `
		SELECT id, user_id, name, event_type, when_cond, notification_type, title, body,
			channels, recipient, disabled, created_at
		FROM notification_rules
		WHERE user_id = $1
		ORDER BY name
	`
	var rows []ruleRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	out := make([]*model.MappingRule, 0, len(rows))
	for _, row := range rows {
		out = append(out, &model.MappingRule{
			ID:               row.ID,
			UserID:           row.UserID,
			Name:             row.Name,
			EventType:        row.EventType,
			When:             row.When,
			NotificationType: model.NotificationType(row.NotificationType),
			Title:            row.Title,
			Body:             row.Body,
			Channels:         toChannels(row.Channels),
			Recipient:        row.Recipient,
			Disabled:         row.Disabled,
			CreatedAt:        row.CreatedAt,
		})
	}
	return out, nil
}

func (r *ruleRepository) Create(ctx context.Context, rule *model.MappingRule) error {
	query := `
		INSERT INTO notification_rules (
			id, user_id, name, event_type, when_cond, notification_type, title, body,
			channels, recipient, disabled, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, query,
		rule.ID,
		rule.UserID,
		rule.Name,
		rule.EventType,
		rule.When,
		rule.NotificationType,
		rule.Title,
		rule.Body,
		pq.Array(fromChannels(rule.Channels)),
		rule.Recipient,
		rule.Disabled,
		rule.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}
