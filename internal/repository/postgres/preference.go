package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type preferenceRow struct {
	UserID     string    `db:"user_id"`
	Channels   []byte    `db:"channels"`
	EventTypes []byte    `db:"event_types"`
	QuietHours []byte    `db:"quiet_hours"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type preferenceRepository struct {
	BaseRepository
}

func NewPreferenceRepository(base BaseRepository) repository.PreferenceRepository {
	return &preferenceRepository{base}
}

func (r *preferenceRepository) Get(ctx context.Context, userID string) (*model.NotificationPreferences, error) {
	query := `
		SELECT user_id, channels, event_types, quiet_hours, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`
	var row preferenceRow
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		return nil, notFound(err)
	}

	prefs := &model.NotificationPreferences{
		UserID:     row.UserID,
		Channels:   map[model.Channel]bool{},
		EventTypes: map[string]bool{},
		UpdatedAt:  row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Channels, &prefs.Channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	if err := json.Unmarshal(row.EventTypes, &prefs.EventTypes); err != nil {
		return nil, fmt.Errorf("failed to decode event types: %w", err)
	}
	if len(row.QuietHours) > 0 {
		var q model.QuietHours
		if err := json.Unmarshal(row.QuietHours, &q); err != nil {
			return nil, fmt.Errorf("failed to decode quiet hours: %w", err)
		}
		prefs.QuietHours = &q
	}
	return prefs, nil
}

func (r *preferenceRepository) Upsert(ctx context.Context, prefs *model.NotificationPreferences) error {
	channels, err := json.Marshal(prefs.Channels)
	if err != nil {
		return err
	}
	eventTypes, err := json.Marshal(prefs.EventTypes)
	if err != nil {
		return err
	}
	var quiet []byte
	if prefs.QuietHours != nil {
		if quiet, err = json.Marshal(prefs.QuietHours); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO notification_preferences (user_id, channels, event_types, quiet_hours, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			channels = EXCLUDED.channels,
			event_types = EXCLUDED.event_types,
			quiet_hours = EXCLUDED.quiet_hours,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, prefs.UserID, channels, eventTypes, quiet, prefs.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}
