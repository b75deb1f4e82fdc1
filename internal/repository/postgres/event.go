package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type eventRow struct {
	ID            uuid.UUID      `db:"id"`
	Type          string         `db:"type"`
	SourceAppID   string         `db:"source_app_id"`
	SourceAppName string         `db:"source_app_name"`
	SourceVersion string         `db:"source_version"`
	UserID        sql.NullString `db:"user_id"`
	Data          model.JSONMap  `db:"data"`
	CorrelationID string         `db:"correlation_id"`
	CausationID   string         `db:"causation_id"`
	SharedWith    pq.StringArray `db:"shared_with"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r eventRow) toModel() *model.Event {
	return &model.Event{
		ID:   r.ID,
		Type: model.EventType(r.Type),
		Source: model.EventSource{
			AppID:   r.SourceAppID,
			AppName: r.SourceAppName,
			Version: r.SourceVersion,
		},
		Timestamp: r.CreatedAt,
		UserID:    r.UserID.String,
		Data:      r.Data,
		Metadata: model.EventMetadata{
			CorrelationID: r.CorrelationID,
			CausationID:   r.CausationID,
		},
		SharedWith: []string(r.SharedWith),
	}
}

const eventColumns = `id, type, source_app_id, source_app_name, source_version, user_id,
	data, correlation_id, causation_id, shared_with, created_at`

type eventRepository struct {
	BaseRepository
}

func NewEventRepository(base BaseRepository) repository.EventRepository {
	return &eventRepository{base}
}

func (r *eventRepository) Create(ctx context.Context, event *model.Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	shared := event.SharedWith
	if shared == nil {
		shared = []string{}
	}

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Source.AppID,
		event.Source.AppName,
		event.Source.Version,
		nullString(event.UserID),
		event.Data,
		event.Metadata.CorrelationID,
		event.Metadata.CausationID,
		pq.Array(shared),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

func (r *eventRepository) Get(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`

	var row eventRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

// List returns the events visible to (UserID, AppID): owned by the user or
// system scoped, and raised by or shared with the app. Newest first.
func (r *eventRepository) List(ctx context.Context, q model.EventQuery) ([]*model.Event, int, error) {
	conds := []string{
		"(source_app_id = $1 OR $1 = ANY(shared_with))",
		"(user_id = $2 OR user_id IS NULL)",
	}
	args := []interface{}{q.AppID, q.UserID}

	if q.Type != "" {
		args = append(args, q.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if q.Since != nil {
		args = append(args, *q.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.Until != nil {
		args = append(args, *q.Until)
		conds = append(conds, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM events"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count events: %w", err)
	}

	args = append(args, q.Limit, q.Offset)
	query := fmt.Sprintf(`SELECT %s FROM events%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		eventColumns, where, len(args)-1, len(args))

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list events: %w", err)
	}

	events := make([]*model.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, row.toModel())
	}
	return events, total, nil
}

func (r *eventRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return result.RowsAffected()
}
