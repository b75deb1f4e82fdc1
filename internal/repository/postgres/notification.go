package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type notificationRow struct {
	ID            uuid.UUID      `db:"id"`
	UserID        string         `db:"user_id"`
	AppID         string         `db:"app_id"`
	Type          string         `db:"type"`
	Title         string         `db:"title"`
	Body          string         `db:"body"`
	Data          model.JSONMap  `db:"data"`
	Channels      pq.StringArray `db:"channels"`
	Status        string         `db:"status"`
	SourceEventID uuid.UUID      `db:"source_event_id"`
	CorrelationID string         `db:"correlation_id"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
	SentAt        *time.Time     `db:"sent_at"`
	DeliveredAt   *time.Time     `db:"delivered_at"`
	ReadAt        *time.Time     `db:"read_at"`
}

func (r notificationRow) toModel() *model.Notification {
	return &model.Notification{
		ID:            r.ID,
		UserID:        r.UserID,
		AppID:         r.AppID,
		Type:          model.NotificationType(r.Type),
		Title:         r.Title,
		Body:          r.Body,
		Data:          r.Data,
		Channels:      toChannels(r.Channels),
		Status:        model.NotificationStatus(r.Status),
		SourceEventID: r.SourceEventID,
		CorrelationID: r.CorrelationID,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		SentAt:        r.SentAt,
		DeliveredAt:   r.DeliveredAt,
		ReadAt:        r.ReadAt,
	}
}

const notificationColumns = `id, user_id, app_id, type, title, body, data, channels, status,
	source_event_id, correlation_id, created_at, updated_at, sent_at, delivered_at, read_at`

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.AppID,
		n.Type,
		n.Title,
		n.Body,
		n.Data,
		pq.Array(fromChannels(n.Channels)),
		n.Status,
		n.SourceEventID,
		n.CorrelationID,
		n.CreatedAt,
		n.UpdatedAt,
		n.SentAt,
		n.DeliveredAt,
		n.ReadAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	var row notificationRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toModel(), nil
}

func (r *notificationRepository) List(ctx context.Context, f model.NotificationFilter) ([]*model.Notification, int, error) {
	conds := []string{"user_id = $1"}
	args := []interface{}{f.UserID}
	if f.AppIDs != nil {
		args = append(args, pq.Array(f.AppIDs))
		conds = append(conds, fmt.Sprintf("app_id = ANY($%d)", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(conds, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM notifications"+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT %s FROM notifications%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, where, len(args)-1, len(args))

	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list notifications: %w", err)
	}
	out := make([]*model.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, total, nil
}

func (r *notificationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to model.NotificationStatus, at time.Time) (bool, error) {
	query := `
		UPDATE notifications
		SET status = $3,
			updated_at = $4,
			sent_at = CASE WHEN $3 = 'sent' THEN $4 ELSE sent_at END,
			delivered_at = CASE WHEN $3 = 'delivered' THEN $4 ELSE delivered_at END,
			read_at = CASE WHEN $3 = 'read' THEN $4 ELSE read_at END
		WHERE id = $1 AND status = $2
	`
	result, err := r.db.ExecContext(ctx, query, id, string(from), string(to), at)
	if err != nil {
		return false, fmt.Errorf("failed to update notification status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *notificationRepository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`
	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}
	out := make([]*model.Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

func toChannels(in []string) []model.Channel {
	out := make([]model.Channel, 0, len(in))
	for _, c := range in {
		out = append(out, model.Channel(c))
	}
	return out
}

func fromChannels(in []model.Channel) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		out = append(out, string(c))
	}
	return out
}
