package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type attemptRow struct {
	ID             uuid.UUID `db:"id"`
	NotificationID uuid.UUID `db:"notification_id"`
	Channel        string    `db:"channel"`
	AttemptNumber  int       `db:"attempt_number"`
	Outcome        string    `db:"outcome"`
	AttemptedAt    time.Time `db:"attempted_at"`
	ErrorDetail    *string   `db:"error_detail"`
}

type retryRow struct {
	NotificationID uuid.UUID  `db:"notification_id"`
	Channel        string     `db:"channel"`
	AttemptNumber  int        `db:"attempt_number"`
	DueAt          time.Time  `db:"due_at"`
	ClaimedUntil   *time.Time `db:"claimed_until"`
}

type deliveryRepository struct {
	BaseRepository
}

// NewDeliveryRepository stores the attempt log and the delayed retry queue.
func NewDeliveryRepository(base BaseRepository) repository.DeliveryRepository {
	return &deliveryRepository{base}
}

func (r *deliveryRepository) RecordAttempt(ctx context.Context, attempt *model.DeliveryAttempt) error {
	query := `
		INSERT INTO notification_delivery (
			id, notification_id, channel, attempt_number, outcome, attempted_at, error_detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.NotificationID,
		attempt.Channel,
		attempt.AttemptNumber,
		attempt.Outcome,
		attempt.AttemptedAt,
		attempt.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to record delivery attempt: %w", err)
	}
	return nil
}

func (r *deliveryRepository) ListAttempts(ctx context.Context, notificationID uuid.UUID) ([]*model.DeliveryAttempt, error) {
	query := `
		SELECT id, notification_id, channel, attempt_number, outcome, attempted_at, error_detail
		FROM notification_delivery
		WHERE notification_id = $1
		ORDER BY attempted_at, channel, attempt_number
	`
	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, notificationID); err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	out := make([]*model.DeliveryAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, &model.DeliveryAttempt{
			ID:             row.ID,
			NotificationID: row.NotificationID,
			Channel:        model.Channel(row.Channel),
			AttemptNumber:  row.AttemptNumber,
			Outcome:        model.DeliveryOutcome(row.Outcome),
			AttemptedAt:    row.AttemptedAt,
			ErrorDetail:    row.ErrorDetail,
		})
	}
	return out, nil
}

func (r *deliveryRepository) LastAttemptNumber(ctx context.Context, notificationID uuid.UUID, channel model.Channel) (int, error) {
	query := `
		SELECT COALESCE(MAX(attempt_number), 0)
		FROM notification_delivery
		WHERE notification_id = $1 AND channel = $2
	`
	var n int
	if err := r.db.GetContext(ctx, &n, query, notificationID, channel); err != nil {
		return 0, fmt.Errorf("failed to read attempt number: %w", err)
	}
	return n, nil
}

func (r *deliveryRepository) ScheduleRetry(ctx context.Context, retry *model.ScheduledRetry) error {
	query := `
		INSERT INTO notification_retries (notification_id, channel, attempt_number, due_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (notification_id, channel, attempt_number) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query, retry.NotificationID, retry.Channel, retry.AttemptNumber, retry.DueAt)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// ClaimDueRetries leases due rows in one statement. SKIP LOCKED lets several
// schedulers drain the queue without claiming the same row twice; the lease
// keeps the row durable until CompleteRetry.
func (r *deliveryRepository) ClaimDueRetries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.ScheduledRetry, error) {
	query := `
		UPDATE notification_retries
		SET claimed_until = $2
		WHERE (notification_id, channel, attempt_number) IN (
			SELECT notification_id, channel, attempt_number
			FROM notification_retries
			WHERE due_at <= $1
				AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY due_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING notification_id, channel, attempt_number, due_at, claimed_until
	`
	var rows []retryRow
	if err := r.db.SelectContext(ctx, &rows, query, now, now.Add(lease), limit); err != nil {
		return nil, fmt.Errorf("failed to claim retries: %w", err)
	}
	out := make([]*model.ScheduledRetry, 0, len(rows))
	for _, row := range rows {
		out = append(out, &model.ScheduledRetry{
			NotificationID: row.NotificationID,
			Channel:        model.Channel(row.Channel),
			AttemptNumber:  row.AttemptNumber,
			DueAt:          row.DueAt,
			ClaimedUntil:   row.ClaimedUntil,
		})
	}
	return out, nil
}

func (r *deliveryRepository) CompleteRetry(ctx context.Context, retry *model.ScheduledRetry) error {
	query := `
		DELETE FROM notification_retries
		WHERE notification_id = $1 AND channel = $2 AND attempt_number = $3
	`
	if _, err := r.db.ExecContext(ctx, query, retry.NotificationID, retry.Channel, retry.AttemptNumber); err != nil {
		return fmt.Errorf("failed to complete retry: %w", err)
	}
	return nil
}

// NextRetryAt is the earliest moment a row becomes claimable, counting leases.
func (r *deliveryRepository) NextRetryAt(ctx context.Context) (*time.Time, error) {
	query := `SELECT MIN(GREATEST(due_at, COALESCE(claimed_until, due_at))) FROM notification_retries`
	var next *time.Time
	if err := r.db.GetContext(ctx, &next, query); err != nil {
		return nil, fmt.Errorf("failed to read next retry: %w", err)
	}
	return next, nil
}

func (r *deliveryRepository) CancelRetries(ctx context.Context, notificationID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM notification_retries WHERE notification_id = $1`, notificationID); err != nil {
		return fmt.Errorf("failed to cancel retries: %w", err)
	}
	return nil
}
