package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type connectionRow struct {
	ConnectionID    uuid.UUID      `db:"connection_id"`
	UserID          string         `db:"user_id"`
	AppIDs          pq.StringArray `db:"app_ids"`
	InstanceID      string         `db:"instance_id"`
	Transport       string         `db:"transport"`
	ConnectedAt     time.Time      `db:"connected_at"`
	LastHeartbeatAt time.Time      `db:"last_heartbeat_at"`
}

type connectionRepository struct {
	BaseRepository
}

// NewConnectionRepository is the cluster-wide presence table for realtime connections.
func NewConnectionRepository(base BaseRepository) repository.ConnectionRepository {
	return &connectionRepository{base}
}

func (r *connectionRepository) Upsert(ctx context.Context, c *model.UserConnection) error {
	query := `
		INSERT INTO connections (
			connection_id, user_id, app_ids, instance_id, transport, connected_at, last_heartbeat_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (connection_id) DO UPDATE SET
			app_ids = EXCLUDED.app_ids,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at
	`
	appIDs := c.AppIDs
	if appIDs == nil {
		appIDs = []string{}
	}
	_, err := r.db.ExecContext(ctx, query,
		c.ConnectionID,
		c.UserID,
		pq.Array(appIDs),
		c.InstanceID,
		c.Transport,
		c.ConnectedAt,
		c.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `UPDATE connections SET last_heartbeat_at = $2 WHERE connection_id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to touch connection: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *connectionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

func (r *connectionRepository) ListByUser(ctx context.Context, userID string) ([]*model.UserConnection, error) {
	query := `
		SELECT connection_id, user_id, app_ids, instance_id, transport, connected_at, last_heartbeat_at
		FROM connections
		WHERE user_id = $1
		ORDER BY connected_at
	`
	var rows []connectionRow
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	out := make([]*model.UserConnection, 0, len(rows))
	for _, row := range rows {
		out = append(out, &model.UserConnection{
			ConnectionID:    row.ConnectionID,
			UserID:          row.UserID,
			AppIDs:          []string(row.AppIDs),
			InstanceID:      row.InstanceID,
			Transport:       model.Transport(row.Transport),
			ConnectedAt:     row.ConnectedAt,
			LastHeartbeatAt: row.LastHeartbeatAt,
		})
	}
	return out, nil
}

func (r *connectionRepository) DeleteStale(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return tx.SelectContext(ctx, &ids,
			`DELETE FROM connections WHERE last_heartbeat_at < $1 RETURNING connection_id`, cutoff)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sweep connections: %w", err)
	}
	return ids, nil
}
