package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

type contactRow struct {
	UserID     string `db:"user_id"`
	Email      string `db:"email"`
	Phone      string `db:"phone"`
	PushToken  string `db:"push_token"`
	WebhookURL string `db:"webhook_url"`
}

type contactRepository struct {
	BaseRepository
}

func NewContactRepository(base BaseRepository) repository.ContactRepository {
	return &contactRepository{base}
}

func (r *contactRepository) Get(ctx context.Context, userID string) (*model.UserContact, error) {
	query := `SELECT user_id, email, phone, push_token, webhook_url FROM user_contacts WHERE user_id = $1`

	var row contactRow
	if err := r.db.GetContext(ctx, &row, query, userID); err != nil {
		return nil, notFound(err)
	}
	return &model.UserContact{
		UserID:     row.UserID,
		Email:      row.Email,
		Phone:      row.Phone,
		PushToken:  row.PushToken,
		WebhookURL: row.WebhookURL,
	}, nil
}

func (r *contactRepository) Upsert(ctx context.Context, c *model.UserContact) error {
	query := `
		INSERT INTO user_contacts (user_id, email, phone, push_token, webhook_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			push_token = EXCLUDED.push_token,
			webhook_url = EXCLUDED.webhook_url
	`
	if _, err := r.db.ExecContext(ctx, query, c.UserID, c.Email, c.Phone, c.PushToken, c.WebhookURL); err != nil {
		return fmt.Errorf("failed to save contact: %w", err)
	}
	return nil
}
