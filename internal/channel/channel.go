// Package channel holds the delivery primitives the notification router
// calls, one per channel.
package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository"
)

// ErrNoAddress means the recipient has no address for the channel.
var ErrNoAddress = errors.New("recipient has no address for channel")

func lookupContact(ctx context.Context, contacts repository.ContactRepository, userID string) (*model.UserContact, error) {
	c, err := contacts.Get(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNoAddress)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	return c, nil
}

// payload is the body posted to push and SMS gateways and to webhooks.
type payload struct {
	ID            string                 `json:"id"`
	To            string                 `json:"to,omitempty"`
	UserID        string                 `json:"user_id"`
	AppID         string                 `json:"app_id"`
	Type          model.NotificationType `json:"type"`
	Title         string                 `json:"title"`
	Body          string                 `json:"body"`
	Data          model.JSONMap          `json:"data,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CreatedAt     string                 `json:"created_at"`
}

func newPayload(n *model.Notification, to string) payload {
	return payload{
		ID:            n.ID.String(),
		To:            to,
		UserID:        n.UserID,
		AppID:         n.AppID,
		Type:          n.Type,
		Title:         n.Title,
		Body:          n.Body,
		Data:          n.Data,
		CorrelationID: n.CorrelationID,
		CreatedAt:     n.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}
