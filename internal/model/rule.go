package model

import (
	"time"

	"github.com/google/uuid"
)

// MappingRule turns a matching event into one notification template.
// UserID is empty for the built-in defaults. Recipient is a data path naming
// the user to notify; empty means the event's own user.
type MappingRule struct {
	ID               uuid.UUID        `json:"id" yaml:"-"`
	UserID           string           `json:"user_id,omitempty" yaml:"-"`
	Name             string           `json:"name" yaml:"name"`
	EventType        string           `json:"event_type" yaml:"event_type"`
	When             JSONMap          `json:"when,omitempty" yaml:"when"`
	NotificationType NotificationType `json:"notification_type" yaml:"notification_type"`
	Title            string           `json:"title" yaml:"title"`
	Body             string           `json:"body" yaml:"body"`
	Channels         []Channel        `json:"channels" yaml:"channels"`
	Recipient        string           `json:"recipient,omitempty" yaml:"recipient"`
	Disabled         bool             `json:"disabled,omitempty" yaml:"disabled"`
	CreatedAt        time.Time        `json:"created_at" yaml:"-"`
}
