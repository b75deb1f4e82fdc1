package model

import (
	"time"

	"github.com/google/uuid"
)

// EventSubscription is a standing registration of interest in event types.
// Filters map a field path ("app", "session.kind", "metadata.correlation_id")
// to the expected value; array values mean "any of".
type EventSubscription struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	AppID      string     `json:"app_id"`
	EventTypes []string   `json:"event_types"`
	Filters    JSONMap    `json:"filters,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

func (s *EventSubscription) Active() bool {
	return s.DeletedAt == nil
}

// Accepts reports whether the subscription lists a pattern matching t.
func (s *EventSubscription) Accepts(t EventType) bool {
	for _, pattern := range s.EventTypes {
		if MatchEventType(pattern, t) {
			return true
		}
	}
	return false
}

type SubscribeRequest struct {
	EventTypes []string `json:"event_types" binding:"required,min=1,dive,event_type_pattern"`
	Filters    JSONMap  `json:"filters,omitempty"`
}
