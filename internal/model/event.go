package model

import (
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

type EventType string

const (
	EventUserRegistered EventType = "user.registered"
	EventUserUpdated    EventType = "user.updated"
	EventUserDeleted    EventType = "user.deleted"
	EventUserLogin      EventType = "user.login"

	EventSessionStarted   EventType = "session.started"
	EventSessionCompleted EventType = "session.completed"
	EventSessionCancelled EventType = "session.cancelled"
	EventSessionReminder  EventType = "session.reminder"

	EventAppInstalled   EventType = "app.installed"
	EventAppUninstalled EventType = "app.uninstalled"
	EventAppUpdated     EventType = "app.updated"

	EventMatchCreated     EventType = "match.created"
	EventMessageReceived  EventType = "message.received"
	EventGoalCompleted    EventType = "goal.completed"
	EventRewardEarned     EventType = "reward.earned"
	EventPointsRedeemed   EventType = "points.redeemed"
	EventMeetingScheduled EventType = "meeting.scheduled"
	EventMeetingCancelled EventType = "meeting.cancelled"
	EventMeetingReminder  EventType = "meeting.reminder"

	EventNotificationSent   EventType = "notification.sent"
	EventNotificationRead   EventType = "notification.read"
	EventNotificationFailed EventType = "notification.failed"

	EventCrossAppInsightShared       EventType = "cross_app.insight_shared"
	EventCrossAppAchievementUnlocked EventType = "cross_app.achievement_unlocked"

	EventSystemMaintenance EventType = "system.maintenance"
)

var eventTypes = map[EventType]struct{}{
	EventUserRegistered: {}, EventUserUpdated: {}, EventUserDeleted: {}, EventUserLogin: {},
	EventSessionStarted: {}, EventSessionCompleted: {}, EventSessionCancelled: {}, EventSessionReminder: {},
	EventAppInstalled: {}, EventAppUninstalled: {}, EventAppUpdated: {},
	EventMatchCreated: {}, EventMessageReceived: {}, EventGoalCompleted: {}, EventRewardEarned: {},
	EventPointsRedeemed: {}, EventMeetingScheduled: {}, EventMeetingCancelled: {}, EventMeetingReminder: {},
	EventNotificationSent: {}, EventNotificationRead: {}, EventNotificationFailed: {},
	EventCrossAppInsightShared: {}, EventCrossAppAchievementUnlocked: {},
	EventSystemMaintenance: {},
}

// EventTypes returns the closed set of recognised event types.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypes))
	for t := range eventTypes {
		out = append(out, t)
	}
	return out
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

func (t EventType) Category() string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// MatchEventType reports whether t satisfies pattern. Patterns are exact types
// or globs such as "session.*" and "*".
func MatchEventType(pattern string, t EventType) bool {
	if pattern == string(t) {
		return true
	}
	ok, err := doublestar.Match(pattern, string(t))
	return err == nil && ok
}

// ValidEventTypePattern accepts exact types and globs that match at least one known type.
func ValidEventTypePattern(pattern string) bool {
	if !doublestar.ValidatePattern(pattern) {
		return false
	}
	for t := range eventTypes {
		if MatchEventType(pattern, t) {
			return true
		}
	}
	return false
}

type EventSource struct {
	AppID   string `json:"app_id"`
	AppName string `json:"app_name,omitempty"`
	Version string `json:"version,omitempty"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
}

// Event is an immutable fact recorded by the event store.
type Event struct {
	ID         uuid.UUID     `json:"id"`
	Type       EventType     `json:"type"`
	Source     EventSource   `json:"source"`
	Timestamp  time.Time     `json:"timestamp"`
	UserID     string        `json:"user_id,omitempty"`
	Data       JSONMap       `json:"data"`
	Metadata   EventMetadata `json:"metadata"`
	SharedWith []string      `json:"shared_with,omitempty"`
}

// SystemScoped events carry no user and fan out to every visible subscriber.
func (e *Event) SystemScoped() bool {
	return e.UserID == ""
}

// VisibleTo reports whether apps other than the source may see the event.
func (e *Event) VisibleTo(appID string) bool {
	if e.Source.AppID == appID {
		return true
	}
	for _, shared := range e.SharedWith {
		if shared == appID {
			return true
		}
	}
	return false
}

// PublishRequest is the caller-supplied part of an event.
type PublishRequest struct {
	Type          EventType `json:"type" binding:"required,event_type"`
	Data          JSONMap   `json:"data" binding:"required"`
	System        bool      `json:"system,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	ShareWith     []string  `json:"share_with,omitempty" binding:"omitempty,dive,required"`
}

type EventQuery struct {
	UserID string
	AppID  string
	Type   EventType
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

type EventPage struct {
	Events  []*Event `json:"events"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}
