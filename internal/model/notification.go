package model

import (
	"time"

	"github.com/google/uuid"
)

type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
	ChannelSMS     Channel = "sms"
)

var channels = []Channel{ChannelInApp, ChannelEmail, ChannelPush, ChannelWebhook, ChannelSMS}

func Channels() []Channel {
	return append([]Channel(nil), channels...)
}

func (c Channel) Valid() bool {
	for _, known := range channels {
		if c == known {
			return true
		}
	}
	return false
}

type NotificationType string

const (
	NotificationSessionReminder NotificationType = "session_reminder"
	NotificationSessionUpdate   NotificationType = "session_update"
	NotificationMatch           NotificationType = "match"
	NotificationMessage         NotificationType = "message"
	NotificationAchievement     NotificationType = "achievement"
	NotificationReward          NotificationType = "reward"
	NotificationMeeting         NotificationType = "meeting"
	NotificationInsight         NotificationType = "insight"
	NotificationAccount         NotificationType = "account"
	NotificationSystem          NotificationType = "system"
)

var notificationTypes = map[NotificationType]struct{}{
	NotificationSessionReminder: {}, NotificationSessionUpdate: {}, NotificationMatch: {},
	NotificationMessage: {}, NotificationAchievement: {}, NotificationReward: {},
	NotificationMeeting: {}, NotificationInsight: {}, NotificationAccount: {}, NotificationSystem: {},
}

func (t NotificationType) Valid() bool {
	_, ok := notificationTypes[t]
	return ok
}

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusDelivered NotificationStatus = "delivered"
	NotificationStatusRead      NotificationStatus = "read"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusExpired   NotificationStatus = "expired"
)

var transitions = map[NotificationStatus][]NotificationStatus{
	NotificationStatusPending:   {NotificationStatusSent, NotificationStatusFailed, NotificationStatusExpired},
	NotificationStatusSent:      {NotificationStatusDelivered, NotificationStatusRead},
	NotificationStatusDelivered: {NotificationStatusRead},
}

func (s NotificationStatus) Valid() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusSent, NotificationStatusDelivered,
		NotificationStatusRead, NotificationStatusFailed, NotificationStatusExpired:
		return true
	}
	return false
}

// Terminal statuses never change again and cancel pending retries.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationStatusRead || s == NotificationStatusFailed || s == NotificationStatusExpired
}

// CanTransition encodes the notification state machine.
func (s NotificationStatus) CanTransition(to NotificationStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Notification is a user-facing unit derived from exactly one event.
type Notification struct {
	ID            uuid.UUID          `json:"id"`
	UserID        string             `json:"user_id"`
	AppID         string             `json:"app_id"`
	Type          NotificationType   `json:"type"`
	Title         string             `json:"title"`
	Body          string             `json:"body"`
	Data          JSONMap            `json:"data,omitempty"`
	Channels      []Channel          `json:"channels"`
	Status        NotificationStatus `json:"status"`
	SourceEventID uuid.UUID          `json:"source_event_id"`
	CorrelationID string             `json:"correlation_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time         `json:"delivered_at,omitempty"`
	ReadAt        *time.Time         `json:"read_at,omitempty"`
}

// NotificationFilter selects a user's notifications. Nil AppIDs means every
// app and is reserved for operator tooling; API reads always pass the
// caller's visible apps.
type NotificationFilter struct {
	UserID string
	AppIDs []string
	Status NotificationStatus
	Limit  int
	Offset int
}

const (
	DefaultNotificationPageSize = 20
	MaxNotificationPageSize     = 100
)

// Normalized clamps the page window to what List actually serves.
func (f NotificationFilter) Normalized() NotificationFilter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultNotificationPageSize
	case f.Limit > MaxNotificationPageSize:
		f.Limit = MaxNotificationPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type StatusUpdateRequest struct {
	Status NotificationStatus `json:"status" binding:"required,oneof=delivered read"`
}
