package model

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryOutcome string

const (
	DeliverySuccess DeliveryOutcome = "success"
	DeliveryFailure DeliveryOutcome = "failure"
)

// DeliveryAttempt is one try at pushing a notification through one channel.
type DeliveryAttempt struct {
	ID             uuid.UUID       `json:"id"`
	NotificationID uuid.UUID       `json:"notification_id"`
	Channel        Channel         `json:"channel"`
	AttemptNumber  int             `json:"attempt_number"`
	Outcome        DeliveryOutcome `json:"outcome"`
	AttemptedAt    time.Time       `json:"attempted_at"`
	ErrorDetail    *string         `json:"error_detail,omitempty"`
}

// ScheduledRetry is a persisted delayed task keyed by notification, channel and attempt.
type ScheduledRetry struct {
	NotificationID uuid.UUID  `json:"notification_id"`
	Channel        Channel    `json:"channel"`
	AttemptNumber  int        `json:"attempt_number"`
	DueAt          time.Time  `json:"due_at"`
	// ClaimedUntil is set while a scheduler holds the retry.
	ClaimedUntil   *time.Time `json:"claimed_until,omitempty"`
}

type ChannelResult struct {
	Channel       Channel         `json:"channel"`
	AttemptNumber int             `json:"attempt_number"`
	Outcome       DeliveryOutcome `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	RetryAt       *time.Time      `json:"retry_at,omitempty"`
	Skipped       bool            `json:"skipped,omitempty"`
}

// DeliveryResult summarises one sendNotification pass.
type DeliveryResult struct {
	NotificationID uuid.UUID          `json:"notification_id"`
	Status         NotificationStatus `json:"status"`
	Channels       []ChannelResult    `json:"channels"`
}
