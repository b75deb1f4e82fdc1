package worker

import (
	"context"
	"fmt"
)

// Job is one unit of periodic maintenance.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// EventPurger deletes events past their retention window.
type EventPurger interface {
	Cleanup(ctx context.Context) (int64, error)
}

// NotificationExpirer moves stale pending notifications to expired.
type NotificationExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

// ConnectionSweeper drops realtime connections that stopped heartbeating.
type ConnectionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type EventPurgeJob struct {
	events EventPurger
}

func NewEventPurgeJob(events EventPurger) *EventPurgeJob {
	return &EventPurgeJob{events: events}
}

func (j *EventPurgeJob) Name() string { return "event_purge" }

func (j *EventPurgeJob) Run(ctx context.Context) error {
	if _, err := j.events.Cleanup(ctx); err != nil {
		return fmt.Errorf("failed to purge events: %w", err)
	}
	return nil
}

type NotificationExpiryJob struct {
	notifications NotificationExpirer
}

func NewNotificationExpiryJob(notifications NotificationExpirer) *NotificationExpiryJob {
	return &NotificationExpiryJob{notifications: notifications}
}

func (j *NotificationExpiryJob) Name() string { return "notification_expiry" }

func (j *NotificationExpiryJob) Run(ctx context.Context) error {
	if _, err := j.notifications.ExpireStale(ctx); err != nil {
		return fmt.Errorf("failed to expire notifications: %w", err)
	}
	return nil
}

type ConnectionSweepJob struct {
	realtime ConnectionSweeper
}

func NewConnectionSweepJob(realtime ConnectionSweeper) *ConnectionSweepJob {
	return &ConnectionSweepJob{realtime: realtime}
}

func (j *ConnectionSweepJob) Name() string { return "connection_sweep" }

func (j *ConnectionSweepJob) Run(ctx context.Context) error {
	if _, err := j.realtime.Sweep(ctx); err != nil {
		return fmt.Errorf("failed to sweep connections: %w", err)
	}
	return nil
}
