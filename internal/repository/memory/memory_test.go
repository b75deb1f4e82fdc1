package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/eventhub/internal/model"
)

func TestClaimDueRetriesClaimsOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewDeliveryRepository()
	now := time.Now()
	id := uuid.New()

	require.NoError(t, repo.ScheduleRetry(ctx, &model.ScheduledRetry{NotificationID: id, Channel: model.ChannelPush, AttemptNumber: 2, DueAt: now.Add(-time.Second)}))
	require.NoError(t, repo.ScheduleRetry(ctx, &model.ScheduledRetry{NotificationID: id, Channel: model.ChannelEmail, AttemptNumber: 2, DueAt: now.Add(time.Hour)}))

	due, err := repo.ClaimDueRetries(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, model.ChannelPush, due[0].Channel)
	require.NotNil(t, due[0].ClaimedUntil)

	again, err := repo.ClaimDueRetries(ctx, now.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "a leased retry is hidden from other schedulers")
	assert.Len(t, repo.Pending(), 2, "claiming does not remove the row")

	next, err := repo.NextRetryAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.WithinDuration(t, now.Add(time.Minute), *next, time.Millisecond)

	// The holder never completed; the retry comes back once the lease lapses.
	reclaimed, err := repo.ClaimDueRetries(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].AttemptNumber)

	require.NoError(t, repo.CompleteRetry(ctx, reclaimed[0]))
	pending := repo.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, model.ChannelEmail, pending[0].Channel)
}

func TestUpdateStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewNotificationRepository()
	n := &model.Notification{ID: uuid.New(), UserID: "u1", Status: model.NotificationStatusPending, CreatedAt: time.Now()}
	require.NoError(t, repo.Create(ctx, n))

	ok, err := repo.UpdateStatus(ctx, n.ID, model.NotificationStatusPending, model.NotificationStatusSent, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateStatus(ctx, n.ID, model.NotificationStatusPending, model.NotificationStatusFailed, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSent, got.Status)
	assert.NotNil(t, got.SentAt)
}

func TestEventListScope(t *testing.T) {
	ctx := context.Background()
	repo := NewEventRepository()
	base := time.Now()
	add := func(app, user string, shared []string, offset time.Duration) {
		require.NoError(t, repo.Create(ctx, &model.Event{
			ID:         uuid.New(),
			Type:       model.EventUserLogin,
			Source:     model.EventSource{AppID: app},
			UserID:     user,
			SharedWith: shared,
			Timestamp:  base.Add(offset),
		}))
	}
	add("a1", "u1", nil, 1)
	add("a2", "u1", []string{"a1"}, 2)
	add("a2", "u1", nil, 3)
	add("a1", "u2", nil, 4)
	add("a1", "", nil, 5)

	events, total, err := repo.List(ctx, model.EventQuery{UserID: "u1", AppID: "a1", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, events, 3)
	assert.True(t, events[0].Timestamp.After(events[1].Timestamp))
}
