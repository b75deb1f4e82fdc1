package event

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository/memory"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

type fixture struct {
	svc    *Service
	events *memory.EventRepository
	subs   *memory.SubscriptionRepository
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		events: memory.NewEventRepository(),
		subs:   memory.NewSubscriptionRepository(),
	}
	f.svc = NewService(f.events, f.subs, opts, logger.Nop(), metrics.NewNoop())
	f.svc.Start(context.Background())
	t.Cleanup(f.svc.Close)
	return f
}

var loveApp = model.EventSource{AppID: "hugo_love", AppName: "Hugo Love"}

func TestSubscriptionFilterMatching(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	sub, err := f.svc.Subscribe(ctx, "u1", "hugo_love", model.SubscribeRequest{
		EventTypes: []string{"session.started"},
		Filters:    model.JSONMap{"app": "hugo_love"},
	})
	require.NoError(t, err)

	var calls int32
	f.svc.RegisterHandler(sub.ID, func(ctx context.Context, evt *model.Event, s *model.EventSubscription) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	_, err = f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{
		Type: model.EventSessionStarted,
		Data: model.JSONMap{"app": "hugo_career"},
	})
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{
		Type: model.EventSessionStarted,
		Data: model.JSONMap{"app": "hugo_love"},
	})
	require.NoError(t, err)

	f.svc.Close()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: "bogus.type", Data: model.JSONMap{}})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.svc.Publish(ctx, model.EventSource{}, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestPublishPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	var calls int32
	f.svc.AddSystemHandler("counter", func(ctx context.Context, evt *model.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	f.events.Err = errors.New("connection refused")

	evt, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.Error(t, err)
	assert.Nil(t, evt)
	assert.True(t, apperrors.Is(err, apperrors.ErrPersistence))

	f.svc.Close()
	assert.Zero(t, atomic.LoadInt32(&calls), "unpersisted events are never dispatched")
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	e1, err := f.svc.Publish(ctx, model.EventSource{AppID: "A"}, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.NoError(t, err)
	_, err = f.svc.Publish(ctx, model.EventSource{AppID: "B"}, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.NoError(t, err)

	page, err := f.svc.GetEventHistory(ctx, model.EventQuery{UserID: "u1", AppID: "A"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, e1.ID, page.Events[0].ID)
	assert.Equal(t, 1, page.Total)
	assert.False(t, page.HasMore)
}

func TestCrossAppShareRequiresAllowList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{CrossAppAllow: map[string][]string{"hugo_love": {"hugo_career"}}})

	_, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{
		Type:      model.EventCrossAppInsightShared,
		Data:      model.JSONMap{},
		ShareWith: []string{"hugo_loyalty"},
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))

	shared, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{
		Type:      model.EventCrossAppInsightShared,
		Data:      model.JSONMap{},
		ShareWith: []string{"hugo_career"},
	})
	require.NoError(t, err)

	page, err := f.svc.GetEventHistory(ctx, model.EventQuery{UserID: "u1", AppID: "hugo_career"})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, shared.ID, page.Events[0].ID)
}

func TestHistoryLimitIsClamped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxHistoryLimit: 100})

	for i := 0; i < 120; i++ {
		_, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventPointsRedeemed, Data: model.JSONMap{"i": i}})
		require.NoError(t, err)
	}

	page, err := f.svc.GetEventHistory(ctx, model.EventQuery{UserID: "u1", AppID: "hugo_love", Limit: 10000})
	require.NoError(t, err)
	assert.Len(t, page.Events, 100)
	assert.Equal(t, 120, page.Total)
	assert.True(t, page.HasMore)

	page, err = f.svc.GetEventHistory(ctx, model.EventQuery{UserID: "u1", AppID: "hugo_love", Limit: 50, Offset: 100})
	require.NoError(t, err)
	assert.Len(t, page.Events, 20)
	assert.False(t, page.HasMore)
}

func TestUnsubscribeIdempotentAndOwned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	sub, err := f.svc.Subscribe(ctx, "u1", "hugo_love", model.SubscribeRequest{EventTypes: []string{"match.created"}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		err := f.svc.Unsubscribe(ctx, sub.ID, "intruder", "hugo_love")
		assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))
	}

	require.NoError(t, f.svc.Unsubscribe(ctx, sub.ID, "u1", "hugo_love"))
	require.NoError(t, f.svc.Unsubscribe(ctx, sub.ID, "u1", "hugo_love"))

	err = f.svc.Unsubscribe(ctx, sub.ID, "intruder", "hugo_love")
	assert.True(t, apperrors.Is(err, apperrors.ErrForbidden))

	err = f.svc.Unsubscribe(ctx, uuid.New(), "u1", "hugo_love")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	subs, err := f.svc.ListSubscriptions(ctx, "u1", "hugo_love")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribedHandlerStopsReceiving(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	sub, err := f.svc.Subscribe(ctx, "u1", "hugo_love", model.SubscribeRequest{EventTypes: []string{"*"}})
	require.NoError(t, err)
	var calls int32
	f.svc.SetFallbackHandler(func(ctx context.Context, evt *model.Event, s *model.EventSubscription) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, f.svc.Unsubscribe(ctx, sub.ID, "u1", "hugo_love"))

	_, err = f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.NoError(t, err)
	f.svc.Close()
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	_, err := f.svc.Subscribe(ctx, "u1", "hugo_love", model.SubscribeRequest{})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = f.svc.Subscribe(ctx, "u1", "hugo_love", model.SubscribeRequest{EventTypes: []string{"nope.*"}})
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

func TestSlowHandlerDoesNotStallOthers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Workers: 1, HandlerTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	defer close(release)
	f.svc.AddSystemHandler("slow", func(ctx context.Context, evt *model.Event) error {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		return nil
	})
	var fast int32
	f.svc.AddSystemHandler("fast", func(ctx context.Context, evt *model.Event) error {
		atomic.AddInt32(&fast, 1)
		return nil
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
		require.NoError(t, err)
	}
	f.svc.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(&fast))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestHandlerErrorsDoNotFailPublish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	f.svc.AddSystemHandler("broken", func(ctx context.Context, evt *model.Event) error {
		panic("boom")
	})

	evt, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, evt.ID)
	assert.Equal(t, evt.ID.String(), evt.Metadata.CorrelationID)
}

func TestCleanupPurgesExpiredEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{Retention: time.Hour})

	old := &model.Event{ID: uuid.New(), Type: model.EventUserLogin, Source: loveApp, UserID: "u1", Timestamp: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, f.events.Create(ctx, old))
	fresh, err := f.svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.NoError(t, err)

	n, err := f.svc.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = f.events.Get(ctx, old.ID)
	assert.Error(t, err)
	_, err = f.events.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestCloseDrainsOverflowWithoutStart(t *testing.T) {
	ctx := context.Background()
	svc := NewService(memory.NewEventRepository(), memory.NewSubscriptionRepository(),
		Options{QueueSize: 1}, logger.Nop(), metrics.NewNoop())
	var calls int32
	svc.AddSystemHandler("counter", func(ctx context.Context, evt *model.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	// One event fills the queue, the rest wait in overflow.
	for i := 0; i < 4; i++ {
		_, err := svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
		require.NoError(t, err)
	}

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))

	_, err := svc.Publish(ctx, loveApp, "u1", model.PublishRequest{Type: model.EventUserLogin, Data: model.JSONMap{}})
	require.NoError(t, err)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "events published after Close are persisted only")
}
