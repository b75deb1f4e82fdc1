package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/repository/memory"
	apperrors "github.com/jwalitptl/eventhub/pkg/errors"
	"github.com/jwalitptl/eventhub/pkg/logger"
	"github.com/jwalitptl/eventhub/pkg/messaging"
	"github.com/jwalitptl/eventhub/pkg/metrics"
)

type fakeConn struct {
	mu     sync.Mutex
	got    []*Message
	fail   bool
	closed bool
}

func (c *fakeConn) Send(_ context.Context, msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.got = append(c.got, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Received() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.got...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestService(t *testing.T, conns *memory.ConnectionRepository, broker messaging.Broker, instance string) *Service {
	t.Helper()
	return NewService(conns, NewMemoryBuffer(1000), broker, Options{
		InstanceID:        instance,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
	}, logger.Nop(), metrics.NewNoop())
}

func notification(appID string) *model.Notification {
	return &model.Notification{
		ID:     uuid.New(),
		UserID: "u1",
		AppID:  appID,
		Type:   model.NotificationMatch,
		Title:  "New match",
		Body:   "You matched with Alex.",
		Status: model.NotificationStatusPending,
	}
}

func TestBroadcastReachesEveryDevice(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	phone, laptop := &fakeConn{}, &fakeConn{}
	_, err := svc.Connect(ctx, "u1", nil, phone)
	require.NoError(t, err)
	_, err = svc.Connect(ctx, "u1", []string{"hugo_love"}, laptop)
	require.NoError(t, err)

	delivered, err := svc.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Len(t, phone.Received(), 1)
	assert.Len(t, laptop.Received(), 1)
}

func TestBroadcastRespectsAppScope(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	conn := &fakeConn{}
	_, err := svc.Connect(ctx, "u1", []string{"hugo_career"}, conn)
	require.NoError(t, err)

	delivered, err := svc.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, conn.Received())
}

func TestOfflineUserPollsWhatPushWouldCarry(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	online := &fakeConn{}
	_, err := svc.Connect(ctx, "u1", nil, online)
	require.NoError(t, err)
	n := notification("hugo_love")
	_, err = svc.Broadcast(ctx, "u1", n)
	require.NoError(t, err)

	polled, err := svc.Poll(ctx, "u1", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	pushed := online.Received()
	require.Len(t, pushed, 1)
	assert.Equal(t, pushed[0], polled[0])
	assert.Equal(t, n.ID.String(), polled[0].ID)
}

func TestBufferEvictsOldest(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	var ids []string
	for i := 0; i < 1001; i++ {
		n := notification("hugo_love")
		n.Title = fmt.Sprintf("n%d", i)
		ids = append(ids, n.ID.String())
		delivered, err := svc.Broadcast(ctx, "u1", n)
		require.NoError(t, err)
		assert.False(t, delivered)
	}

	msgs, err := svc.Poll(ctx, "u1", nil, nil, maxPollLimit)
	require.NoError(t, err)
	require.Len(t, msgs, 1000)
	assert.Equal(t, ids[1], msgs[0].ID)
	assert.Equal(t, ids[1000], msgs[999].ID)

	status, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1000, status.Buffered)
	assert.False(t, status.Connected)
}

func TestPollSinceAndAppFilter(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	_, err := svc.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)
	clock = clock.Add(time.Minute)
	second := notification("hugo_love")
	_, err = svc.Broadcast(ctx, "u1", second)
	require.NoError(t, err)
	_, err = svc.Broadcast(ctx, "u1", notification("hugo_career"))
	require.NoError(t, err)

	since := clock.Add(-30 * time.Second)
	msgs, err := svc.Poll(ctx, "u1", []string{"hugo_love"}, &since, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, second.ID.String(), msgs[0].ID)
}

func TestDeadConnectionFallsBackToBuffer(t *testing.T) {
	ctx := context.Background()
	conns := memory.NewConnectionRepository()
	svc := newTestService(t, conns, nil, "a")

	dead := &fakeConn{fail: true}
	_, err := svc.Connect(ctx, "u1", nil, dead)
	require.NoError(t, err)

	delivered, err := svc.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.True(t, dead.Closed())

	left, err := conns.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)

	msgs, err := svc.Poll(ctx, "u1", nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	id, err := svc.Connect(ctx, "u1", nil, &fakeConn{})
	require.NoError(t, err)
	_, err = svc.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)

	require.NoError(t, svc.Disconnect(ctx, id))
	require.NoError(t, svc.Disconnect(ctx, id))
	require.NoError(t, svc.Disconnect(ctx, uuid.New()))

	msgs, err := svc.Poll(ctx, "u1", nil, nil, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHeartbeatOwnership(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	id, err := svc.Connect(ctx, "u1", nil, nil)
	require.NoError(t, err)

	assert.NoError(t, svc.Heartbeat(ctx, "u1", id))
	err = svc.Heartbeat(ctx, "u2", id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestSweepRemovesStaleConnectionsKeepsBuffer(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	conn := &fakeConn{}
	_, err := svc.Connect(ctx, "u1", nil, conn)
	require.NoError(t, err)
	fresh, err := svc.Connect(ctx, "u2", nil, nil)
	require.NoError(t, err)
	_, err = svc.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)

	clock = clock.Add(45 * time.Second)
	require.NoError(t, svc.Heartbeat(ctx, "u2", fresh))
	clock = clock.Add(30 * time.Second)

	removed, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, conn.Closed())

	status, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, status.Connected)
	assert.Equal(t, 1, status.Buffered)

	status, err = svc.Status(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, status.Connected)
}

func TestBroadcastFansOutAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conns := memory.NewConnectionRepository()
	broker := messaging.NewMemoryBroker()

	a := newTestService(t, conns, broker, "a")
	b := newTestService(t, conns, broker, "b")
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	remote := &fakeConn{}
	_, err := b.Connect(ctx, "u1", nil, remote)
	require.NoError(t, err)

	delivered, err := a.Broadcast(ctx, "u1", notification("hugo_love"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Eventually(t, func() bool { return len(remote.Received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAckHandlerReceivesAcknowledgements(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")

	var got uuid.UUID
	svc.OnAck(func(_ context.Context, userID string, appIDs []string, id uuid.UUID) error {
		assert.Equal(t, "u1", userID)
		assert.Equal(t, []string{"hugo_love"}, appIDs)
		got = id
		return nil
	})
	want := uuid.New()
	svc.ack(ctx, "u1", []string{"hugo_love"}, want)
	assert.Equal(t, want, got)
}

func TestMemoryBufferIsPerUser(t *testing.T) {
	ctx := context.Background()
	buf := NewMemoryBuffer(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Append(ctx, "u1", &Message{ID: fmt.Sprint(i)}))
	}
	require.NoError(t, buf.Append(ctx, "u2", &Message{ID: "x"}))

	msgs, err := buf.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)

	n, err := buf.Len(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReleaseIgnoresForeignConnections(t *testing.T) {
	ctx := context.Background()
	conns := memory.NewConnectionRepository()
	svc := newTestService(t, conns, nil, "a")

	id, err := svc.Connect(ctx, "u1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "u2", id))
	left, err := conns.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, left, 1)

	require.NoError(t, svc.Release(ctx, "u1", id))
	left, err = conns.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestCloseAllClosesLocalConnections(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, memory.NewConnectionRepository(), nil, "a")
	a, b := &fakeConn{}, &fakeConn{}
	_, err := svc.Connect(ctx, "u1", nil, a)
	require.NoError(t, err)
	_, err = svc.Connect(ctx, "u2", nil, b)
	require.NoError(t, err)

	svc.CloseAll()
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}
