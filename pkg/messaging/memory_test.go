package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversToSubscribers(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "realtime")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "realtime", Message{Type: "ping", Origin: "a"}))
	require.NoError(t, b.Publish(ctx, "other", Message{Type: "ignored"}))

	select {
	case raw := <-ch:
		assert.JSONEq(t, `{"type":"ping","origin":"a","payload":null}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	select {
	case raw := <-ch:
		t.Fatalf("unexpected message %s", raw)
	default:
	}
}

func TestMemoryBrokerUnsubscribesOnCancel(t *testing.T) {
	b := NewMemoryBroker()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx, "realtime")
	require.NoError(t, err)
	cancel()

	assert.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 10*time.Millisecond)
}
