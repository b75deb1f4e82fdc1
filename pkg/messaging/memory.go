package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryBroker is an in-process Broker for single-instance deployments and tests.
// Slow subscribers lose messages instead of blocking publishers.
type MemoryBroker struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	closed      bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subscribers: make(map[string][]chan []byte)}
}

func (b *MemoryBroker) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("broker closed")
	}
	for _, sub := range b.subscribers[channel] {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub <- payload:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 100)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker closed")
	}
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(channel, ch)
	}()
	return ch, nil
}

func (b *MemoryBroker) remove(channel string, target chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	items := b.subscribers[channel]
	filtered := items[:0]
	for _, item := range items {
		if item == target {
			close(item)
			continue
		}
		filtered = append(filtered, item)
	}
	b.subscribers[channel] = filtered
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subscribers = make(map[string][]chan []byte)
	return nil
}
