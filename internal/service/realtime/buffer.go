package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Buffer is a bounded per-user message log. Appending beyond the cap evicts
// the oldest entry. List returns entries oldest first.
type Buffer interface {
	Append(ctx context.Context, userID string, msg *Message) error
	List(ctx context.Context, userID string) ([]*Message, error)
	Len(ctx context.Context, userID string) (int, error)
}

type MemoryBuffer struct {
	mu    sync.Mutex
	size  int
	rings map[string]*ring
}

type ring struct {
	items []*Message
	start int
	count int
}

func NewMemoryBuffer(size int) *MemoryBuffer {
	if size <= 0 {
		size = 1000
	}
	return &MemoryBuffer{size: size, rings: make(map[string]*ring)}
}

func (b *MemoryBuffer) Append(_ context.Context, userID string, msg *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[userID]
	if !ok {
		r = &ring{items: make([]*Message, b.size)}
		b.rings[userID] = r
	}
	if r.count < b.size {
		r.items[(r.start+r.count)%b.size] = msg
		r.count++
		return nil
	}
	r.items[r.start] = msg
	r.start = (r.start + 1) % b.size
	return nil
}

func (b *MemoryBuffer) List(_ context.Context, userID string) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[userID]
	if !ok {
		return nil, nil
	}
	out := make([]*Message, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.items[(r.start+i)%b.size])
	}
	return out, nil
}

func (b *MemoryBuffer) Len(_ context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.rings[userID]; ok {
		return r.count, nil
	}
	return 0, nil
}

// RedisBuffer keeps each user's log in a Redis list shared by every instance.
type RedisBuffer struct {
	client *redis.Client
	size   int
	ttl    time.Duration
}

func NewRedisBuffer(client *redis.Client, size int, ttl time.Duration) *RedisBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RedisBuffer{client: client, size: size, ttl: ttl}
}

func bufferKey(userID string) string {
	return "realtime:buffer:" + userID
}

func (b *RedisBuffer) Append(ctx context.Context, userID string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := bufferKey(userID)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-b.size), -1)
	if b.ttl > 0 {
		pipe.Expire(ctx, key, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to buffer message: %w", err)
	}
	return nil
}

func (b *RedisBuffer) List(ctx context.Context, userID string) ([]*Message, error) {
	raw, err := b.client.LRange(ctx, bufferKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer: %w", err)
	}
	out := make([]*Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (b *RedisBuffer) Len(ctx context.Context, userID string) (int, error) {
	n, err := b.client.LLen(ctx, bufferKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read buffer length: %w", err)
	}
	return int(n), nil
}
