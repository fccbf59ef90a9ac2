// Package msgcache remembers message ids the message backend rejected as
// unknown, so later sends to them are skipped without a backend call.
package msgcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keySeparator = ":"
	badIDPrefix  = "bad_message_id"
)

// Cache is the negative message-id cache
type Cache interface {
	IsInvalid(ctx context.Context, messageID string) (bool, error)
	MarkInvalid(ctx context.Context, messageID string) error
}

// Redis shares the cache between worker processes. Entries expire after ttl.
type Redis struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

func NewRedis(client *redis.Client, namespace string, ttl time.Duration) *Redis {
	return &Redis{client: client, namespace: namespace, ttl: ttl}
}

func (r *Redis) key(messageID string) string {
	parts := []string{badIDPrefix, messageID}
	if r.namespace != "" {
		parts = append([]string{r.namespace}, parts...)
	}
	return strings.Join(parts, keySeparator)
}

func (r *Redis) IsInvalid(ctx context.Context, messageID string) (bool, error) {
	err := r.client.Get(ctx, r.key(messageID)).Err()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redis.Nil):
		return false, nil
	}
	return false, fmt.Errorf("read bad message id: %w", err)
}

func (r *Redis) MarkInvalid(ctx context.Context, messageID string) error {
	if err := r.client.Set(ctx, r.key(messageID), "1", r.ttl).Err(); err != nil {
		return fmt.Errorf("store bad message id: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Memory is a per-process cache used when no Redis is configured
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, expires: make(map[string]time.Time)}
}

func (m *Memory) IsInvalid(_ context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expires[messageID]
	if !ok {
		return false, nil
	}
	if !m.now().Before(exp) {
		delete(m.expires, messageID)
		return false, nil
	}
	return true, nil
}

func (m *Memory) MarkInvalid(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expires[messageID] = m.now().Add(m.ttl)
	return nil
}
