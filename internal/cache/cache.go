// Package cache is a small read-through cache over a durable.Store with a
// fixed time to live. Expiry is lazy: stale entries read as absent and are
// left on disk until Clear.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/clinicsync/internal/durable"
)

const (
	Namespace  = "cache"
	DefaultTTL = time.Hour
)

var ErrInvalidInput = errors.New("invalid input")

type entry struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt int64           `json:"writtenAt"`
}

type Cache struct {
	store durable.Store
	ttl   time.Duration
	now   func() time.Time
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func New(store durable.Store, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get decodes a fresh entry for key into dst. It reports false when the key
// is absent, expired or unreadable.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode cached %q: %w", key, err)
	}
	return true, nil
}

func (c *Cache) GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, ErrInvalidInput
	}
	blob, ok, err := c.store.GetItem(ctx, Namespace, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	var e entry
	if err := json.Unmarshal([]byte(blob), &e); err != nil {
		return nil, false, nil
	}
	if c.now().Sub(time.UnixMilli(e.WrittenAt)) >= c.ttl {
		return nil, false, nil
	}
	return e.Value, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cached %q: %w", key, err)
	}
	blob, err := json.Marshal(entry{Value: raw, WrittenAt: c.now().UnixMilli()})
	if err != nil {
		return err
	}
	return c.store.SetItem(ctx, Namespace, key, string(blob))
}

// Clear removes every cache key. Other namespaces are untouched.
func (c *Cache) Clear(ctx context.Context) error {
	keys, err := c.store.GetAllKeys(ctx, Namespace)
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.store.MultiRemove(ctx, Namespace, keys)
}
