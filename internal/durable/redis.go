package durable

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix    = "clinicsync:"
	redisOperationTimeout = 5 * time.Second
)

// RedisStore keeps each namespace in a single hash, so every call is one
// atomic redis command.
type RedisStore struct {
	client *redis.Client
	prefix string
}

type RedisStoreConfig struct {
	URL       string
	KeyPrefix string
}

// NewRedisStoreFromURL accepts a redis URL with an optional prefix query
// parameter, e.g. redis://localhost:6379/0?prefix=clinic:.
func NewRedisStoreFromURL(raw string) (*RedisStore, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	prefix := query.Get("prefix")
	query.Del("prefix")
	parsed.RawQuery = query.Encode()
	return NewRedisStore(context.Background(), RedisStoreConfig{URL: parsed.String(), KeyPrefix: prefix})
}

func NewRedisStore(ctx context.Context, config RedisStoreConfig) (*RedisStore, error) {
	if strings.TrimSpace(config.URL) == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisOperationTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) GetItem(ctx context.Context, namespace, key string) (string, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return "", false, err
	}
	value, err := s.client.HGet(ctx, s.hashKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStore) SetItem(ctx context.Context, namespace, key, value string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.hashKey(namespace), key, value).Err()
}

func (s *RedisStore) RemoveItem(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.hashKey(namespace), key).Err()
}

func (s *RedisStore) GetAllKeys(ctx context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	keys, err := s.client.HKeys(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) MultiRemove(ctx context.Context, namespace string, keys []string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.hashKey(namespace), keys...).Err()
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) hashKey(namespace string) string {
	return s.prefix + namespace
}
