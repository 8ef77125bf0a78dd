// Package durable provides namespaced string blob stores used to persist
// the offline queue and the ephemeral cache.
package durable

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrLocked         = errors.New("store is locked by another process")
)

// Store is a string-keyed blob store scoped by namespace. Each call either
// fully lands or does not; no call spans more than one key atomically
// except MultiRemove, which is best effort per key.
type Store interface {
	GetItem(ctx context.Context, namespace, key string) (string, bool, error)
	SetItem(ctx context.Context, namespace, key, value string) error
	RemoveItem(ctx context.Context, namespace, key string) error
	GetAllKeys(ctx context.Context, namespace string) ([]string, error)
	MultiRemove(ctx context.Context, namespace string, keys []string) error
	Close() error
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]map[string]string{}}
}

func (s *MemoryStore) GetItem(_ context.Context, namespace, key string) (string, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.items[namespace][key]
	return value, ok, nil
}

func (s *MemoryStore) SetItem(_ context.Context, namespace, key, value string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.items[namespace]
	if !ok {
		bucket = map[string]string{}
		s.items[namespace] = bucket
	}
	bucket[key] = value
	return nil
}

func (s *MemoryStore) RemoveItem(_ context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items[namespace], key)
	return nil
}

func (s *MemoryStore) GetAllKeys(_ context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items[namespace]))
	for key := range s.items[namespace] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) MultiRemove(_ context.Context, namespace string, keys []string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.items[namespace], key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func validateNamespace(namespace string) error {
	if strings.TrimSpace(namespace) == "" {
		return ErrInvalidInput
	}
	return nil
}

func validateKey(namespace, key string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return nil
}
