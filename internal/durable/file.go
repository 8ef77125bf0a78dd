package durable

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps one JSON document per namespace inside a directory.
// Writes go through a temp file and a rename so a crash leaves either the
// previous or the next version on disk.
type FileStore struct {
	dir    string
	unlock func() error

	mu         sync.Mutex
	namespaces map[string]map[string]string
}

type fileNamespaceState struct {
	Items map[string]string `json:"items"`
}

func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	unlock, err := lockDirectory(dir)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		dir:        dir,
		unlock:     unlock,
		namespaces: map[string]map[string]string{},
	}, nil
}

func (s *FileStore) GetItem(_ context.Context, namespace, key string) (string, bool, error) {
	if err := validateKey(namespace, key); err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadLocked(namespace)
	if err != nil {
		return "", false, err
	}
	value, ok := items[key]
	return value, ok, nil
}

func (s *FileStore) SetItem(_ context.Context, namespace, key, value string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	previous, existed := items[key]
	items[key] = value
	if err := s.saveLocked(namespace, items); err != nil {
		if existed {
			items[key] = previous
		} else {
			delete(items, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) RemoveItem(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.MultiRemove(ctx, namespace, []string{key})
}

func (s *FileStore) GetAllKeys(_ context.Context, namespace string) ([]string, error) {
	if err := validateNamespace(namespace); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadLocked(namespace)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) MultiRemove(_ context.Context, namespace string, keys []string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadLocked(namespace)
	if err != nil {
		return err
	}
	removed := map[string]string{}
	for _, key := range keys {
		if value, ok := items[key]; ok {
			removed[key] = value
			delete(items, key)
		}
	}
	if len(removed) == 0 {
		return nil
	}
	if err := s.saveLocked(namespace, items); err != nil {
		for key, value := range removed {
			items[key] = value
		}
		return err
	}
	return nil
}

func (s *FileStore) Close() error {
	if s == nil || s.unlock == nil {
		return nil
	}
	unlock := s.unlock
	s.unlock = nil
	return unlock()
}

func (s *FileStore) namespacePath(namespace string) string {
	return filepath.Join(s.dir, url.PathEscape(namespace)+".json")
}

func (s *FileStore) loadLocked(namespace string) (map[string]string, error) {
	if items, ok := s.namespaces[namespace]; ok {
		return items, nil
	}
	items := map[string]string{}
	data, err := os.ReadFile(s.namespacePath(namespace))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		var snapshot fileNamespaceState
		if err := json.Unmarshal(data, &snapshot); err != nil {
			return nil, err
		}
		for key, value := range snapshot.Items {
			items[key] = value
		}
	}
	s.namespaces[namespace] = items
	return items, nil
}

func (s *FileStore) saveLocked(namespace string, items map[string]string) error {
	data, err := json.Marshal(fileNamespaceState{Items: items})
	if err != nil {
		return err
	}
	path := s.namespacePath(namespace)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".clinicsync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
