package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, path string, dest any) (bool, error) {
	s.mu.Lock()
	data, ok := s.docs[path]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode document at %s: %w", path, err)
	}
	return true, nil
}

func (s *MemoryStore) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.docs[path] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := map[string]any{}
	if data, ok := s.docs[path]; ok {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode document at %s: %w", path, err)
		}
	}

	for k, v := range fields {
		doc[k] = v
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.docs[path] = merged
	return nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, path string, value any) (bool, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.docs[path]; ok {
		return false, existing, nil
	}
	s.docs[path] = data
	return true, nil, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make(map[string][]byte)
	for path, data := range s.docs {
		if strings.HasPrefix(path, prefix) {
			result[path] = data
		}
	}
	return result, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
