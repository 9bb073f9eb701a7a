package storage

import (
	"context"
	"errors"
	"maps"
	"sync"
)

// Memory is an in-process store for tests and dry runs.
type Memory struct {
	m  map[string]string
	mu sync.Mutex
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]string)}
}

// Get returns the stored link for subscriptionID.
func (s *Memory) Get(_ context.Context, subscriptionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.m[subscriptionID]
	return link, ok, nil
}

// Put stores link for subscriptionID.
func (s *Memory) Put(_ context.Context, subscriptionID, link string) error {
	if link == "" {
		return ErrEmptyLink
	}
	if subscriptionID == "" {
		return errors.New("storage: empty subscription id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[subscriptionID] = link
	return nil
}

// List returns a copy of every stored cursor.
func (s *Memory) List(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.m), nil
}

// Close is a no-op.
func (*Memory) Close() error { return nil }
