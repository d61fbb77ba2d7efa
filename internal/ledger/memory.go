package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store. It is useful for tests and
// for single-process deployments that do not need durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string][]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string][]*Record)}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, tenantID string, next NextFunc) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.tenants[tenantID]
	var last *Record
	if len(records) > 0 {
		last = records[len(records)-1]
	}
	rec, err := next(last.Clone())
	if err != nil {
		return nil, err
	}
	if err := accept(rec, tenantID, last); err != nil {
		return nil, err
	}
	s.tenants[tenantID] = append(records, rec.Clone())
	return rec, nil
}

// Last implements Store.
func (s *MemoryStore) Last(_ context.Context, tenantID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.tenants[tenantID]
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1].Clone(), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID string, seq int64) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.tenants[tenantID]
	if seq < 1 || seq > int64(len(records)) {
		return nil, fmt.Errorf("seq %d: %w", seq, ErrNotFound)
	}
	return records[seq-1].Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, tenantID string, from, to int64) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.tenants[tenantID] {
		if inRange(r.Seq, from, to) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

// Len implements Store.
func (s *MemoryStore) Len(_ context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.tenants[tenantID])), nil
}

// Tenants implements Store.
func (s *MemoryStore) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tenants))
	for t, records := range s.tenants {
		if len(records) > 0 {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
