package audit

import (
	"context"
	"sync"
)

// MemoryStore is an append-only in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	byKey   map[string]*Record

	// failAppend, when set, makes Append fail (tests only)
	failAppend error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Record)}
}

func (s *MemoryStore) Append(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppend != nil {
		return s.failAppend
	}
	if _, ok := s.byKey[r.DedupKey]; ok {
		return ErrDuplicate
	}
	cp := *r
	cp.Sequence = int64(len(s.records) + 1)
	s.records = append(s.records, &cp)
	s.byKey[cp.DedupKey] = &cp
	r.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetByDedupKey(_ context.Context, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]*Record, error) {
	return s.collect(limit, func(*Record) bool { return true }), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Record, error) {
	return s.collect(limit, func(r *Record) bool { return r.UserID == userID }), nil
}

// collect walks newest first.
func (s *MemoryStore) collect(limit int, keep func(*Record) bool) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0)
	for i := len(s.records) - 1; i >= 0; i-- {
		if !keep(s.records[i]) {
			continue
		}
		cp := *s.records[i]
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
