package activity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]QueryEvent // userID → events in append order
	profiles map[string]*Profile
	now      func() time.Time
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory activity store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string][]QueryEvent),
		profiles: make(map[string]*Profile),
		now:      time.Now,
	}
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev QueryEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.UserID] = append(s.events[ev.UserID], ev)
	return nil
}

func (s *MemoryStore) ActiveUsers(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for userID, evs := range s.events {
		for _, ev := range evs {
			if ev.Timestamp.After(since) {
				seen[userID] = struct{}{}
				break
			}
		}
	}
	for userID, p := range s.profiles {
		if p.Score > 0 {
			seen[userID] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for userID := range seen {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) RecentEvents(_ context.Context, userID string, since, until time.Time) ([]QueryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []QueryEvent
	for _, ev := range s.events[userID] {
		if ev.Timestamp.After(since) && !ev.Timestamp.After(until) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, p *Profile, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.profiles[p.UserID]
	switch {
	case !ok && expectedVersion != 0:
		return ErrVersionConflict
	case ok && current.Version != expectedVersion:
		return ErrVersionConflict
	}

	cp := *p
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = s.now()
	s.profiles[p.UserID] = &cp

	p.Version = cp.Version
	p.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) ListProfiles(_ context.Context, limit int) ([]*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	// Most recently evaluated first
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
