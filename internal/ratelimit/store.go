package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sliding windows in process memory. Safe for concurrent
// use. This is the default store for single-process deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]time.Time)}
}

// Tally implements Store.
func (s *MemoryStore) Tally(_ context.Context, key string, now time.Time, window time.Duration, limit int) (int, time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	kept := s.events[key][:0]
	for _, ts := range s.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		s.events[key] = kept
		return len(kept), kept[0], false, nil
	}

	kept = append(kept, now)
	s.events[key] = kept
	return len(kept), kept[0], true, nil
}

// Purge drops all state for keys whose newest event is older than cutoff.
// Called by the janitor to bound memory on idle subjects.
func (s *MemoryStore) Purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, evts := range s.events {
		if len(evts) == 0 || evts[len(evts)-1].Before(cutoff) {
			delete(s.events, key)
			removed++
		}
	}
	return removed
}
