package trace

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store keeps completed slow and failed traces in memory under a count and
// age retention policy.
type Store struct {
	mu     sync.RWMutex
	traces map[TraceID]*Completed

	maxTraces   int
	maxAge      time.Duration
	lastCleanup time.Time
	now         func() time.Time
}

// StoreStats summarizes the store.
type StoreStats struct {
	Traces    int    `json:"total_traces"`
	Errors    int    `json:"error_traces"`
	Active    int    `json:"active_snapshots"`
	MaxTraces int    `json:"max_traces"`
	MaxAge    string `json:"max_age"`
}

// NewStore creates a store holding at most maxTraces traces for maxAge.
// Zero values select 10000 traces and 24 hours.
func NewStore(maxTraces int, maxAge time.Duration) *Store {
	if maxTraces <= 0 {
		maxTraces = 10000
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Store{
		traces:      make(map[TraceID]*Completed),
		maxTraces:   maxTraces,
		maxAge:      maxAge,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Put stores c, replacing an earlier snapshot with the same ID.
func (s *Store) Put(c *Completed) error {
	if c == nil {
		return fmt.Errorf("trace cannot be nil")
	}
	if c.ID == "" {
		return fmt.Errorf("trace id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.traces[c.ID]; ok && !prev.Active && c.Active {
		// never replace a finished trace with a stuck snapshot
		return nil
	}
	s.traces[c.ID] = c

	if len(s.traces) > s.maxTraces || s.now().Sub(s.lastCleanup) > 5*time.Minute {
		s.cleanupLocked()
	}
	return nil
}

// Get returns the stored trace with the given ID.
func (s *Store) Get(id TraceID) (*Completed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.traces[id]
	return c, ok
}

// Query returns traces that started in [start, end), newest first.
func (s *Store) Query(start, end time.Time, limit int) []*Completed {
	s.mu.RLock()
	var out []*Completed
	for _, c := range s.traces {
		if !c.Start.Before(start) && c.Start.Before(end) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.After(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of stored traces.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.traces)
}

// Stats returns storage statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := StoreStats{
		Traces:    len(s.traces),
		MaxTraces: s.maxTraces,
		MaxAge:    s.maxAge.String(),
	}
	for _, c := range s.traces {
		if c.Failed() {
			st.Errors++
		}
		if c.Active {
			st.Active++
		}
	}
	return st
}

// Cleanup applies the retention policy.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Store) cleanupLocked() {
	now := s.now()
	s.lastCleanup = now

	for id, c := range s.traces {
		if now.Sub(c.Start) > s.maxAge {
			delete(s.traces, id)
		}
	}
	if len(s.traces) <= s.maxTraces {
		return
	}

	ids := make([]TraceID, 0, len(s.traces))
	for id := range s.traces {
		ids = append(ids, id)
	}
	// oldest first
	sort.Slice(ids, func(i, j int) bool {
		return s.traces[ids[i]].Start.Before(s.traces[ids[j]].Start)
	})
	for _, id := range ids[:len(ids)-s.maxTraces] {
		delete(s.traces, id)
	}
}
