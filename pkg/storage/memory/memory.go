package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/storage"
)

type bucketKey struct {
	typ        string
	resolution aggregate.Resolution
	capture    int64
}

func keyOf(typ string, res aggregate.Resolution, t time.Time) bucketKey {
	return bucketKey{typ: typ, resolution: res, capture: t.UnixNano()}
}

// Storage stores aggregates in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	aggregates map[bucketKey]aggregate.Aggregate
	profiles   map[bucketKey]aggregate.ProfileSource
	mu         sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		aggregates: make(map[bucketKey]aggregate.Aggregate),
		profiles:   make(map[bucketKey]aggregate.ProfileSource),
	}
}

// WriteAggregate stores a copy of agg unless its bucket already exists
func (s *Storage) WriteAggregate(ctx context.Context, agg *aggregate.Aggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(agg.TransactionType, agg.Resolution, agg.CaptureTime)
	if _, ok := s.aggregates[k]; ok {
		return storage.ErrBucketFinalized
	}
	c := *agg
	c.TimerTree = append([]byte(nil), agg.TimerTree...)
	c.Histogram = append([]byte(nil), agg.Histogram...)
	s.aggregates[k] = c
	return nil
}

// QueryAggregates retrieves aggregates matching the request
func (s *Storage) QueryAggregates(ctx context.Context, req storage.QueryRequest) ([]aggregate.Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var results []aggregate.Aggregate
	for _, a := range s.aggregates {
		if req.Matches(a.TransactionType, a.Resolution, a.CaptureTime) {
			results = append(results, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return lessBucket(results[i].CaptureTime, results[j].CaptureTime, results[i].TransactionType, results[j].TransactionType)
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// DeleteAggregates removes aggregates and profiles captured before the cutoff
func (s *Storage) DeleteAggregates(ctx context.Context, opts storage.DeleteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := func(k bucketKey) bool {
		if opts.Resolution != "" && k.resolution != opts.Resolution {
			return false
		}
		return k.capture < opts.Before.UnixNano()
	}
	for k := range s.aggregates {
		if expired(k) {
			delete(s.aggregates, k)
		}
	}
	for k := range s.profiles {
		if expired(k) {
			delete(s.profiles, k)
		}
	}
	return nil
}

// WriteProfile stores a copy of p unless its bucket already has a profile
func (s *Storage) WriteProfile(ctx context.Context, p *aggregate.ProfileSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(p.TransactionType, p.Resolution, p.CaptureTime)
	if _, ok := s.profiles[k]; ok {
		return storage.ErrBucketFinalized
	}
	c := *p
	c.Data = append([]byte(nil), p.Data...)
	s.profiles[k] = c
	return nil
}

// QueryProfiles retrieves profiles matching the request
func (s *Storage) QueryProfiles(ctx context.Context, req storage.QueryRequest) ([]aggregate.ProfileSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var results []aggregate.ProfileSource
	for _, p := range s.profiles {
		if req.Matches(p.TransactionType, p.Resolution, p.CaptureTime) {
			results = append(results, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return lessBucket(results[i].CaptureTime, results[j].CaptureTime, results[i].TransactionType, results[j].TransactionType)
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// OverwriteProfiles marks every profile captured before the cutoff as overwritten
func (s *Storage) OverwriteProfiles(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for k, p := range s.profiles {
		if !p.CaptureTime.Before(before) || profile.IsOverwritten(p.Data) {
			continue
		}
		p.Data = profile.Overwritten
		s.profiles[k] = p
		n++
	}
	return n, nil
}

// TransactionTypes lists the stored transaction types in name order
func (s *Storage) TransactionTypes(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	for k := range s.aggregates {
		seen[k.typ] = true
	}
	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	sort.Strings(types)
	return types, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Aggregates: uint64(len(s.aggregates)),
		Profiles:   uint64(len(s.profiles)),
	}

	types := make(map[string]bool)
	for k, a := range s.aggregates {
		types[k.typ] = true
		stats.Observe(a.CaptureTime)
		stats.SizeBytes += uint64(len(a.TimerTree) + len(a.Histogram) + 64)
	}
	for _, p := range s.profiles {
		stats.SizeBytes += uint64(len(p.Data))
	}
	stats.TransactionTypes = uint64(len(types))

	return stats, nil
}

func lessBucket(a, b time.Time, typA, typB string) bool {
	if !a.Equal(b) {
		return a.Before(b)
	}
	return typA < typB
}
