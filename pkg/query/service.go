// Package query answers merged-view requests over stored aggregates,
// memoizing results for ranges that can no longer change.
package query

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// Config configures a Service.
type Config struct {
	// CacheSize is the number of results kept. Zero disables caching.
	CacheSize int
	Timeout   time.Duration

	// FinalizedThrough returns the latest capture time whose buckets can
	// no longer change. Only ranges ending at or before it are cached.
	// Nil disables caching.
	FinalizedThrough func() time.Time

	// Retention is how far back each resolution reaches, used to pick a
	// resolution when a request leaves it empty.
	Retention map[aggregate.Resolution]time.Duration

	Logger         *zap.Logger
	ReducerMetrics *aggregate.ReducerMetrics
	Registerer     prometheus.Registerer
	Now            func() time.Time
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		CacheSize: config.QueryCacheSize,
		Timeout:   config.QueryTimeout,
		Retention: map[aggregate.Resolution]time.Duration{
			aggregate.Resolution1m: config.Retention1m,
			aggregate.Resolution5m: config.Retention5m,
			aggregate.Resolution1h: config.Retention1h,
		},
	}
}

// Service reduces stored aggregates into merged views.
type Service struct {
	store   storage.Storage
	cfg     Config
	logger  *zap.Logger
	lenient *aggregate.Reducer
	strict  *aggregate.Reducer

	cache *lru.Cache
	group singleflight.Group

	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewService creates a query service over store.
func NewService(store storage.Storage, cfg Config) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.QueryTimeout
	}
	s := &Service{
		store:   store,
		cfg:     cfg,
		logger:  cfg.Logger,
		lenient: aggregate.NewReducer(aggregate.WithLogger(cfg.Logger), aggregate.WithMetrics(cfg.ReducerMetrics)),
		strict: aggregate.NewReducer(aggregate.WithStrict(true),
			aggregate.WithLogger(cfg.Logger), aggregate.WithMetrics(cfg.ReducerMetrics)),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "query",
			Name:      "cache_hits_total",
			Help:      "Merged views served from the cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "query",
			Name:      "cache_misses_total",
			Help:      "Merged views computed from storage.",
		}),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New(cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create query cache: %w", err)
		}
		s.cache = cache
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(s.hits, s.misses)
	}
	return s, nil
}

// Purge drops every cached result. Call it after compaction rewrites or
// overwrites stored data.
func (s *Service) Purge() {
	if s.cache != nil {
		s.cache.Purge()
	}
}

// Resolve fills in the request's resolution: the finest one whose
// retention still reaches back to Start.
func (s *Service) Resolve(req Request) Request {
	if req.Resolution != "" {
		return req
	}
	age := s.cfg.Now().Sub(req.Start)
	for _, res := range aggregate.Resolutions {
		if ttl, ok := s.cfg.Retention[res]; ok && age <= ttl {
			req.Resolution = res
			return req
		}
	}
	req.Resolution = aggregate.Resolution1h
	return req
}

func (s *Service) reducer(strict bool) *aggregate.Reducer {
	if strict {
		return s.strict
	}
	return s.lenient
}

func (s *Service) cacheable(req Request) bool {
	return s.cache != nil && s.cfg.FinalizedThrough != nil && !req.End.After(s.cfg.FinalizedThrough())
}

// do runs compute once per key across concurrent callers and caches the
// result of settled ranges. Errors are never cached.
func (s *Service) do(ctx context.Context, view string, req Request, compute func(context.Context, Request) (interface{}, error)) (interface{}, error) {
	req = s.Resolve(req)
	if err := req.validate(); err != nil {
		return nil, &RequestError{Err: err}
	}
	key := req.key(view)
	cacheable := s.cacheable(req)
	if cacheable {
		if v, ok := s.cache.Get(key); ok {
			s.hits.Inc()
			return v, nil
		}
	}
	s.misses.Inc()

	ch := s.group.DoChan(key, func() (interface{}, error) {
		// shared by every caller waiting on key, so not tied to the first
		// caller's cancellation
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeout)
		defer cancel()
		v, err := compute(cctx, req)
		if err == nil && cacheable {
			s.cache.Add(key, v)
		}
		return v, err
	})
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) aggregates(ctx context.Context, req Request) ([]aggregate.Aggregate, error) {
	aggs, err := s.store.QueryAggregates(ctx, storage.QueryRequest{
		Start:           req.Start,
		End:             req.End,
		TransactionType: req.TransactionType,
		Resolution:      req.Resolution,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	return aggs, nil
}

// Timers returns the merged timer tree of the range.
func (s *Service) Timers(ctx context.Context, req Request) (*TimersResult, error) {
	v, err := s.do(ctx, "timers", req, func(ctx context.Context, req Request) (interface{}, error) {
		aggs, err := s.aggregates(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := s.reducer(req.Strict).ReduceAll(ctx, aggs, nil, aggregate.ViewTimers)
		if err != nil {
			return nil, err
		}
		return &TimersResult{View: out.Timers, Report: out.TimersReport}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*TimersResult), nil
}

// Histogram returns the merged duration distribution of the range.
func (s *Service) Histogram(ctx context.Context, req Request) (*HistogramResult, error) {
	v, err := s.do(ctx, "histogram", req, func(ctx context.Context, req Request) (interface{}, error) {
		aggs, err := s.aggregates(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := s.reducer(req.Strict).ReduceAll(ctx, aggs, nil, aggregate.ViewHistogram)
		if err != nil {
			return nil, err
		}
		return &HistogramResult{View: out.Histogram, Report: out.HistogramReport}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*HistogramResult), nil
}

// ThreadStats returns the summed thread counters of the range.
func (s *Service) ThreadStats(ctx context.Context, req Request) (*ThreadStatsResult, error) {
	v, err := s.do(ctx, "threads", req, func(ctx context.Context, req Request) (interface{}, error) {
		aggs, err := s.aggregates(ctx, req)
		if err != nil {
			return nil, err
		}
		view := s.reducer(req.Strict).ReduceThreadStats(aggs)
		return &ThreadStatsResult{View: view, Empty: view.IsEmpty()}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ThreadStatsResult), nil
}

// Profile returns the merged call tree of the range.
func (s *Service) Profile(ctx context.Context, req Request) (*ProfileResult, error) {
	v, err := s.do(ctx, "profile", req, func(ctx context.Context, req Request) (interface{}, error) {
		profiles, err := s.store.QueryProfiles(ctx, storage.QueryRequest{
			Start:           req.Start,
			End:             req.End,
			TransactionType: req.TransactionType,
			Resolution:      req.Resolution,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query profiles: %w", err)
		}
		out, err := s.reducer(req.Strict).ReduceAll(ctx, nil, profiles, aggregate.ViewProfile)
		if err != nil {
			return nil, err
		}
		return &ProfileResult{View: out.Profile, Report: out.ProfileReport}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProfileResult), nil
}

// TransactionTypes lists the stored transaction types.
func (s *Service) TransactionTypes(ctx context.Context) ([]string, error) {
	return s.store.TransactionTypes(ctx)
}

// RequestError is a request rejected before any data was read.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return e.Err.Error() }

func (e *RequestError) Unwrap() error { return e.Err }
