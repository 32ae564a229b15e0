// Package server assembles the collector, storage, query and ingest
// components into the tinyapm HTTP server and runs its background tasks.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/collector"
	"github.com/nicktill/tinyapm/pkg/compaction"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/export"
	"github.com/nicktill/tinyapm/pkg/ingest"
	"github.com/nicktill/tinyapm/pkg/query"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/storage/badger"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// Config holds server configuration.
type Config struct {
	Port         string
	DataDir      string
	InMemory     bool
	MaxStorageGB int64
	MaxMemoryMB  int64

	SlowThreshold    time.Duration
	StuckThreshold   time.Duration
	CardinalityLimit int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Port:             config.DefaultPort,
		DataDir:          config.DefaultDataDir,
		MaxStorageGB:     config.DefaultMaxStorageGB,
		MaxMemoryMB:      config.DefaultMaxMemoryMB,
		SlowThreshold:    config.DefaultSlowThreshold,
		StuckThreshold:   config.DefaultStuckThreshold,
		CardinalityLimit: config.IngestMaxTransactionTypes,
	}
}

// Validate checks the configuration before anything is opened.
func (c Config) Validate() error {
	var errs *multierror.Error
	if c.Port == "" {
		errs = multierror.Append(errs, fmt.Errorf("port is required"))
	}
	if !c.InMemory && c.DataDir == "" {
		errs = multierror.Append(errs, fmt.Errorf("data directory is required unless running in memory"))
	}
	if c.MaxStorageGB < 0 || c.MaxMemoryMB < 0 {
		errs = multierror.Append(errs, fmt.Errorf("storage and memory limits must not be negative"))
	}
	if c.SlowThreshold <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("slow threshold must be positive, got %v", c.SlowThreshold))
	}
	if c.StuckThreshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("stuck threshold must not be negative, got %v", c.StuckThreshold))
	}
	return errs.ErrorOrNil()
}

// InitializeStorage opens BadgerDB under the data directory, or an
// in-memory store.
func InitializeStorage(cfg Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.InMemory {
		logger.Info("using in-memory storage; aggregates are lost on restart")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("BadgerDB storage initialized",
		zap.String("data_dir", cfg.DataDir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	return store, nil
}

// pipeline feeds ingested transactions to the collector and the trace sink.
type pipeline struct {
	collector *collector.Collector
	sink      *trace.Sink
}

func (p pipeline) Add(tx *trace.Completed) error {
	if err := p.collector.Add(tx); err != nil {
		return err
	}
	p.sink.OnComplete(tx)
	return nil
}

func (p pipeline) QueueLength() int {
	return p.collector.QueueLength()
}

// Server is the assembled tinyapm server.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	registry *prometheus.Registry

	store      storage.Storage
	collector  *collector.Collector
	tracer     *trace.Tracer
	traces     *trace.Store
	sink       *trace.Sink
	queries    *query.Service
	compactor  *compaction.Compactor
	hub        *ingest.Hub
	ingest     *ingest.Handler
	export     *export.Handler
	traceAPI   *trace.Handler
	queryAPI   *query.Handler
	compaction *monitor.CompactionMonitor
	usage      *monitor.StorageMonitor

	router *mux.Router
}

// New opens storage and builds a server around it.
func New(cfg Config, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	store, err := InitializeStorage(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	s, err := NewWithStorage(cfg, store, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

// NewWithStorage builds a server over an open store. The server owns the
// store and closes it in Close.
func NewWithStorage(cfg Config, store storage.Storage, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		store:    store,
	}

	s.collector = collector.New(store, collector.Config{
		QueueSize:        config.CollectorQueueSize,
		FinalizeInterval: config.FinalizeInterval,
		GracePeriod:      config.FinalizeGracePeriod,
		Logger:           logger.Named("collector"),
		Registerer:       reg,
	})

	s.traces = trace.NewStore(config.MaxStoredTraces, config.TraceRetention)
	s.sink = trace.NewSink(s.traces, trace.SinkConfig{
		SlowThreshold:  cfg.SlowThreshold,
		StuckThreshold: cfg.StuckThreshold,
		QueueSize:      config.TraceSinkQueueSize,
	}, logger.Named("traces"))

	reducerMetrics := aggregate.NewReducerMetrics(reg)
	qcfg := query.DefaultConfig()
	qcfg.FinalizedThrough = s.collector.FinalizedThrough
	qcfg.Logger = logger.Named("query")
	qcfg.ReducerMetrics = reducerMetrics
	qcfg.Registerer = reg
	queries, err := query.NewService(store, qcfg)
	if err != nil {
		return nil, err
	}
	s.queries = queries

	s.compactor = compaction.New(store,
		compaction.WithLogger(logger.Named("compaction")),
		compaction.WithReducer(aggregate.NewReducer(
			aggregate.WithLogger(logger.Named("compaction")),
			aggregate.WithMetrics(reducerMetrics))))
	s.compaction = monitor.NewCompactionMonitor(reg)
	s.compaction.MaxStaleness = 2 * config.CompactionInterval

	if cfg.InMemory {
		s.usage = monitor.NewStatsMonitor(store, cfg.MaxStorageGB<<30)
	} else {
		s.usage = monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB<<30)
	}
	s.usage.Register(reg)

	// The server times its own API; those transactions are aggregated
	// like any agent's.
	s.tracer = trace.NewTracer(trace.WithLogger(logger.Named("tracer")))
	summarizer := ingest.NewSummarizer(config.LiveSummaryWindow)
	s.tracer.OnComplete(s.collector.OnComplete)
	s.tracer.OnComplete(s.sink.OnComplete)
	s.tracer.OnComplete(summarizer.Observe)

	s.hub = ingest.NewHub(logger.Named("websocket"))
	s.ingest = ingest.NewHandler(pipeline{collector: s.collector, sink: s.sink},
		ingest.WithLogger(logger.Named("ingest")),
		ingest.WithTracer(s.tracer),
		ingest.WithSummarizer(summarizer),
		ingest.WithCardinalityLimit(cfg.CardinalityLimit),
		ingest.WithStorageChecker(s.usage),
		ingest.WithRateLimit(config.IngestRatePerSecond, config.IngestRateBurst),
		ingest.WithRegisterer(reg))

	s.export = export.NewHandler(store, logger.Named("export"))
	s.export.OnImport(s.queries.Purge)
	s.traceAPI = trace.NewHandler(s.traces, s.tracer, s.sink)
	s.queryAPI = query.NewHandler(s.queries)

	s.router = mux.NewRouter()
	s.setupRoutes()

	logger.Info("server assembled",
		zap.Bool("in_memory", cfg.InMemory),
		zap.Duration("slow_threshold", cfg.SlowThreshold),
		zap.Int("cardinality_limit", cfg.CardinalityLimit))
	return s, nil
}

// Registry returns the Prometheus registry served at /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Tracer returns the tracer timing the server's own requests.
func (s *Server) Tracer() *trace.Tracer {
	return s.tracer
}

// Close writes every open bucket, stores queued traces and closes storage.
func (s *Server) Close(ctx context.Context) error {
	var errs *multierror.Error
	if err := s.collector.Close(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to flush open buckets: %w", err))
	}
	s.sink.Close()
	if err := s.store.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close storage: %w", err))
	}
	return errs.ErrorOrNil()
}
