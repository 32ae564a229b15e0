package sdk

import (
	"bytes"
	"context"
	"fmt"
	"runtime/pprof"
	"sync"
	"time"

	gprofile "github.com/google/pprof/profile"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/sdk/batch"
	"github.com/nicktill/tinyapm/pkg/sdk/transport"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// ProfileLabel is the pprof label carrying the trace ID of the transaction
// a goroutine works for.
const ProfileLabel = "trace_id"

// ClientConfig holds configuration for the agent client
type ClientConfig struct {
	Service    string        `json:"service"`
	APIKey     string        `json:"api_key"`
	Endpoint   string        `json:"endpoint"`
	FlushEvery time.Duration `json:"flush_every"`

	MaxBatchSize int `json:"max_batch_size"`

	// ProfileEvery enables periodic CPU profiling; each capture lasts
	// ProfileDuration (default 1s).
	ProfileEvery    time.Duration `json:"profile_every"`
	ProfileDuration time.Duration `json:"profile_duration"`

	Logger *zap.Logger `json:"-"`
}

// Client is the in-process agent. It times transactions with a tracer and
// ships the completed ones to the server in batches.
type Client struct {
	config  ClientConfig
	tracer  *trace.Tracer
	batcher *batch.Batcher
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Service == "" {
		return nil, fmt.Errorf("service name is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080/v1/ingest"
	}

	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return newClient(cfg, trans), nil
}

func newClient(cfg ClientConfig, trans transport.Transport) *Client {
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.ProfileDuration == 0 {
		cfg.ProfileDuration = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("service", cfg.Service))

	c := &Client{
		config: cfg,
		tracer: trace.NewTracer(trace.WithLogger(logger)),
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
			Logger:       logger,
		}),
		logger: logger,
	}
	c.tracer.OnComplete(c.enqueue)
	return c
}

// Tracer returns the tracer whose transactions the client ships.
func (c *Client) Tracer() *trace.Tracer {
	return c.tracer
}

func (c *Client) enqueue(tx *trace.Completed) {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	if tx.Attributes == nil {
		tx.Attributes = make(map[string]string)
	}
	tx.Attributes["service"] = c.config.Service
	c.batcher.Add(tx)
}

// Do runs fn inside a transaction. The goroutine running fn carries the
// transaction's trace ID as a pprof label so CPU samples can be attributed
// to it. An error returned by fn marks the transaction as failed.
func (c *Client) Do(ctx context.Context, txType, name string, fn func(context.Context) error) (err error) {
	ctx, tx := c.tracer.Start(ctx, txType, name)
	defer func() {
		if p := recover(); p != nil {
			tx.SetError(fmt.Sprint("panic: ", p))
			tx.End()
			panic(p)
		}
		if err != nil {
			tx.SetError(err.Error())
		}
		tx.End()
	}()

	pprof.Do(ctx, pprof.Labels(ProfileLabel, string(tx.ID())), func(ctx context.Context) {
		err = fn(ctx)
	})
	return err
}

// Start starts batching and, when configured, periodic profiling
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.batcher.Start(ctx); err != nil {
		c.cancel()
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	c.done = make(chan struct{})
	go c.profileLoop(ctx)

	c.started = true
	return nil
}

// Stop stops the client and flushes remaining transactions
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	c.cancel()
	done := c.done
	c.mu.Unlock()

	<-done
	if err := c.batcher.Stop(); err != nil {
		return fmt.Errorf("failed to flush transactions: %w", err)
	}
	return nil
}

// Flush sends buffered transactions now
func (c *Client) Flush() error {
	return c.batcher.Flush()
}

// Sent returns the number of transactions delivered to the server
func (c *Client) Sent() int64 {
	return c.batcher.Sent()
}

// Dropped returns the number of transactions that never reached the server
func (c *Client) Dropped() int64 {
	return c.batcher.Dropped()
}

func (c *Client) profileLoop(ctx context.Context) {
	defer close(c.done)
	if c.config.ProfileEvery <= 0 {
		return
	}

	ticker := time.NewTicker(c.config.ProfileEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CaptureProfile(ctx, c.config.ProfileDuration); err != nil {
				c.logger.Warn("cpu profile capture failed", zap.Error(err))
			}
		}
	}
}

// CaptureProfile records a CPU profile for d (or until ctx is done). Samples
// labelled with the trace ID of a transaction still in flight are added to
// that transaction's profile. The whole profile is returned as a call tree.
func (c *Client) CaptureProfile(ctx context.Context, d time.Duration) (*profile.Node, error) {
	var buf bytes.Buffer
	if err := pprof.StartCPUProfile(&buf); err != nil {
		return nil, fmt.Errorf("start cpu profile: %w", err)
	}
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	t.Stop()
	pprof.StopCPUProfile()

	p, err := gprofile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parse cpu profile: %w", err)
	}
	if len(p.SampleType) == 0 {
		return profile.NewSyntheticRoot(), nil
	}
	idx := profile.SampleIndex(p, "samples")
	if idx < 0 {
		idx = 0
	}

	byTrace, _, err := profile.SplitByLabel(p, idx, ProfileLabel)
	if err != nil {
		return nil, err
	}
	for id, tree := range byTrace {
		if tx, ok := c.tracer.Active(trace.TraceID(id)); ok {
			tx.AddProfile(tree)
		}
	}
	return profile.FromPprof(p, idx)
}
