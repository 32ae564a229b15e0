package ingest

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nicktill/tinyapm/pkg/collector"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Collector accepts completed transactions for aggregation
type Collector interface {
	Add(tx *trace.Completed) error
	QueueLength() int
}

// StorageChecker reports disk usage against the configured limit
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler handles transaction ingestion from remote agents
type Handler struct {
	collector   Collector
	storage     StorageChecker
	tracer      *trace.Tracer
	cardinality *CardinalityTracker
	summarizer  *Summarizer
	limiter     *rate.Limiter
	logger      *zap.Logger

	received *prometheus.CounterVec
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the handler's logger
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithTracer reports the tracer's in-flight transactions in live summaries
func WithTracer(tr *trace.Tracer) Option {
	return func(h *Handler) { h.tracer = tr }
}

// WithSummarizer shares a summarizer with other transaction sources
func WithSummarizer(s *Summarizer) Option {
	return func(h *Handler) { h.summarizer = s }
}

// WithCardinalityLimit caps the number of distinct transaction types
func WithCardinalityLimit(n int) Option {
	return func(h *Handler) { h.cardinality = NewCardinalityTracker(n) }
}

// WithStorageChecker rejects ingestion once storage is over its limit
func WithStorageChecker(c StorageChecker) Option {
	return func(h *Handler) { h.storage = c }
}

// WithRateLimit caps ingest requests per second across all agents.
// Requests over the limit are answered 429 so agents retry later.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(h *Handler) {
		if perSecond > 0 {
			h.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRegisterer registers the ingest counters
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(h *Handler) {
		if reg != nil {
			reg.MustRegister(h.received)
		}
	}
}

// NewHandler creates a new ingest handler feeding c
func NewHandler(c Collector, opts ...Option) *Handler {
	h := &Handler{
		collector:   c,
		cardinality: NewCardinalityTracker(0),
		logger:      zap.NewNop(),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinyapm",
			Subsystem: "ingest",
			Name:      "transactions_total",
			Help:      "Transactions received over HTTP, by result.",
		}, []string{"result"}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.summarizer == nil {
		h.summarizer = NewSummarizer(0)
	}
	return h
}

// Summarizer returns the summarizer behind live summaries
func (h *Handler) Summarizer() *Summarizer {
	return h.summarizer
}

// Register mounts the ingest routes on r. The websocket route is only
// mounted when hub is non-nil.
func (h *Handler) Register(r *mux.Router, hub *Hub) {
	r.HandleFunc("/v1/ingest", h.HandleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/ingest/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/live", h.HandleLive).Methods(http.MethodGet)
	if hub != nil {
		r.HandleFunc("/v1/ws", hub.HandleWebSocket).Methods(http.MethodGet)
	}
}

// IngestRequest represents the request payload
type IngestRequest struct {
	Transactions []*trace.Completed `json:"transactions"`
}

// IngestResponse represents the response payload
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Message  string `json:"message,omitempty"`
}

// StatsResponse reports ingestion state
type StatsResponse struct {
	Cardinality CardinalityStats `json:"cardinality"`
	QueueLength int              `json:"queue_length"`
}

// HandleIngest handles the /v1/ingest endpoint.
// POST /v1/ingest {"transactions": [...]}, optionally gzip encoded
//
// The request is rejected as a whole when it is malformed or any
// transaction breaks a limit. Transactions of a type over the cardinality
// limit are skipped and counted as rejected. A full collector queue answers
// 503 so agents retry the remainder.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if h.storage != nil {
		used, err := h.storage.GetUsage()
		if err != nil {
			h.logger.Warn("failed to check storage usage", zap.Error(err))
		} else if limit := h.storage.GetLimit(); limit > 0 && used >= limit {
			httpx.RespondErrorString(w, http.StatusInsufficientStorage,
				fmt.Sprintf("storage limit reached (%s of %s)", humanize.IBytes(uint64(used)), humanize.IBytes(uint64(limit))))
			return
		}
	}
	if h.limiter != nil && !h.limiter.Allow() {
		h.received.WithLabelValues("throttled").Inc()
		httpx.RespondErrorString(w, http.StatusTooManyRequests, "ingest rate limit exceeded")
		return
	}

	var body io.Reader = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(body)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid gzip body: %w", err))
			return
		}
		defer zr.Close()
		body = io.LimitReader(zr, config.IngestMaxInflatedBytes)
	}

	var req IngestRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", tooLarge.Limit))
			return
		}
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	if len(req.Transactions) > MaxTransactionsPerRequest {
		httpx.RespondError(w, http.StatusBadRequest, ErrTooManyTransactions)
		return
	}
	for i, tx := range req.Transactions {
		if tx == nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid transaction %d: null", i))
			return
		}
		if tx.Active {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid transaction %d: active snapshots cannot be ingested", i))
			return
		}
		if err := ValidateTransaction(tx); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid transaction %d: %w", i, err))
			return
		}
	}

	resp := IngestResponse{Status: "success"}
	for _, tx := range req.Transactions {
		if err := h.cardinality.Check(tx.TransactionType); err != nil {
			resp.Rejected++
			resp.Message = err.Error()
			continue
		}
		if err := h.collector.Add(tx); err != nil {
			if errors.Is(err, collector.ErrQueueFull) || errors.Is(err, collector.ErrClosed) {
				h.count(resp)
				h.logger.Warn("ingest stopped early",
					zap.Int("accepted", resp.Accepted),
					zap.Int("remaining", len(req.Transactions)-resp.Accepted-resp.Rejected),
					zap.Error(err))
				resp.Status = "retry"
				resp.Message = err.Error()
				httpx.RespondJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
			resp.Rejected++
			resp.Message = err.Error()
			continue
		}
		h.cardinality.Record(tx.TransactionType)
		h.summarizer.Observe(tx)
		resp.Accepted++
	}
	h.count(resp)

	if resp.Rejected > 0 {
		resp.Status = "partial"
		h.logger.Debug("ingest rejected transactions",
			zap.Int("rejected", resp.Rejected), zap.String("reason", resp.Message))
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}

func (h *Handler) count(resp IngestResponse) {
	h.received.WithLabelValues("accepted").Add(float64(resp.Accepted))
	h.received.WithLabelValues("rejected").Add(float64(resp.Rejected))
}

// HandleStats reports cardinality usage and the collector backlog.
// GET /v1/ingest/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		Cardinality: h.cardinality.Stats(),
		QueueLength: h.collector.QueueLength(),
	})
}
