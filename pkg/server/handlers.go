package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// Version is reported by the health endpoint.
var Version = "dev"

var startTime = time.Now()

// StorageUsage represents current storage usage stats.
type StorageUsage struct {
	UsedBytes int64 `json:"used_bytes"`
	MaxBytes  int64 `json:"max_bytes"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status     string                   `json:"status"`
	Version    string                   `json:"version"`
	Uptime     string                   `json:"uptime"`
	Compaction monitor.CompactionStatus `json:"compaction"`

	CollectorQueue int `json:"collector_queue_length"`
	OpenBuckets    int `json:"open_buckets"`
	ActiveTraces   int `json:"active_transactions"`
}

// handleHealth returns service health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if !s.compaction.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	httpx.RespondJSON(w, code, HealthResponse{
		Status:         status,
		Version:        Version,
		Uptime:         time.Since(startTime).String(),
		Compaction:     s.compaction.Status(),
		CollectorQueue: s.collector.QueueLength(),
		OpenBuckets:    s.collector.OpenBuckets(),
		ActiveTraces:   len(s.tracer.ActiveTransactions()),
	})
}

// handleStorageUsage returns current storage usage.
func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	usedBytes, err := s.usage.GetUsage()
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, StorageUsage{
		UsedBytes: usedBytes,
		MaxBytes:  s.usage.GetLimit(),
	})
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes mounts every route. Long-lived and scrape routes sit outside
// the traced API so they do not show up as transactions.
func (s *Server) setupRoutes() {
	s.router.Use(corsMiddleware(s.cfg.Port))

	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/ws", s.hub.HandleWebSocket).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.NewRoute().Subrouter()
	api.Use(trace.HTTPMiddleware(s.tracer))

	s.ingest.Register(api, nil)
	s.queryAPI.Register(api)
	s.traceAPI.Register(api)
	s.export.Register(api)
	api.HandleFunc("/v1/storage", s.handleStorageUsage).Methods(http.MethodGet)
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) func(http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
