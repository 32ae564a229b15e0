package trace

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyapm/pkg/httpx"
)

// Handler serves stored and in-flight traces.
type Handler struct {
	store  *Store
	tracer *Tracer
	sink   *Sink
}

// NewHandler creates a trace handler. tracer and sink may be nil.
func NewHandler(store *Store, tracer *Tracer, sink *Sink) *Handler {
	return &Handler{store: store, tracer: tracer, sink: sink}
}

// TracesResponse represents a response containing multiple traces.
type TracesResponse struct {
	Traces []*Completed `json:"traces"`
	Count  int          `json:"count"`
}

// StatsResponse is the body of GET /v1/traces/stats.
type StatsResponse struct {
	Store       StoreStats `json:"store"`
	Active      int        `json:"active_transactions"`
	QueueLength int        `json:"sink_queue_length"`
	Dropped     int64      `json:"sink_dropped"`
}

// Register mounts the trace routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/traces", h.HandleQueryTraces).Methods(http.MethodGet)
	r.HandleFunc("/v1/traces/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/traces/{trace_id}", h.HandleGetTrace).Methods(http.MethodGet)
}

// HandleGetTrace returns a stored trace, or a live snapshot of the
// transaction if it is still running.
// GET /v1/traces/{trace_id}
func (h *Handler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := TraceID(mux.Vars(r)["trace_id"])
	if id == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "trace_id is required")
		return
	}

	if h.tracer != nil {
		if tx, ok := h.tracer.Active(id); ok {
			httpx.RespondJSON(w, http.StatusOK, tx.Snapshot())
			return
		}
	}
	if c, ok := h.store.Get(id); ok {
		httpx.RespondJSON(w, http.StatusOK, c)
		return
	}
	httpx.RespondErrorString(w, http.StatusNotFound, "trace not found: "+string(id))
}

// HandleQueryTraces queries stored traces by start time.
// GET /v1/traces?start=<time>&end=<time>&limit=<n>
func (h *Handler) HandleQueryTraces(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	now := time.Now()

	start, err := httpx.ParseTime(query.Get("start"), now.Add(-1*time.Hour))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	end, err := httpx.ParseTime(query.Get("end"), now)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	limit, err := httpx.ParseLimit(query.Get("limit"), 100, 1000)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	traces := h.store.Query(start, end, limit)
	if traces == nil {
		traces = []*Completed{}
	}
	httpx.RespondJSON(w, http.StatusOK, TracesResponse{Traces: traces, Count: len(traces)})
}

// HandleStats returns trace store and sink statistics.
// GET /v1/traces/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Store: h.store.Stats()}
	if h.tracer != nil {
		resp.Active = len(h.tracer.ActiveTransactions())
	}
	if h.sink != nil {
		resp.QueueLength = h.sink.QueueLength()
		resp.Dropped = h.sink.Dropped()
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}
