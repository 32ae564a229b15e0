package query

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/httpx"
)

// Handler serves merged views over HTTP.
type Handler struct {
	service *Service
	now     func() time.Time
}

// NewHandler creates a new query handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

// Response wraps a merged view with the range it covers.
type Response struct {
	TransactionType string               `json:"transaction_type"`
	Start           time.Time            `json:"start"`
	End             time.Time            `json:"end"`
	Resolution      aggregate.Resolution `json:"resolution"`
	Strict          bool                 `json:"strict"`
	Result          interface{}          `json:"result"`
}

// TypesResponse lists stored transaction types.
type TypesResponse struct {
	TransactionTypes []string `json:"transaction_types"`
}

// Register mounts the query routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/aggregates/types", h.HandleTypes).Methods(http.MethodGet)
	r.HandleFunc("/v1/aggregates/timers", h.view(h.timers)).Methods(http.MethodGet)
	r.HandleFunc("/v1/aggregates/histogram", h.view(h.histogram)).Methods(http.MethodGet)
	r.HandleFunc("/v1/aggregates/threads", h.view(h.threads)).Methods(http.MethodGet)
	r.HandleFunc("/v1/aggregates/profile", h.view(h.profile)).Methods(http.MethodGet)
}

func (h *Handler) timers(ctx context.Context, req Request) (interface{}, error) {
	return h.service.Timers(ctx, req)
}

func (h *Handler) histogram(ctx context.Context, req Request) (interface{}, error) {
	return h.service.Histogram(ctx, req)
}

func (h *Handler) threads(ctx context.Context, req Request) (interface{}, error) {
	return h.service.ThreadStats(ctx, req)
}

func (h *Handler) profile(ctx context.Context, req Request) (interface{}, error) {
	return h.service.Profile(ctx, req)
}

// parseRequest reads ?type=&start=&end=&resolution=&strict= from r.
func (h *Handler) parseRequest(r *http.Request) (Request, error) {
	q := r.URL.Query()
	now := h.now()

	req := Request{TransactionType: q.Get("type")}
	if req.TransactionType == "" {
		return req, fmt.Errorf("type parameter is required")
	}

	var err error
	if req.End, err = httpx.ParseTime(q.Get("end"), now); err != nil {
		return req, err
	}
	if req.Start, err = httpx.ParseTime(q.Get("start"), req.End.Add(-config.QueryDefaultWindow)); err != nil {
		return req, err
	}
	if !req.Start.Before(req.End) {
		return req, fmt.Errorf("start must be before end")
	}
	if req.End.Sub(req.Start) > config.QueryMaxWindow {
		return req, fmt.Errorf("time range too large (max %v)", config.QueryMaxWindow)
	}

	if res := q.Get("resolution"); res != "" {
		if req.Resolution, err = aggregate.ParseResolution(res); err != nil {
			return req, err
		}
	}
	if s := q.Get("strict"); s != "" {
		if req.Strict, err = strconv.ParseBool(s); err != nil {
			return req, fmt.Errorf("invalid strict flag %q", s)
		}
	}
	return req, nil
}

// view adapts a service call to an HTTP handler.
// GET /v1/aggregates/{view}?type=<type>&start=<time>&end=<time>&resolution=<1m|5m|1h>&strict=<bool>
//
// A strict request that meets an undecodable bucket fails with 422; a
// lenient one returns 200 with the failures listed in the report.
func (h *Handler) view(fn func(context.Context, Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := h.parseRequest(r)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		req = h.service.Resolve(req)

		result, err := fn(r.Context(), req)
		if err != nil {
			var reqErr *RequestError
			var decodeErr *aggregate.DecodeError
			switch {
			case errors.As(err, &reqErr):
				httpx.RespondError(w, http.StatusBadRequest, err)
			case errors.As(err, &decodeErr):
				httpx.RespondError(w, http.StatusUnprocessableEntity, err)
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				httpx.RespondError(w, http.StatusServiceUnavailable, fmt.Errorf("query timed out: %w", err))
			default:
				httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("query execution error: %w", err))
			}
			return
		}

		httpx.RespondJSON(w, http.StatusOK, Response{
			TransactionType: req.TransactionType,
			Start:           req.Start,
			End:             req.End,
			Resolution:      req.Resolution,
			Strict:          req.Strict,
			Result:          result,
		})
	}
}

// HandleTypes lists the stored transaction types.
// GET /v1/aggregates/types
func (h *Handler) HandleTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.service.TransactionTypes(r.Context())
	if err != nil {
		httpx.RespondError(w, http.StatusInternalServerError, err)
		return
	}
	if types == nil {
		types = []string{}
	}
	httpx.RespondJSON(w, http.StatusOK, TypesResponse{TransactionTypes: types})
}
