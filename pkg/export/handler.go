package export

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/storage"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
	logger   *zap.Logger
	now      func() time.Time

	// called after a successful import, e.g. to purge query caches
	onImport func()
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Storage, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
		logger:   logger,
		now:      time.Now,
	}
}

// OnImport registers fn to run after every import that wrote data
func (h *Handler) OnImport(fn func()) {
	h.onImport = fn
}

// Register mounts the export and import routes on r
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/export", h.HandleExport).Methods(http.MethodGet)
	r.HandleFunc("/v1/import", h.HandleImport).Methods(http.MethodPost)
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start: RFC3339 timestamp (default: 24h before end)
//   - end: RFC3339 timestamp (default: now)
//   - type: transaction type filter (optional)
//   - resolution: 1m, 5m or 1h (optional)
//   - profiles: include profiles in JSON exports (default: true)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	end, err := httpx.ParseTime(query.Get("end"), h.now())
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	start, err := httpx.ParseTime(query.Get("start"), end.Add(-config.DefaultExportWindow))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !start.Before(end) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must be before end")
		return
	}
	if end.Sub(start) > config.MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("Time range too large. Maximum is %v", config.MaxExportWindow))
		return
	}

	opts := ExportOptions{
		Start:           start,
		End:             end,
		TransactionType: query.Get("type"),
		IncludeProfiles: true,
		Format:          format,
	}
	if res := query.Get("resolution"); res != "" {
		if opts.Resolution, err = aggregate.ParseResolution(res); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}
	if p := query.Get("profiles"); p != "" {
		if opts.IncludeProfiles, err = strconv.ParseBool(p); err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid profiles flag %q", p))
			return
		}
	}

	timestamp := h.now().Format("20060102-150405")
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinyapm-export-%s.%s", timestamp, format))

	var result *ExportResult
	if format == "json" {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		h.logger.Error("export failed", zap.String("format", format), zap.Error(err))
		httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("export failed: %w", err))
		return
	}

	h.logger.Info("exported aggregates",
		zap.Int("aggregates", result.AggregatesExported),
		zap.Int("profiles", result.ProfilesExported),
		zap.String("format", format),
		zap.String("range", result.TimeRange))
}

// HandleImport handles POST /v1/import
// Accepts JSON backup files and imports them into storage
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpx.RespondErrorString(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	result, err := h.importer.ImportFromJSON(r.Context(), r.Body)
	if err != nil {
		h.logger.Error("import failed", zap.Error(err))
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("import failed: %w", err))
		return
	}

	if len(result.Errors) > 0 {
		// log the first few
		shown := result.Errors
		if len(shown) > 10 {
			shown = shown[:10]
		}
		h.logger.Warn("import completed with validation errors",
			zap.Int("errors", len(result.Errors)), zap.Strings("first", shown))
	}
	h.logger.Info("imported aggregates",
		zap.Int("aggregates", result.AggregatesImported),
		zap.Int("profiles", result.ProfilesImported),
		zap.Int("skipped", result.Skipped),
		zap.String("range", result.TimeRange))

	if h.onImport != nil && result.AggregatesImported+result.ProfilesImported > 0 {
		h.onImport()
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}
