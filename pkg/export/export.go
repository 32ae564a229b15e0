package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nicktill/tinyapm/pkg/aggregate"
	"github.com/nicktill/tinyapm/pkg/aggregate/nullable"
	"github.com/nicktill/tinyapm/pkg/histogram"
	"github.com/nicktill/tinyapm/pkg/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FormatVersion is written to every JSON export
const FormatVersion = "1"

// Exporter handles exporting aggregates to various formats
type Exporter struct {
	storage storage.Storage
	now     func() time.Time
}

// NewExporter creates a new exporter
func NewExporter(store storage.Storage) *Exporter {
	return &Exporter{storage: store, now: time.Now}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// Buckets captured in (Start, End] are exported
	Start time.Time
	End   time.Time

	// Filter by transaction type (empty = all types)
	TransactionType string

	// Filter by resolution (empty = all resolutions)
	Resolution aggregate.Resolution

	// Include stored profiles in JSON exports
	IncludeProfiles bool

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	AggregatesExported int       `json:"aggregates_exported"`
	ProfilesExported   int       `json:"profiles_exported"`
	TimeRange          string    `json:"time_range"`
	Format             string    `json:"format"`
	ExportedAt         time.Time `json:"exported_at"`
}

// AggregateRecord is the JSON form of one aggregate. Payloads are base64.
type AggregateRecord struct {
	TransactionType  string               `json:"transaction_type"`
	CaptureTime      time.Time            `json:"capture_time"`
	Resolution       aggregate.Resolution `json:"resolution"`
	TransactionCount uint64               `json:"transaction_count"`
	TotalMicros      uint64               `json:"total_micros"`
	ErrorCount       uint64               `json:"error_count"`
	TimerTree        []byte               `json:"timer_tree"`
	Histogram        []byte               `json:"histogram"`
	CPUMicros        nullable.Uint64      `json:"cpu_micros"`
	BlockedMicros    nullable.Uint64      `json:"blocked_micros"`
	WaitedMicros     nullable.Uint64      `json:"waited_micros"`
	AllocatedKBytes  nullable.Uint64      `json:"allocated_kbytes"`
}

// ProfileRecord is the JSON form of one stored profile
type ProfileRecord struct {
	TransactionType string               `json:"transaction_type"`
	CaptureTime     time.Time            `json:"capture_time"`
	Resolution      aggregate.Resolution `json:"resolution"`
	Data            []byte               `json:"data"`
}

// Metadata describes a JSON export
type Metadata struct {
	ExportedAt     time.Time `json:"exported_at"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	AggregateCount int       `json:"aggregate_count"`
	ProfileCount   int       `json:"profile_count"`
	Format         string    `json:"format"`
	Version        string    `json:"version"`
}

// Data is the structure of a JSON export
type Data struct {
	Metadata   Metadata          `json:"metadata"`
	Aggregates []AggregateRecord `json:"aggregates"`
	Profiles   []ProfileRecord   `json:"profiles,omitempty"`
}

func recordOf(a aggregate.Aggregate) AggregateRecord {
	return AggregateRecord{
		TransactionType:  a.TransactionType,
		CaptureTime:      a.CaptureTime.UTC(),
		Resolution:       a.Resolution,
		TransactionCount: a.TransactionCount,
		TotalMicros:      a.TotalMicros,
		ErrorCount:       a.ErrorCount,
		TimerTree:        a.TimerTree,
		Histogram:        a.Histogram,
		CPUMicros:        a.CPUMicros,
		BlockedMicros:    a.BlockedMicros,
		WaitedMicros:     a.WaitedMicros,
		AllocatedKBytes:  a.AllocatedKBytes,
	}
}

// Aggregate converts the record back into a storable aggregate
func (r AggregateRecord) Aggregate() *aggregate.Aggregate {
	return &aggregate.Aggregate{
		TransactionType:  r.TransactionType,
		CaptureTime:      r.CaptureTime,
		Resolution:       r.Resolution,
		TransactionCount: r.TransactionCount,
		TotalMicros:      r.TotalMicros,
		ErrorCount:       r.ErrorCount,
		TimerTree:        r.TimerTree,
		Histogram:        r.Histogram,
		CPUMicros:        r.CPUMicros,
		BlockedMicros:    r.BlockedMicros,
		WaitedMicros:     r.WaitedMicros,
		AllocatedKBytes:  r.AllocatedKBytes,
	}
}

// Source converts the record back into a storable profile
func (r ProfileRecord) Source() *aggregate.ProfileSource {
	return &aggregate.ProfileSource{
		TransactionType: r.TransactionType,
		CaptureTime:     r.CaptureTime,
		Resolution:      r.Resolution,
		Data:            r.Data,
	}
}

func (e *Exporter) query(ctx context.Context, opts ExportOptions) ([]aggregate.Aggregate, error) {
	aggs, err := e.storage.QueryAggregates(ctx, storage.QueryRequest{
		Start:           opts.Start,
		End:             opts.End,
		TransactionType: opts.TransactionType,
		Resolution:      opts.Resolution,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregates: %w", err)
	}
	return aggs, nil
}

func timeRange(opts ExportOptions) string {
	return fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339))
}

// ExportToJSON exports aggregates, and optionally profiles, as JSON to the
// given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	aggs, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	data := Data{
		Metadata: Metadata{
			ExportedAt:     e.now().UTC(),
			StartTime:      opts.Start,
			EndTime:        opts.End,
			AggregateCount: len(aggs),
			Format:         "json",
			Version:        FormatVersion,
		},
		Aggregates: make([]AggregateRecord, 0, len(aggs)),
	}
	for _, a := range aggs {
		data.Aggregates = append(data.Aggregates, recordOf(a))
	}

	if opts.IncludeProfiles {
		profiles, err := e.storage.QueryProfiles(ctx, storage.QueryRequest{
			Start:           opts.Start,
			End:             opts.End,
			TransactionType: opts.TransactionType,
			Resolution:      opts.Resolution,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query profiles: %w", err)
		}
		for _, p := range profiles {
			data.Profiles = append(data.Profiles, ProfileRecord{
				TransactionType: p.TransactionType,
				CaptureTime:     p.CaptureTime.UTC(),
				Resolution:      p.Resolution,
				Data:            p.Data,
			})
		}
		data.Metadata.ProfileCount = len(data.Profiles)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		AggregatesExported: len(aggs),
		ProfilesExported:   len(data.Profiles),
		TimeRange:          timeRange(opts),
		Format:             "json",
		ExportedAt:         data.Metadata.ExportedAt,
	}, nil
}

// csvHeader lists the CSV columns. Percentiles are in microseconds and
// are left empty when the bucket's histogram does not decode.
var csvHeader = []string{
	"capture_time", "transaction_type", "resolution",
	"transaction_count", "total_micros", "error_count",
	"p50_micros", "p95_micros", "p99_micros",
	"cpu_micros", "blocked_micros", "waited_micros", "allocated_kbytes",
}

// ExportToCSV exports one row per aggregate to the given writer. CSV
// exports cannot be re-imported.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	aggs, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, a := range aggs {
		row := []string{
			a.CaptureTime.UTC().Format(time.RFC3339),
			a.TransactionType,
			string(a.Resolution),
			strconv.FormatUint(a.TransactionCount, 10),
			strconv.FormatUint(a.TotalMicros, 10),
			strconv.FormatUint(a.ErrorCount, 10),
		}
		if h, err := histogram.Decode(a.Histogram); err == nil {
			row = append(row,
				strconv.FormatInt(h.Percentile(50), 10),
				strconv.FormatInt(h.Percentile(95), 10),
				strconv.FormatInt(h.Percentile(99), 10))
		} else {
			row = append(row, "", "", "")
		}
		for _, n := range []nullable.Uint64{a.CPUMicros, a.BlockedMicros, a.WaitedMicros, a.AllocatedKBytes} {
			row = append(row, csvValue(n))
		}

		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to write CSV: %w", err)
	}

	return &ExportResult{
		AggregatesExported: len(aggs),
		TimeRange:          timeRange(opts),
		Format:             "csv",
		ExportedAt:         e.now().UTC(),
	}, nil
}

// csvValue renders a null counter as an empty cell
func csvValue(n nullable.Uint64) string {
	v, ok := n.Value()
	if !ok {
		return ""
	}
	return strconv.FormatUint(v, 10)
}
