package ingest

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/trace"
)

// Live summaries are counted in slots of this width.
const slotWidth = 10 * time.Second

type slot struct {
	count       int64
	errors      int64
	totalMicros int64
	maxMicros   int64
}

// Summarizer keeps rolling per-type counts of recently completed
// transactions for the live dashboard. It is safe for concurrent use.
type Summarizer struct {
	mu     sync.Mutex
	window time.Duration
	// type -> slot start (unix seconds) -> counts
	slots map[string]map[int64]*slot
	now   func() time.Time
}

// NewSummarizer creates a summarizer over the given window. A window <= 0
// uses LiveSummaryWindow.
func NewSummarizer(window time.Duration) *Summarizer {
	if window <= 0 {
		window = config.LiveSummaryWindow
	}
	return &Summarizer{
		window: window,
		slots:  make(map[string]map[int64]*slot),
		now:    time.Now,
	}
}

// Observe counts one completed transaction. It has the signature of a
// trace.Handler.
func (s *Summarizer) Observe(tx *trace.Completed) {
	if tx.Active {
		return
	}
	key := tx.End().Truncate(slotWidth).Unix()
	micros := tx.Duration.Microseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	byTime, ok := s.slots[tx.TransactionType]
	if !ok {
		byTime = make(map[int64]*slot)
		s.slots[tx.TransactionType] = byTime
	}
	sl, ok := byTime[key]
	if !ok {
		sl = &slot{}
		byTime[key] = sl
	}
	sl.count++
	sl.totalMicros += micros
	if micros > sl.maxMicros {
		sl.maxMicros = micros
	}
	if tx.Failed() {
		sl.errors++
	}
}

// TypeSummary is the live view of one transaction type
type TypeSummary struct {
	TransactionType string  `json:"transaction_type"`
	Count           int64   `json:"count"`
	Errors          int64   `json:"errors"`
	AvgMicros       int64   `json:"avg_micros"`
	MaxMicros       int64   `json:"max_micros"`
	PerMinute       float64 `json:"per_minute"`
}

// LiveMessage is pushed to websocket clients every LiveSummaryInterval
type LiveMessage struct {
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Window       string        `json:"window"`
	Transactions []TypeSummary `json:"transactions"`
	QueueLength  int           `json:"queue_length"`
	ActiveTraces int           `json:"active_traces"`
}

// Summary returns per-type totals over the window ending now, busiest type
// first. Slots older than the window are dropped.
func (s *Summarizer) Summary() []TypeSummary {
	now := s.now()
	cutoff := now.Add(-s.window).Truncate(slotWidth).Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TypeSummary, 0, len(s.slots))
	for typ, byTime := range s.slots {
		sum := TypeSummary{TransactionType: typ}
		var total int64
		for key, sl := range byTime {
			if key < cutoff {
				delete(byTime, key)
				continue
			}
			sum.Count += sl.count
			sum.Errors += sl.errors
			total += sl.totalMicros
			if sl.maxMicros > sum.MaxMicros {
				sum.MaxMicros = sl.maxMicros
			}
		}
		if len(byTime) == 0 {
			delete(s.slots, typ)
			continue
		}
		if sum.Count > 0 {
			sum.AvgMicros = total / sum.Count
		}
		sum.PerMinute = float64(sum.Count) / s.window.Minutes()
		out = append(out, sum)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TransactionType < out[j].TransactionType
	})
	return out
}

// Live builds the message broadcast to dashboard clients.
func (h *Handler) Live() LiveMessage {
	msg := LiveMessage{
		Type:         "summary",
		Timestamp:    h.summarizer.now().UTC(),
		Window:       h.summarizer.window.String(),
		Transactions: h.summarizer.Summary(),
		QueueLength:  h.collector.QueueLength(),
	}
	if h.tracer != nil {
		msg.ActiveTraces = len(h.tracer.ActiveTransactions())
	}
	return msg
}

// HandleLive returns the live summary for clients that poll.
// GET /v1/live
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, h.Live())
}
