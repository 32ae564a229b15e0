package ingest

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/collector"
	"github.com/nicktill/tinyapm/pkg/timertree"
	"github.com/nicktill/tinyapm/pkg/trace"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCollector struct {
	mu    sync.Mutex
	got   []*trace.Completed
	limit int
}

func (c *fakeCollector) Add(tx *trace.Completed) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.limit > 0 && len(c.got) >= c.limit {
		return collector.ErrQueueFull
	}
	c.got = append(c.got, tx)
	return nil
}

func (c *fakeCollector) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func completed(typ, name string, d time.Duration) *trace.Completed {
	root := timertree.NewSyntheticRoot()
	root.ChildOrCreate(name).RecordDuration(d)
	return &trace.Completed{
		ID:              "0123",
		TransactionType: typ,
		Name:            name,
		Start:           start,
		Duration:        d,
		CaptureTime:     start.Add(d),
		Timers:          root,
	}
}

func post(t *testing.T, h http.Handler, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleIngest(t *testing.T) {
	c := &fakeCollector{}
	reg := prometheus.NewRegistry()
	h := NewHandler(c, WithRegisterer(reg))

	rr := post(t, http.HandlerFunc(h.HandleIngest), IngestRequest{Transactions: []*trace.Completed{
		completed("Web", "GET /users", 120*time.Millisecond),
		completed("Background", "cleanup", 2*time.Second),
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, IngestResponse{Status: "success", Accepted: 2}, resp)

	require.Len(t, c.got, 2)
	got := c.got[0]
	assert.Equal(t, "GET /users", got.Name)
	assert.True(t, got.Start.Equal(start))
	assert.Equal(t, 120*time.Millisecond, got.Duration)
	require.NotNil(t, got.Timers.Child("GET /users"))
	assert.Equal(t, int64(1), got.Timers.Child("GET /users").Count)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.received.WithLabelValues("accepted")))
	assert.Equal(t, 2, h.cardinality.Stats().TransactionTypes)
	assert.Len(t, h.summarizer.Summary(), 0, "summaries only cover the recent window")
}

func TestHandleIngest_TooManyTransactions(t *testing.T) {
	h := NewHandler(&fakeCollector{})

	txs := make([]*trace.Completed, MaxTransactionsPerRequest+1)
	for i := range txs {
		txs[i] = completed("Web", "GET /", time.Millisecond)
	}
	rr := post(t, http.HandlerFunc(h.HandleIngest), IngestRequest{Transactions: txs})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "too many transactions")
}

func TestHandleIngest_InvalidTransaction(t *testing.T) {
	c := &fakeCollector{}
	h := NewHandler(c)

	bad := completed("Web", "", time.Millisecond)
	rr := post(t, http.HandlerFunc(h.HandleIngest), IngestRequest{Transactions: []*trace.Completed{
		completed("Web", "GET /", time.Millisecond),
		bad,
	}})

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Contains(t, resp["message"], "invalid transaction 1")
	assert.Empty(t, c.got, "a bad request is rejected as a whole")
}

func TestHandleIngest_BadBodies(t *testing.T) {
	h := NewHandler(&fakeCollector{})

	rr := httptest.NewRecorder()
	h.HandleIngest(rr, httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	h.HandleIngest(rr, httptest.NewRequest(http.MethodGet, "/v1/ingest", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	active := completed("Web", "GET /", time.Millisecond)
	active.Active = true
	rr = post(t, http.HandlerFunc(h.HandleIngest), IngestRequest{Transactions: []*trace.Completed{active}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleIngest_CardinalityLimit(t *testing.T) {
	c := &fakeCollector{}
	h := NewHandler(c, WithCardinalityLimit(2))

	rr := post(t, http.HandlerFunc(h.HandleIngest), IngestRequest{Transactions: []*trace.Completed{
		completed("A", "a", time.Millisecond),
		completed("B", "b", time.Millisecond),
		completed("C", "c", time.Millisecond),
		completed("A", "a2", time.Millisecond),
	}})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 3, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	assert.Contains(t, resp.Message, "cardinality limit")
}

func TestHandleIngest_QueueFull(t *testing.T) {
	c := &fakeCollector{limit: 1}
	h := NewHandler(c)

	rr := post(t, http.HandlerFunc(h.HandleIngest), IngestRequest{Transactions: []*trace.Completed{
		completed("Web", "a", time.Millisecond),
		completed("Web", "b", time.Millisecond),
	}})
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "retry", resp.Status)
	assert.Equal(t, 1, resp.Accepted)
}

type fakeStorage struct {
	used, limit int64
}

func (s fakeStorage) GetUsage() (int64, error) { return s.used, nil }
func (s fakeStorage) GetLimit() int64          { return s.limit }

func TestHandleIngest_StorageLimit(t *testing.T) {
	c := &fakeCollector{}
	payload := IngestRequest{Transactions: []*trace.Completed{completed("Web", "a", time.Millisecond)}}

	h := NewHandler(c, WithStorageChecker(fakeStorage{used: 2048, limit: 1024}))
	rr := post(t, http.HandlerFunc(h.HandleIngest), payload)
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)
	assert.Contains(t, rr.Body.String(), "storage limit reached (2.0 KiB of 1.0 KiB)")
	assert.Empty(t, c.got)

	h = NewHandler(c, WithStorageChecker(fakeStorage{used: 10, limit: 1024}))
	rr = post(t, http.HandlerFunc(h.HandleIngest), payload)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, c.got, 1)
}

func TestRegisterRoutes(t *testing.T) {
	c := &fakeCollector{}
	h := NewHandler(c)
	h.summarizer.now = func() time.Time { return start.Add(time.Minute) }
	r := mux.NewRouter()
	h.Register(r, nil)

	rr := post(t, r, IngestRequest{Transactions: []*trace.Completed{completed("Web", "GET /", 10*time.Millisecond)}})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ingest/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Cardinality.TransactionTypes)
	assert.Equal(t, 1, stats.QueueLength)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var live LiveMessage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &live))
	assert.Equal(t, "summary", live.Type)
	require.Len(t, live.Transactions, 1)
	assert.Equal(t, int64(1), live.Transactions[0].Count)
	assert.Equal(t, int64(10000), live.Transactions[0].AvgMicros)
}

func TestHandleIngest_Gzip(t *testing.T) {
	c := &fakeCollector{}
	h := NewHandler(c)

	body, err := json.Marshal(IngestRequest{Transactions: []*trace.Completed{
		completed("Web", "a", time.Millisecond),
		completed("Web", "b", time.Millisecond),
	}})
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(body)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", &buf)
	req.Header.Set("Content-Encoding", "gzip")
	rr := httptest.NewRecorder()
	h.HandleIngest(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Len(t, c.got, 2)

	req = httptest.NewRequest(http.MethodPost, "/v1/ingest", strings.NewReader("not gzip"))
	req.Header.Set("Content-Encoding", "gzip")
	rr = httptest.NewRecorder()
	h.HandleIngest(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleIngest_RateLimit(t *testing.T) {
	c := &fakeCollector{}
	reg := prometheus.NewRegistry()
	h := NewHandler(c, WithRateLimit(0.001, 2), WithRegisterer(reg))
	payload := IngestRequest{Transactions: []*trace.Completed{completed("Web", "a", time.Millisecond)}}

	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, post(t, http.HandlerFunc(h.HandleIngest), payload).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes, fmt.Sprint(codes))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.received.WithLabelValues("throttled")))
}
