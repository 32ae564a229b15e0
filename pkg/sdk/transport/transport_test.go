package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nicktill/tinyapm/pkg/timertree"
	"github.com/nicktill/tinyapm/pkg/trace"
)

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func completed(name string) *trace.Completed {
	root := timertree.NewSyntheticRoot()
	root.ChildOrCreate(name).RecordDuration(25 * time.Millisecond)
	return &trace.Completed{
		ID:              "abc",
		TransactionType: "Web",
		Name:            name,
		Start:           start,
		Duration:        25 * time.Millisecond,
		CaptureTime:     start.Add(25 * time.Millisecond),
		Timers:          root,
	}
}

func TestNewHTTP(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		apiKey   string
		wantErr  bool
	}{
		{"valid endpoint without API key", "http://localhost:8080/v1/ingest", "", false},
		{"valid endpoint with API key", "http://localhost:8080/v1/ingest", "secret-key", false},
		{"empty endpoint", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := NewHTTP(tt.endpoint, tt.apiKey)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewHTTP() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if transport.endpoint != tt.endpoint {
				t.Errorf("endpoint = %v, want %v", transport.endpoint, tt.endpoint)
			}
			if transport.apiKey != tt.apiKey {
				t.Errorf("apiKey = %v, want %v", transport.apiKey, tt.apiKey)
			}
			if transport.client.Timeout != 10*time.Second {
				t.Errorf("timeout = %v, want %v", transport.client.Timeout, 10*time.Second)
			}
		})
	}
}

func TestHTTPTransport_Send_Success(t *testing.T) {
	var received payload
	var receivedAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %v, want POST", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %v, want application/json", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Errorf("Content-Encoding = %v, want gzip", r.Header.Get("Content-Encoding"))
		}
		receivedAuth = r.Header.Get("Authorization")

		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Errorf("body is not gzip: %v", err)
			return
		}
		body, _ := io.ReadAll(zr)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport, err := NewHTTP(server.URL, "secret")
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	if err := transport.Send(context.Background(), []*trace.Completed{completed("GET /a"), completed("GET /b")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if receivedAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want Bearer secret", receivedAuth)
	}
	if len(received.Transactions) != 2 {
		t.Fatalf("received %d transactions, want 2", len(received.Transactions))
	}
	got := received.Transactions[1]
	if got.Name != "GET /b" || got.Duration != 25*time.Millisecond || !got.Start.Equal(start) {
		t.Errorf("unexpected transaction %+v", got)
	}
	if n := got.Timers.Child("GET /b"); n == nil || n.Count != 1 {
		t.Errorf("timer tree did not survive the trip: %+v", got.Timers)
	}
}

func TestHTTPTransport_Send_Empty(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	transport, _ := NewHTTP(server.URL, "")
	if err := transport.Send(context.Background(), nil); err != nil {
		t.Errorf("Send() error = %v", err)
	}
	if called {
		t.Error("empty batches must not hit the server")
	}
}

func TestHTTPTransport_Send_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		wantRetry bool
	}{
		{"created", http.StatusCreated, false, false},
		{"bad request", http.StatusBadRequest, true, false},
		{"internal error", http.StatusInternalServerError, true, false},
		{"unavailable", http.StatusServiceUnavailable, true, true},
		{"too many requests", http.StatusTooManyRequests, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			transport, _ := NewHTTP(server.URL, "")
			err := transport.Send(context.Background(), []*trace.Completed{completed("GET /")})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if errors.Is(err, ErrRetry) != tt.wantRetry {
				t.Errorf("errors.Is(err, ErrRetry) = %v, want %v", errors.Is(err, ErrRetry), tt.wantRetry)
			}
		})
	}
}

func TestHTTPTransport_Send_NetworkError(t *testing.T) {
	transport, _ := NewHTTP("http://127.0.0.1:1/v1/ingest", "")
	if err := transport.Send(context.Background(), []*trace.Completed{completed("GET /")}); err == nil {
		t.Error("expected an error for an unreachable server")
	}
}

func TestHTTPTransport_Send_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	transport, _ := NewHTTP(server.URL, "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := transport.Send(ctx, []*trace.Completed{completed("GET /")}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want deadline exceeded", err)
	}
}
