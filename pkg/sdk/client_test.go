package sdk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/profile"
	"github.com/nicktill/tinyapm/pkg/trace"
)

type recordingTransport struct {
	mu  sync.Mutex
	txs []*trace.Completed
}

func (r *recordingTransport) Send(ctx context.Context, batch []*trace.Completed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, batch...)
	return nil
}

func (r *recordingTransport) received() []*trace.Completed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*trace.Completed(nil), r.txs...)
}

func TestClientCreation(t *testing.T) {
	client, err := New(ClientConfig{
		Service:    "test-service",
		Endpoint:   "http://localhost:8080/v1/ingest",
		FlushEvery: 1 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	if client == nil || client.Tracer() == nil {
		t.Fatal("Client is not fully built")
	}

	if _, err := New(ClientConfig{}); err == nil {
		t.Error("Expected an error without a service name")
	}
}

func TestClientStartStop(t *testing.T) {
	client := newClient(ClientConfig{Service: "test-service"}, &recordingTransport{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}
	if err := client.Start(ctx); err == nil {
		t.Error("Expected a second Start to fail")
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Failed to stop client: %v", err)
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop on a stopped client should be a no-op, got %v", err)
	}
}

func TestClientShipsTransactions(t *testing.T) {
	trans := &recordingTransport{}
	client := newClient(ClientConfig{Service: "checkout", FlushEvery: time.Hour}, trans)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start client: %v", err)
	}

	err := client.Do(context.Background(), "Web", "GET /cart", func(ctx context.Context) error {
		span := trace.StartTimer(ctx, "db query")
		time.Sleep(time.Millisecond)
		span.End()
		return nil
	})
	if err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	failure := errors.New("card declined")
	if err := client.Do(context.Background(), "Web", "POST /pay", func(ctx context.Context) error {
		return failure
	}); err != failure {
		t.Fatalf("Do() should return fn's error, got %v", err)
	}

	if err := client.Stop(); err != nil {
		t.Fatalf("Failed to stop client: %v", err)
	}

	txs := trans.received()
	if len(txs) != 2 {
		t.Fatalf("Expected 2 transactions, got %d", len(txs))
	}
	if txs[0].Name != "GET /cart" || txs[0].Failed() {
		t.Errorf("Unexpected first transaction %+v", txs[0])
	}
	if txs[0].Timers.Child("GET /cart") == nil || txs[0].Timers.Child("GET /cart").Child("db query") == nil {
		t.Error("Expected the db query timer under the transaction timer")
	}
	if txs[1].Error != "card declined" {
		t.Errorf("Expected the error recorded, got %q", txs[1].Error)
	}
	if txs[0].Attributes["service"] != "checkout" {
		t.Errorf("Expected the service attribute, got %v", txs[0].Attributes)
	}
	if client.Sent() != 2 {
		t.Errorf("Expected Sent()=2, got %d", client.Sent())
	}
}

func TestClientIgnoresTransactionsBeforeStart(t *testing.T) {
	trans := &recordingTransport{}
	client := newClient(ClientConfig{Service: "svc"}, trans)

	client.Do(context.Background(), "Web", "GET /", func(context.Context) error { return nil })
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if n := len(trans.received()); n != 0 {
		t.Errorf("Expected nothing shipped before Start, got %d", n)
	}
}

func TestClientDoRecordsPanics(t *testing.T) {
	trans := &recordingTransport{}
	client := newClient(ClientConfig{Service: "svc", FlushEvery: time.Hour}, trans)
	client.Start(context.Background())

	func() {
		defer func() {
			if recover() == nil {
				t.Error("Expected the panic to propagate")
			}
		}()
		client.Do(context.Background(), "Background", "job", func(context.Context) error {
			panic("boom")
		})
	}()
	client.Stop()

	txs := trans.received()
	if len(txs) != 1 || txs[0].Error != "panic: boom" {
		t.Fatalf("Expected one failed transaction, got %+v", txs)
	}
}

func TestCaptureProfile(t *testing.T) {
	client := newClient(ClientConfig{Service: "svc"}, &recordingTransport{})

	root, err := client.CaptureProfile(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("CaptureProfile() failed: %v", err)
	}
	if root == nil || root.Frame != profile.SyntheticRootFrame {
		t.Fatalf("Expected a synthetic root, got %+v", root)
	}

	// cancelling the context ends the capture early
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if _, err := client.CaptureProfile(ctx, time.Minute); err != nil {
		t.Fatalf("CaptureProfile() failed: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("Cancelled capture did not return early")
	}
}
