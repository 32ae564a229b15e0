package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"

	"github.com/nicktill/tinyapm/pkg/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRetry is returned when the server asks the agent to send again later
var ErrRetry = errors.New("transport: server busy, retry later")

// Transport defines the interface for shipping completed transactions
type Transport interface {
	Send(ctx context.Context, txs []*trace.Completed) error
}

// HTTPTransport implements Transport by posting to the ingest endpoint
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTP creates a new HTTP transport
func NewHTTP(endpoint, apiKey string) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	return &HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type payload struct {
	Transactions []*trace.Completed `json:"transactions"`
}

// Send posts transactions to the ingest endpoint
func (t *HTTPTransport) Send(ctx context.Context, txs []*trace.Completed) error {
	if len(txs) == 0 {
		return nil
	}

	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	if err := json.NewEncoder(zw).Encode(payload{Transactions: txs}); err != nil {
		return fmt.Errorf("failed to marshal transactions: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress transactions: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w (status %d)", ErrRetry, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}
