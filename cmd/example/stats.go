package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nicktill/tinyapm/pkg/httpx"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// statsClient reads merged histograms back from the server.
type statsClient struct {
	baseURL string
	http    *http.Client
}

func newStatsClient(baseURL string) *statsClient {
	return &statsClient{baseURL: baseURL, http: &http.Client{Timeout: 5 * time.Second}}
}

type histogramSummary struct {
	TransactionCount uint64 `json:"transactionCount"`
	ErrorCount       uint64 `json:"errorCount"`
	P50              int64  `json:"p50"`
	P95              int64  `json:"p95"`
	P99              int64  `json:"p99"`
}

// histogram returns the merged histogram of typ over the last window.
func (c *statsClient) histogram(ctx context.Context, typ string, window time.Duration) (*histogramSummary, error) {
	now := time.Now()
	q := url.Values{
		"type":  {typ},
		"start": {now.Add(-window).Format(time.RFC3339)},
		"end":   {now.Format(time.RFC3339)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/aggregates/histogram?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("histogram query returned %s", resp.Status)
	}

	var body struct {
		Result struct {
			View *histogramSummary `json:"view"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode histogram: %w", err)
	}
	if body.Result.View == nil {
		return &histogramSummary{}, nil
	}
	return body.Result.View, nil
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	web, err := a.stats.histogram(r.Context(), "Web", 15*time.Minute)
	if err != nil {
		httpx.RespondError(w, http.StatusBadGateway, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"requests":   web.TransactionCount,
		"errors":     web.ErrorCount,
		"p95_micros": web.P95,
		"active":     a.active.Load(),
		"uptime":     time.Since(startTime).Round(time.Second).String(),
	})
}
