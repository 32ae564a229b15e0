package main

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/sdk"
	"github.com/nicktill/tinyapm/pkg/trace"
)

var errUpstream = errors.New("inventory upstream unavailable")

type app struct {
	client *sdk.Client
	logger *zap.Logger
	stats  *statsClient
	active atomic.Int64
}

func (a *app) setupHandlers(mux *http.ServeMux) {
	// endpoints return mock data; the timings are real
	mux.HandleFunc("/api/users", a.handleUsers)
	mux.HandleFunc("/api/users/", a.handleUsers)
	mux.HandleFunc("/api/orders", a.handleOrders)
	mux.HandleFunc("/api/products", a.handleProducts)
	mux.HandleFunc("/api/stats", a.handleStats)
	mux.HandleFunc("/health", handleHealth)
}

// work holds the calling timer for d.
func work(ctx context.Context, name string, d time.Duration) {
	span := trace.StartTimer(ctx, name)
	defer span.End()
	time.Sleep(d)
}

func jitter(base, spread int) time.Duration {
	return time.Duration(base+rand.Intn(spread)) * time.Millisecond
}

func (a *app) handleUsers(w http.ResponseWriter, r *http.Request) {
	a.active.Add(1)
	defer a.active.Add(-1)
	ctx := r.Context()

	work(ctx, "cache lookup", jitter(1, 5))
	if rand.Float32() < 0.3 {
		httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"users": []string{"Alice", "Bob"}, "cached": true})
		return
	}
	work(ctx, "db query", jitter(40, 50))

	if rand.Float32() < 0.02 {
		a.logger.Warn("users request failed")
		httpx.RespondErrorString(w, http.StatusInternalServerError, "internal server error")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"users": []string{"Alice", "Bob"}})
}

func (a *app) handleOrders(w http.ResponseWriter, r *http.Request) {
	a.active.Add(1)
	defer a.active.Add(-1)
	ctx := r.Context()

	work(ctx, "db query", jitter(30, 20))
	span := trace.StartTimer(ctx, "payment service")
	work(ctx, "http request", jitter(50, 30))
	span.End()

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"orders": []map[string]interface{}{{"id": 1, "total": 99.99}, {"id": 2, "total": 149.99}},
	})
}

func (a *app) handleProducts(w http.ResponseWriter, r *http.Request) {
	a.active.Add(1)
	defer a.active.Add(-1)

	// a few slow requests so the server keeps traces of them
	d := jitter(30, 30)
	if rand.Float32() < 0.05 {
		d = jitter(1200, 800)
	}
	work(r.Context(), "db query", d)
	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{"products": []string{"Widget", "Gadget"}})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"uptime": time.Since(startTime).Round(time.Second).String(),
	})
}

// runInventorySync runs a Background transaction every interval until ctx ends.
func (a *app) runInventorySync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.client.Do(ctx, "Background", "inventory sync", func(ctx context.Context) error {
				for page := 0; page < 3; page++ {
					work(ctx, "http request", jitter(20, 40))
					work(ctx, "db write", jitter(5, 10))
				}
				if rand.Float32() < 0.1 {
					return errUpstream
				}
				return nil
			})
			if err != nil {
				a.logger.Warn("inventory sync failed", zap.Error(err))
			}
		}
	}
}
