package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// startTrafficSimulator requests the app's endpoints in turn until ctx ends.
func startTrafficSimulator(ctx context.Context, logger *zap.Logger) {
	endpoints := []string{"/api/users", "/api/orders", "/api/products", "/api/users/42"}
	client := &http.Client{Timeout: 5 * time.Second}

	// give the listener a moment
	select {
	case <-ctx.Done():
		return
	case <-time.After(500 * time.Millisecond):
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	logger.Info("traffic simulator started")

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ep := endpoints[n%len(endpoints)]
		go func() {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, appURL+ep, nil)
			if err != nil {
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				logger.Debug("simulated request failed", zap.String("endpoint", ep), zap.Error(err))
				return
			}
			resp.Body.Close()
			logger.Debug("simulated request", zap.String("endpoint", ep), zap.Int("status", resp.StatusCode))
		}()
	}
}
