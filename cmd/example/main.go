// Command example is a small HTTP app instrumented with the tinyapm agent.
// It serves a few mock endpoints, drives traffic at itself and runs a
// background job so the server has Web and Background transactions to
// aggregate.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyapm/pkg/sdk"
	"github.com/nicktill/tinyapm/pkg/sdk/httpx"
)

const (
	listenAddr = ":3000"
	appURL     = "http://localhost:3000"
)

var startTime = time.Now()

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	serverURL := os.Getenv("TINYAPM_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	client, err := sdk.New(sdk.ClientConfig{
		Service:         "example-app",
		APIKey:          os.Getenv("TINYAPM_API_KEY"),
		Endpoint:        serverURL + "/v1/ingest",
		FlushEvery:      5 * time.Second,
		ProfileEvery:    time.Minute,
		ProfileDuration: 10 * time.Second,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	app := &app{client: client, logger: logger, stats: newStatsClient(serverURL)}
	mux := http.NewServeMux()
	app.setupHandlers(mux)

	srv := &http.Server{
		Addr:         listenAddr,
		Handler:      httpx.Middleware(client)(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("example app listening", zap.String("addr", listenAddr), zap.String("server", serverURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	go startTrafficSimulator(ctx, logger)
	go app.runInventorySync(ctx, 10*time.Second)

	<-ctx.Done()
	logger.Info("shutting down example app")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	if err := client.Stop(); err != nil {
		logger.Warn("failed to flush transactions", zap.Error(err))
	}
	logger.Info("example app exited",
		zap.Int64("sent", client.Sent()), zap.Int64("dropped", client.Dropped()))
}
