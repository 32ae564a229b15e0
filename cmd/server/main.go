package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 60 * time.Second
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "tinyapm-server",
		Short:        "Collect, aggregate and query transaction timings",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config %s: %w", path, err)
				}
			}
			logger, err := newLogger(v.GetString("log-level"))
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), loadConfig(v), logger)
		},
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}
	registerFlags(cmd)
	if err := bindConfig(v, cmd); err != nil {
		panic(err)
	}
	return cmd
}

func registerFlags(cmd *cobra.Command) {
	def := server.DefaultConfig()
	f := cmd.Flags()
	f.String("config", "", "YAML file with the same keys as the flags")
	f.String("port", def.Port, "HTTP port")
	f.String("data-dir", def.DataDir, "BadgerDB directory")
	f.Bool("in-memory", def.InMemory, "keep aggregates in memory only")
	f.Int64("max-memory-mb", def.MaxMemoryMB, "BadgerDB memory budget in MB")
	f.Int64("max-storage-gb", def.MaxStorageGB, "refuse ingestion above this disk usage")
	f.Duration("slow-threshold", def.SlowThreshold, "store traces of transactions at least this long")
	f.Duration("stuck-threshold", def.StuckThreshold, "snapshot transactions still running after this long, 0 disables")
	f.Int("cardinality-limit", def.CardinalityLimit, "maximum distinct transaction types")
	f.String("log-level", "info", "debug, info, warn or error")
}

// bindConfig layers settings: explicit flags, then TINYAPM_* variables
// (TINYAPM_SLOW_THRESHOLD for --slow-threshold), then the config file,
// then flag defaults.
func bindConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("tinyapm")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return v.BindEnv("port", "TINYAPM_PORT", "PORT")
}

func loadConfig(v *viper.Viper) server.Config {
	cfg := server.DefaultConfig()
	cfg.Port = v.GetString("port")
	cfg.DataDir = v.GetString("data-dir")
	cfg.InMemory = v.GetBool("in-memory")
	cfg.MaxMemoryMB = v.GetInt64("max-memory-mb")
	cfg.MaxStorageGB = v.GetInt64("max-storage-gb")
	cfg.SlowThreshold = v.GetDuration("slow-threshold")
	cfg.StuckThreshold = v.GetDuration("stuck-threshold")
	cfg.CardinalityLimit = v.GetInt("cardinality-limit")
	return cfg
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Sampling = nil
	return zc.Build()
}

func run(ctx context.Context, cfg server.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting tinyapm server",
		zap.String("port", cfg.Port),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int64("max_storage_gb", cfg.MaxStorageGB),
		zap.Int64("max_memory_mb", cfg.MaxMemoryMB))

	s, err := server.New(cfg, logger)
	if err != nil {
		return err
	}

	tasksCtx, cancelTasks := context.WithCancel(context.Background())
	tasksDone := make(chan struct{})
	go func() {
		s.Run(tasksCtx)
		close(tasksDone)
	}()

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.Handler(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	// Cancel background tasks before waiting on them
	cancelTasks()
	select {
	case <-tasksDone:
	case <-shutdownCtx.Done():
		logger.Warn("background tasks did not stop in time")
	}

	if err := s.Close(shutdownCtx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("tinyapm server exited")
	return runErr
}
