package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridianworks/herald/pkg/auth"
	"github.com/meridianworks/herald/pkg/cache"
	"github.com/meridianworks/herald/pkg/config"
	"github.com/meridianworks/herald/pkg/dispatch"
	"github.com/meridianworks/herald/pkg/observability"
	"github.com/meridianworks/herald/pkg/registry"
	"github.com/meridianworks/herald/pkg/server"
	"github.com/meridianworks/herald/pkg/task"
	"github.com/meridianworks/herald/pkg/tx"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // embedded dev/test driver
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("herald exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "herald",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	pool, err := tx.Open(cfg.Database, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = pool.Close() }()

	limiter := auth.NewLoginLimiter(1, 5)
	sessions := auth.NewSQLSessions(pool.DB(), cfg.SessionLifetime, limiter)

	queue := task.NewSQLQueue(pool.DB())
	if err := queue.Init(ctx); err != nil {
		return err
	}
	runner := task.NewFuncRunner(queue)

	var modelCache *cache.Cache
	if cfg.RedisAddr != "" {
		modelCache = cache.New(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		modelCache = cache.New(nil)
	}

	reg := registry.New()
	if err := registerBuiltins(reg); err != nil {
		return err
	}
	reg.Freeze()

	d := dispatch.New(reg, pool, sessions, dispatch.Config{
		RetryLimit:     cfg.RetryLimit,
		BackoffUnit:    cfg.BackoffUnit,
		DefaultTimeout: cfg.DefaultTimeout,
		SessionWindow:  cfg.SessionWindow,
		MaxFixRetries:  cfg.MaxFixRetries,
	}).
		WithBearer(auth.NewBearerValidator([]byte(cfg.BearerSecret), "herald")).
		WithTasks(runner).
		WithCache(modelCache).
		WithObservability(obs)

	srv := server.New(d, cfg.Database).
		WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst)

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "database", cfg.Database)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
