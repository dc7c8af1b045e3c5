package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"limitd/internal/api"
	"limitd/internal/engine"
	"limitd/pkg/ratelimiter"
	"limitd/pkg/ratelimiter/dynamo"
	"limitd/pkg/ratelimiter/local"
)

// main launches limitd.
func main() {
	os.Exit(run())
}

// run executes limitd and returns an exit code.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to limitd config")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := engine.NewMetrics(registry)

	mode := ratelimiter.FailClosed
	if cfg.Server.FailureMode == "allow" {
		mode = ratelimiter.FailOpen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var limiter ratelimiter.Limiter
	switch cfg.Server.Backend {
	case "dynamodb":
		limiter, err = dynamo.New(ctx, dynamo.Config{
			Namespace:           cfg.Namespace,
			Table:               cfg.DynamoDB.Table,
			ResourceIndex:       cfg.DynamoDB.ResourceIndex,
			FailureMode:         mode,
			MaxAttempts:         cfg.Limiter.MaxAttempts,
			RetentionMultiplier: cfg.Limiter.RetentionMultiplier,
			CacheTTL:            cacheTTL(cfg),
			Parallel:            cfg.Limiter.ParallelCascade,
			Logger:              logger,
			Metrics:             metrics,
		})
	default:
		limiter, err = local.New(ctx, local.Config{
			Namespace:   cfg.Namespace,
			FailureMode: mode,
			MaxAttempts: cfg.Limiter.MaxAttempts,
			CacheTTL:    cacheTTL(cfg),
			Parallel:    cfg.Limiter.ParallelCascade,
			Logger:      logger,
			Metrics:     metrics,
		})
	}
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Server.Backend).Msg("limiter init failed")
		return 1
	}

	handler := api.NewHandler(api.Config{
		Limiter:   limiter,
		LeaseHold: leaseHold(cfg),
		Now:       time.Now,
	})
	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.ListenAddr).Str("backend", cfg.Server.Backend).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	return 0
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(parsed).With().Timestamp().Logger()
}
