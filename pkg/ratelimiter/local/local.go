// Package local builds a limiter backed by the in-memory store: zero
// infrastructure, full semantics. Suited to tests and single-process
// embedding; counters do not survive a restart and are not shared across
// processes.
package local

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"limitd/internal/engine"
	"limitd/internal/limitcache"
	"limitd/internal/store/memory"
	"limitd/pkg/ratelimiter"
)

// Config tunes the local limiter. The zero value plus a Namespace is
// usable.
type Config struct {
	Namespace   string
	FailureMode ratelimiter.FailureMode
	MaxAttempts int
	// CacheTTL bounds staleness of stored limit configuration.
	CacheTTL time.Duration
	Parallel bool
	Clock    func() time.Time
	Logger   zerolog.Logger
	Metrics  *engine.Metrics
}

// New creates a local limiter with its namespace already registered.
func New(ctx context.Context, cfg Config) (ratelimiter.Limiter, error) {
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("local: namespace required")
	}
	st := memory.New()
	resolver, err := limitcache.New(limitcache.Config{
		Namespace: cfg.Namespace,
		Store:     st,
		TTL:       cfg.CacheTTL,
	})
	if err != nil {
		return nil, err
	}
	strategy := engine.CascadeSerial
	if cfg.Parallel {
		strategy = engine.CascadeParallel
	}
	eng, err := engine.New(engine.Config{
		Namespace:   cfg.Namespace,
		Store:       st,
		Resolver:    resolver,
		FailureMode: cfg.FailureMode,
		MaxAttempts: cfg.MaxAttempts,
		Cascade:     strategy,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if _, err := eng.RegisterNamespace(ctx, cfg.Namespace); err != nil {
		return nil, err
	}
	return eng, nil
}
