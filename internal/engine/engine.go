// Package engine orchestrates admission: acquire, lease lifecycle, cascade
// across parent and child entities, fail-open/fail-closed policy and the
// read-only projection queries. Correctness under concurrency rests
// entirely on the store's conditional writes; the engine holds no lock
// around the hot path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"limitd/internal/limitcache"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// SchemaVersion is the control-plane schema this engine speaks. A
// namespace record carrying a different version refuses to open.
const SchemaVersion = 1

const defaultMaxAttempts = 3

// CascadeStrategy selects how the two cascade legs are issued.
type CascadeStrategy int

const (
	// CascadeSerial issues child then parent in order.
	CascadeSerial CascadeStrategy = iota
	// CascadeParallel issues both legs on a bounded worker pool.
	CascadeParallel
)

// Config wires the engine dependencies.
type Config struct {
	Namespace string
	Store     store.Store
	// Resolver supplies stored limits; required when callers set
	// UseStoredLimits.
	Resolver    *limitcache.Resolver
	FailureMode ratelimiter.FailureMode
	// MaxAttempts bounds optimistic-lock retries on the normal consume
	// path.
	MaxAttempts int
	// RetentionMultiplier scales record expiry from time-to-fill;
	// non-positive disables expiry and must be used whenever custom
	// per-entity limits exist.
	RetentionMultiplier float64
	Cascade             CascadeStrategy
	Clock               func() time.Time
	Logger              zerolog.Logger
	Metrics             *Metrics
}

// Engine implements ratelimiter.Limiter.
type Engine struct {
	namespace   string
	store       store.Store
	resolver    *limitcache.Resolver
	failureMode ratelimiter.FailureMode
	maxAttempts int
	retention   float64
	cascade     CascadeStrategy
	clock       func() time.Time
	log         zerolog.Logger
	metrics     *Metrics

	nsMu      sync.Mutex
	nsChecked bool
}

var _ ratelimiter.Limiter = (*Engine)(nil)

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("engine: namespace required")
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		namespace:   cfg.Namespace,
		store:       cfg.Store,
		resolver:    cfg.Resolver,
		failureMode: cfg.FailureMode,
		maxAttempts: maxAttempts,
		retention:   cfg.RetentionMultiplier,
		cascade:     cfg.Cascade,
		clock:       clock,
		log:         cfg.Logger.With().Str("component", "engine").Str("namespace", cfg.Namespace).Logger(),
		metrics:     cfg.Metrics,
	}, nil
}

func (e *Engine) nowMs() int64 {
	return e.clock().UnixMilli()
}

// ensureNamespace verifies registration and schema version once per engine.
func (e *Engine) ensureNamespace(ctx context.Context) error {
	e.nsMu.Lock()
	defer e.nsMu.Unlock()
	if e.nsChecked {
		return nil
	}
	ns, err := e.store.GetNamespace(ctx, e.namespace)
	if errors.Is(err, store.ErrNotFound) {
		return &ratelimiter.NamespaceNotFoundError{Namespace: e.namespace}
	}
	if err != nil {
		return err
	}
	if ns.SchemaVersion != SchemaVersion {
		return &ratelimiter.VersionMismatchError{Namespace: e.namespace, Want: SchemaVersion, Got: ns.SchemaVersion}
	}
	e.nsChecked = true
	return nil
}

// resolveLimits picks the effective limit set and failure mode for a call.
// Priority for the failure mode: per-call override, then stored
// configuration, then the limiter-wide default.
func (e *Engine) resolveLimits(ctx context.Context, req ratelimiter.AcquireRequest) ([]ratelimiter.Limit, ratelimiter.FailureMode, error) {
	mode := e.failureMode
	limits := req.Limits
	if req.UseStoredLimits && e.resolver != nil {
		resolved, err := e.resolver.Resolve(ctx, req.EntityID, req.Resource)
		if err != nil {
			return nil, mode, err
		}
		if resolved.Stored {
			limits = resolved.Limits
			mode = resolved.OnUnavailable
		}
	}
	if req.FailureMode != nil {
		mode = *req.FailureMode
	}
	if len(limits) == 0 {
		return nil, mode, &ratelimiter.ValidationError{Field: "limits", Value: req.Resource, Reason: "no limits resolved"}
	}
	return limits, mode, nil
}

// requestedDeltas validates the consume map against the active limit set
// and converts it to millitoken deltas in name order.
func requestedDeltas(consume ratelimiter.ConsumeMap, limits []ratelimiter.Limit) ([]store.Delta, error) {
	known := make(map[string]bool, len(limits))
	for _, l := range limits {
		known[l.Name] = true
	}
	deltas := make([]store.Delta, 0, consume.Len())
	for _, name := range consume.Names() {
		if !known[name] {
			return nil, &ratelimiter.ValidationError{Field: "consume", Value: name, Reason: "unknown limit"}
		}
		amount, _ := consume.Get(name)
		if amount < 0 {
			return nil, &ratelimiter.ValidationError{Field: "consume", Value: name, Reason: "amount must be non-negative"}
		}
		deltas = append(deltas, store.Delta{Name: name, DeltaMilli: amount * ratelimiter.MilliPerToken})
	}
	return deltas, nil
}

func negated(deltas []store.Delta) []store.Delta {
	out := make([]store.Delta, len(deltas))
	for i, d := range deltas {
		out[i] = store.Delta{Name: d.Name, DeltaMilli: -d.DeltaMilli}
	}
	return out
}

// isInfra reports whether an error is a store outage rather than part of
// the admission protocol.
func isInfra(err error) bool {
	return err != nil &&
		!errors.Is(err, store.ErrConditionFailed) &&
		!errors.Is(err, store.ErrAlreadyExists) &&
		!errors.Is(err, store.ErrNotFound)
}
