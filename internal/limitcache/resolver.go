// Package limitcache resolves effective limits for an (entity, resource)
// pair without a store round trip on every call. Lookups walk entity
// override, resource default, then system default; results are cached with
// a TTL and refreshed by a single writer per key.
package limitcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

const (
	defaultTTL      = 30 * time.Second
	defaultCounters = 10_000
	defaultMaxCost  = 1_000
	// SystemResource is the resource name of the system-wide default
	// configuration scope.
	SystemResource = "*"
)

// Resolved is the effective limit set for one (entity, resource) pair plus
// the behavior when the store is unavailable.
type Resolved struct {
	Limits        []ratelimiter.Limit
	OnUnavailable ratelimiter.FailureMode
	// Stored reports whether a configuration record matched; false means
	// the caller-supplied fallback applies.
	Stored bool
}

// Config tunes the resolver.
type Config struct {
	Namespace string
	Store     store.Store
	TTL       time.Duration
}

// Resolver is the TTL cache over configuration records.
type Resolver struct {
	namespace string
	store     store.Store
	ttl       time.Duration
	cache     *ristretto.Cache[string, Resolved]
	group     singleflight.Group
}

// New creates a resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("limitcache: store required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Resolved]{
		NumCounters: defaultCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("limitcache: %w", err)
	}
	return &Resolver{
		namespace: cfg.Namespace,
		store:     cfg.Store,
		ttl:       ttl,
		cache:     cache,
	}, nil
}

// Resolve returns the effective limits for an entity and resource. A cache
// miss or expiry triggers one store read per key regardless of concurrent
// callers.
func (r *Resolver) Resolve(ctx context.Context, entityID, resource string) (Resolved, error) {
	key := entityID + "|" + resource
	if cached, ok := r.cache.Get(key); ok {
		return cached, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		resolved, err := r.lookup(ctx, entityID, resource)
		if err != nil {
			return Resolved{}, err
		}
		r.cache.SetWithTTL(key, resolved, 1, r.ttl)
		return resolved, nil
	})
	if err != nil {
		return Resolved{}, err
	}
	return v.(Resolved), nil
}

// Invalidate drops one key, forcing a store read on the next Resolve.
func (r *Resolver) Invalidate(entityID, resource string) {
	r.cache.Del(entityID + "|" + resource)
}

// Wait blocks until buffered cache writes are applied. Test hook.
func (r *Resolver) Wait() {
	r.cache.Wait()
}

func (r *Resolver) lookup(ctx context.Context, entityID, resource string) (Resolved, error) {
	scopes := [][2]string{
		{entityID, resource},
		{"", resource},
		{"", SystemResource},
	}
	for _, scope := range scopes {
		cfg, err := r.store.GetLimitConfig(ctx, r.namespace, scope[0], scope[1])
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Limits: cfg.Limits, OnUnavailable: cfg.OnUnavailable, Stored: true}, nil
	}
	return Resolved{}, nil
}
