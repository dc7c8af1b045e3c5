package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"limitd/internal/limitcache"
	"limitd/internal/store"
	"limitd/pkg/ratelimiter"
)

// namespaceIDSpace seeds the deterministic namespace ids so registering
// the same name anywhere yields the same id.
var namespaceIDSpace = uuid.MustParse("8a4e9b52-6f3d-4c21-9f07-5b2d94d1c3aa")

// CreateEntity registers an entity, optionally under a parent. The parent
// must already exist; hierarchies are one level deep on the cascade path.
func (e *Engine) CreateEntity(ctx context.Context, ent ratelimiter.Entity) error {
	if err := ratelimiter.ValidateIdentifier("entity", ent.ID); err != nil {
		return err
	}
	if ent.ParentID != "" {
		if err := ratelimiter.ValidateIdentifier("parent", ent.ParentID); err != nil {
			return err
		}
		if ent.ParentID == ent.ID {
			return &ratelimiter.ValidationError{Field: "parent", Value: ent.ParentID, Reason: "entity cannot be its own parent"}
		}
	}
	if err := e.ensureNamespace(ctx); err != nil {
		return err
	}
	if ent.ParentID != "" {
		if _, err := e.store.GetEntity(ctx, e.namespace, ent.ParentID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return &ratelimiter.EntityNotFoundError{EntityID: ent.ParentID}
			}
			return &ratelimiter.UnavailableError{Cause: err}
		}
	}
	err := e.store.PutEntity(ctx, e.namespace, ent)
	if errors.Is(err, store.ErrAlreadyExists) {
		return &ratelimiter.EntityExistsError{EntityID: ent.ID}
	}
	if err != nil {
		return &ratelimiter.UnavailableError{Cause: err}
	}
	e.log.Info().Str("entity", ent.ID).Str("parent", ent.ParentID).Msg("entity created")
	return nil
}

// GetEntity fetches a registered entity.
func (e *Engine) GetEntity(ctx context.Context, entityID string) (ratelimiter.Entity, error) {
	if err := ratelimiter.ValidateIdentifier("entity", entityID); err != nil {
		return ratelimiter.Entity{}, err
	}
	if err := e.ensureNamespace(ctx); err != nil {
		return ratelimiter.Entity{}, err
	}
	ent, err := e.store.GetEntity(ctx, e.namespace, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return ratelimiter.Entity{}, &ratelimiter.EntityNotFoundError{EntityID: entityID}
	}
	if err != nil {
		return ratelimiter.Entity{}, &ratelimiter.UnavailableError{Cause: err}
	}
	return ent, nil
}

// SetLimits stores the limit configuration for a scope. An empty entityID
// sets the resource-wide default; resource "*" sets the namespace default.
// The local resolver entry is dropped immediately; other processes converge
// as their cache TTL expires.
func (e *Engine) SetLimits(ctx context.Context, entityID, resource string, limits []ratelimiter.Limit, onUnavailable ratelimiter.FailureMode) error {
	if entityID != "" {
		if err := ratelimiter.ValidateIdentifier("entity", entityID); err != nil {
			return err
		}
	}
	if resource != limitcache.SystemResource {
		if err := ratelimiter.ValidateIdentifier("resource", resource); err != nil {
			return err
		}
	}
	if len(limits) == 0 {
		return &ratelimiter.ValidationError{Field: "limits", Value: resource, Reason: "at least one limit required"}
	}
	seen := make(map[string]bool, len(limits))
	for _, l := range limits {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.Name] {
			return &ratelimiter.ValidationError{Field: "limits", Value: l.Name, Reason: "duplicate limit name"}
		}
		seen[l.Name] = true
	}
	if err := e.ensureNamespace(ctx); err != nil {
		return err
	}
	cfg := store.LimitConfig{
		EntityID:      entityID,
		Resource:      resource,
		Limits:        limits,
		OnUnavailable: onUnavailable,
	}
	if err := e.store.PutLimitConfig(ctx, e.namespace, cfg); err != nil {
		return &ratelimiter.UnavailableError{Cause: err}
	}
	if e.resolver != nil {
		e.resolver.Invalidate(entityID, resource)
	}
	e.log.Info().Str("entity", entityID).Str("resource", resource).Int("limits", len(limits)).Msg("limit config updated")
	return nil
}

// RegisterNamespace writes the namespace record at the current schema
// version. The id derives from the name, so repeated registration is
// idempotent and returns the same id.
func (e *Engine) RegisterNamespace(ctx context.Context, name string) (string, error) {
	if err := ratelimiter.ValidateIdentifier("namespace", name); err != nil {
		return "", err
	}
	id := uuid.NewSHA1(namespaceIDSpace, []byte(name)).String()
	ns := store.Namespace{Name: name, ID: id, SchemaVersion: SchemaVersion}
	if err := e.store.PutNamespace(ctx, ns); err != nil {
		return "", fmt.Errorf("register namespace %s: %w", name, err)
	}
	return id, nil
}
