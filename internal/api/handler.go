// Package api exposes the limiter over HTTP for callers that cannot embed
// it as a library. Open leases are held server-side in a table keyed by
// lease id; idle leases roll back when their hold time expires.
package api

import (
	"net/http"
	"strings"
	"time"

	"limitd/pkg/ratelimiter"
)

// Config wires dependencies for the HTTP handler.
type Config struct {
	Limiter ratelimiter.Limiter
	// LeaseHold bounds how long an uncommitted lease may stay open
	// before the server rolls it back.
	LeaseHold time.Duration
	Now       func() time.Time
}

// NewHandler builds an HTTP handler for the rate limiter API.
func NewHandler(cfg Config) http.Handler {
	h := &handler{
		limiter: cfg.Limiter,
		leases:  newLeaseTable(cfg.LeaseHold, cfg.Now),
		nowFn:   cfg.Now,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/acquire", h.handleAcquire)
	mux.HandleFunc("/v1/leases/", h.handleLease)
	mux.HandleFunc("/v1/available", h.handleAvailable)
	mux.HandleFunc("/v1/capacity/", h.handleCapacity)
	mux.HandleFunc("/v1/admin/entities", h.handleAdminEntities)
	mux.HandleFunc("/v1/admin/entities/", h.handleAdminEntityByID)
	mux.HandleFunc("/v1/admin/limits", h.handleAdminLimits)
	mux.HandleFunc("/v1/admin/namespaces", h.handleAdminNamespaces)
	return mux
}

type handler struct {
	limiter ratelimiter.Limiter
	leases  *leaseTable
	nowFn   func() time.Time
}

func (h *handler) now() time.Time {
	if h.nowFn != nil {
		return h.nowFn()
	}
	return time.Now()
}

// handleLease routes /v1/leases/{id}/{action}.
func (h *handler) handleLease(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/leases/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	switch action {
	case "commit":
		h.handleCommit(w, r, id)
	case "rollback":
		h.handleRollback(w, r, id)
	case "consume":
		h.handleConsume(w, r, id)
	case "adjust":
		h.handleAdjust(w, r, id)
	case "release":
		h.handleRelease(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}
