package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"limitd/pkg/ratelimiter"
)

type acquireRequest struct {
	EntityID        string              `json:"entity_id"`
	Resource        string              `json:"resource"`
	Principal       string              `json:"principal,omitempty"`
	Consume         map[string]int64    `json:"consume"`
	Limits          []ratelimiter.Limit `json:"limits,omitempty"`
	UseStoredLimits bool                `json:"use_stored_limits,omitempty"`
	Cascade         bool                `json:"cascade,omitempty"`
	Speculative     bool                `json:"speculative,omitempty"`
	FailureMode     string              `json:"failure_mode,omitempty"`
}

func (h *handler) handleAcquire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	h.leases.sweepExpired(r.Context())
	var req acquireRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	acquire := ratelimiter.AcquireRequest{
		EntityID:        req.EntityID,
		Resource:        req.Resource,
		Principal:       req.Principal,
		Consume:         ratelimiter.NewConsumeMap(req.Consume),
		Limits:          req.Limits,
		UseStoredLimits: req.UseStoredLimits,
		Cascade:         req.Cascade,
		Speculative:     req.Speculative,
	}
	if req.FailureMode != "" {
		mode, err := parseFailureMode(req.FailureMode)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		acquire.FailureMode = &mode
	}

	lease, err := h.limiter.Acquire(r.Context(), acquire)
	if err != nil {
		var denied *ratelimiter.RateLimitExceededError
		if errors.As(err, &denied) {
			writeJSON(w, http.StatusTooManyRequests, denialPayload(denied))
			return
		}
		var invalid *ratelimiter.ValidationError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if ratelimiter.IsUnavailable(err) {
			writeJSON(w, http.StatusServiceUnavailable, acquireResponse{Allowed: false, Error: "unavailable"})
			return
		}
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	id := leaseID(lease)
	h.leases.put(id, lease)
	writeJSON(w, http.StatusOK, acquireResponse{Allowed: true, LeaseID: id})
}

func parseFailureMode(s string) (ratelimiter.FailureMode, error) {
	switch s {
	case "allow":
		return ratelimiter.FailOpen, nil
	case "block":
		return ratelimiter.FailClosed, nil
	}
	return 0, errors.New("unknown failure mode")
}

// leaseID prefers the lease's own id; leases without one (such as the
// fail-open no-op) get a fresh one for the table.
func leaseID(lease ratelimiter.Lease) string {
	if l, ok := lease.(interface{ ID() string }); ok {
		return l.ID()
	}
	return ratelimiter.NewLeaseID()
}
