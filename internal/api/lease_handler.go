package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"limitd/pkg/ratelimiter"
)

type leaseOpRequest struct {
	Consume map[string]int64 `json:"consume"`
}

func (h *handler) handleCommit(w http.ResponseWriter, _ *http.Request, id string) {
	lease, ok := h.leases.remove(id)
	if !ok {
		writeError(w, http.StatusNotFound, "lease_not_found")
		return
	}
	lease.Commit()
	writeJSON(w, http.StatusOK, leaseResponse{OK: true, Consumed: lease.Consumed()})
}

func (h *handler) handleRollback(w http.ResponseWriter, r *http.Request, id string) {
	lease, ok := h.leases.remove(id)
	if !ok {
		writeError(w, http.StatusNotFound, "lease_not_found")
		return
	}
	if err := lease.Rollback(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, leaseResponse{OK: false, Error: "backend_error"})
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse{OK: true})
}

func (h *handler) handleConsume(w http.ResponseWriter, r *http.Request, id string) {
	h.leaseOp(w, r, id, func(lease ratelimiter.Lease, m ratelimiter.ConsumeMap) error {
		return lease.Consume(r.Context(), m)
	})
}

func (h *handler) handleAdjust(w http.ResponseWriter, r *http.Request, id string) {
	h.leaseOp(w, r, id, func(lease ratelimiter.Lease, m ratelimiter.ConsumeMap) error {
		return lease.Adjust(r.Context(), m)
	})
}

func (h *handler) handleRelease(w http.ResponseWriter, r *http.Request, id string) {
	h.leaseOp(w, r, id, func(lease ratelimiter.Lease, m ratelimiter.ConsumeMap) error {
		return lease.Release(r.Context(), m)
	})
}

func (h *handler) leaseOp(w http.ResponseWriter, r *http.Request, id string, op func(ratelimiter.Lease, ratelimiter.ConsumeMap) error) {
	lease, ok := h.leases.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "lease_not_found")
		return
	}
	var req leaseOpRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil || len(req.Consume) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := op(lease, ratelimiter.NewConsumeMap(req.Consume)); err != nil {
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
		writeJSON(w, http.StatusOK, leaseResponse{OK: false, Error: "backend_error"})
		return
	}
	writeJSON(w, http.StatusOK, leaseResponse{OK: true, Consumed: lease.Consumed()})
}
