package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"limitd/pkg/ratelimiter"
)

type availableRequest struct {
	EntityID string              `json:"entity_id"`
	Resource string              `json:"resource"`
	Limits   []ratelimiter.Limit `json:"limits,omitempty"`
	Needed   map[string]int64    `json:"needed,omitempty"`
}

func (h *handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	var req availableRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	query := ratelimiter.AvailabilityRequest{
		EntityID: req.EntityID,
		Resource: req.Resource,
		Limits:   req.Limits,
		Needed:   ratelimiter.NewConsumeMap(req.Needed),
	}
	levels, err := h.limiter.Available(r.Context(), query)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	resp := availableResponse{Limits: levels}
	if !query.Needed.IsZero() {
		wait, err := h.limiter.TimeUntilAvailable(r.Context(), query)
		if err != nil {
			writeQueryError(w, err)
			return
		}
		resp.WaitMs = wait.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	resource := strings.TrimPrefix(r.URL.Path, "/v1/capacity/")
	if resource == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	req := ratelimiter.CapacityRequest{
		Resource:    resource,
		ParentsOnly: r.URL.Query().Get("parents_only") == "true",
	}
	report, err := h.limiter.ResourceCapacity(r.Context(), req)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeQueryError(w http.ResponseWriter, err error) {
	var invalid *ratelimiter.ValidationError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if ratelimiter.IsUnavailable(err) {
		writeError(w, http.StatusServiceUnavailable, "unavailable")
		return
	}
	writeError(w, http.StatusInternalServerError, "backend_error")
}
