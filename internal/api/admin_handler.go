package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"limitd/pkg/ratelimiter"
)

type setLimitsRequest struct {
	EntityID      string              `json:"entity_id,omitempty"`
	Resource      string              `json:"resource"`
	Limits        []ratelimiter.Limit `json:"limits"`
	OnUnavailable string              `json:"on_unavailable,omitempty"`
}

type namespaceRequest struct {
	Name string `json:"name"`
}

type namespaceResponse struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func (h *handler) handleAdminEntities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	var ent ratelimiter.Entity
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ent); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := h.limiter.CreateEntity(r.Context(), ent); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

func (h *handler) handleAdminEntityByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/entities/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	ent, err := h.limiter.GetEntity(r.Context(), id)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

func (h *handler) handleAdminLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	var req setLimitsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	mode := ratelimiter.FailClosed
	if req.OnUnavailable != "" {
		parsed, err := parseFailureMode(req.OnUnavailable)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		mode = parsed
	}
	if err := h.limiter.SetLimits(r.Context(), req.EntityID, req.Resource, req.Limits, mode); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handler) handleAdminNamespaces(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.limiter == nil {
		writeError(w, http.StatusInternalServerError, "backend_error")
		return
	}
	var req namespaceRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	id, err := h.limiter.RegisterNamespace(r.Context(), req.Name)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, namespaceResponse{Name: req.Name, ID: id})
}

func writeAdminError(w http.ResponseWriter, err error) {
	var invalid *ratelimiter.ValidationError
	var missing *ratelimiter.EntityNotFoundError
	var exists *ratelimiter.EntityExistsError
	switch {
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "invalid_request")
	case errors.As(err, &missing):
		writeError(w, http.StatusNotFound, "entity_not_found")
	case errors.As(err, &exists):
		writeError(w, http.StatusConflict, "entity_exists")
	case ratelimiter.IsUnavailable(err):
		writeError(w, http.StatusServiceUnavailable, "unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "backend_error")
	}
}
