package api

import (
	"encoding/json"
	"net/http"

	"limitd/pkg/ratelimiter"
)

type errorResponse struct {
	Error string `json:"error"`
}

type violationPayload struct {
	Name      string `json:"name"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Passed    bool   `json:"passed"`
}

type acquireResponse struct {
	Allowed      bool               `json:"allowed"`
	LeaseID      string             `json:"lease_id,omitempty"`
	RetryAfterMs int64              `json:"retry_after_ms,omitempty"`
	Violations   []violationPayload `json:"violations,omitempty"`
	Error        string             `json:"error,omitempty"`
}

type leaseResponse struct {
	OK       bool             `json:"ok"`
	Consumed map[string]int64 `json:"consumed,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type availableResponse struct {
	Limits []ratelimiter.LimitAvailability `json:"limits"`
	WaitMs int64                           `json:"wait_ms"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorResponse{Error: code})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// denialPayload converts a denial into the wire response.
func denialPayload(denied *ratelimiter.RateLimitExceededError) acquireResponse {
	resp := acquireResponse{
		Allowed:      false,
		RetryAfterMs: denied.RetryAfter.Milliseconds(),
		Error:        "rate_limit_exceeded",
	}
	for _, v := range denied.Violations {
		resp.Violations = append(resp.Violations, violationPayload{
			Name:      v.Name,
			Requested: v.Requested,
			Available: v.Available,
			Passed:    v.Passed,
		})
	}
	return resp
}
