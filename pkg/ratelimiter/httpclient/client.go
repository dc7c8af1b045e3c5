// Package httpclient implements Limiter against a remote limitd server.
// Leases returned by Acquire live in the server's lease table; the handle
// returned here forwards every lifecycle call over HTTP.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"limitd/pkg/ratelimiter"
)

// Client talks to a limitd server. Safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// New constructs a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{}}
}

// NewWithTimeout constructs a client with a per-request timeout.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

var _ ratelimiter.Limiter = (*Client)(nil)

type acquirePayload struct {
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

type acquireReply struct {
	Allowed      bool                         `json:"allowed"`
	LeaseID      string                       `json:"lease_id"`
	RetryAfterMs int64                        `json:"retry_after_ms"`
	Violations   []ratelimiter.LimitViolation `json:"violations"`
	Error        string                       `json:"error"`
}

// Acquire admits or rejects over HTTP. A 429 response is converted back
// into a RateLimitExceededError carrying the server's violations.
func (c *Client) Acquire(ctx context.Context, req ratelimiter.AcquireRequest) (ratelimiter.Lease, error) {
	consume := make(map[string]int64, req.Consume.Len())
	for _, name := range req.Consume.Names() {
		consume[name], _ = req.Consume.Get(name)
	}
	payload := acquirePayload{
		EntityID:        req.EntityID,
		Resource:        req.Resource,
		Principal:       req.Principal,
		Consume:         consume,
		Limits:          req.Limits,
		UseStoredLimits: req.UseStoredLimits,
		Cascade:         req.Cascade,
		Speculative:     req.Speculative,
	}
	if req.FailureMode != nil {
		payload.FailureMode = req.FailureMode.String()
	}
	body, status, err := c.do(ctx, http.MethodPost, "/v1/acquire", payload)
	if err != nil {
		return nil, err
	}
	var reply acquireReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("httpclient: decode acquire response: %w", err)
	}
	switch status {
	case http.StatusOK:
		return &remoteLease{client: c, id: reply.LeaseID, consumed: consume}, nil
	case http.StatusTooManyRequests:
		return nil, &ratelimiter.RateLimitExceededError{
			EntityID:   req.EntityID,
			Resource:   req.Resource,
			Violations: reply.Violations,
			RetryAfter: time.Duration(reply.RetryAfterMs) * time.Millisecond,
		}
	default:
		return nil, statusError(status, reply.Error)
	}
}

type availablePayload struct {
	EntityID string              `json:"entity_id"`
	Resource string              `json:"resource"`
	Limits   []ratelimiter.Limit `json:"limits,omitempty"`
	Needed   map[string]int64    `json:"needed,omitempty"`
}

type availableReply struct {
	Limits []ratelimiter.LimitAvailability `json:"limits"`
	WaitMs int64                           `json:"wait_ms"`
	Error  string                          `json:"error"`
}

// Available projects the current token levels over HTTP.
func (c *Client) Available(ctx context.Context, req ratelimiter.AvailabilityRequest) ([]ratelimiter.LimitAvailability, error) {
	reply, err := c.available(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return reply.Limits, nil
}

// TimeUntilAvailable estimates the wait until req.Needed could be granted.
func (c *Client) TimeUntilAvailable(ctx context.Context, req ratelimiter.AvailabilityRequest) (time.Duration, error) {
	reply, err := c.available(ctx, req, true)
	if err != nil {
		return 0, err
	}
	return time.Duration(reply.WaitMs) * time.Millisecond, nil
}

func (c *Client) available(ctx context.Context, req ratelimiter.AvailabilityRequest, withNeeded bool) (availableReply, error) {
	payload := availablePayload{
		EntityID: req.EntityID,
		Resource: req.Resource,
		Limits:   req.Limits,
	}
	if withNeeded {
		payload.Needed = make(map[string]int64, req.Needed.Len())
		for _, name := range req.Needed.Names() {
			payload.Needed[name], _ = req.Needed.Get(name)
		}
	}
	body, status, err := c.do(ctx, http.MethodPost, "/v1/available", payload)
	if err != nil {
		return availableReply{}, err
	}
	var reply availableReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return availableReply{}, fmt.Errorf("httpclient: decode available response: %w", err)
	}
	if status != http.StatusOK {
		return availableReply{}, statusError(status, reply.Error)
	}
	return reply, nil
}

// ResourceCapacity aggregates capacity across entities over HTTP.
func (c *Client) ResourceCapacity(ctx context.Context, req ratelimiter.CapacityRequest) (ratelimiter.CapacityReport, error) {
	path := "/v1/capacity/" + url.PathEscape(req.Resource)
	if req.ParentsOnly {
		path += "?parents_only=true"
	}
	body, status, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return ratelimiter.CapacityReport{}, err
	}
	if status != http.StatusOK {
		return ratelimiter.CapacityReport{}, decodeError(status, body)
	}
	var report ratelimiter.CapacityReport
	if err := json.Unmarshal(body, &report); err != nil {
		return ratelimiter.CapacityReport{}, fmt.Errorf("httpclient: decode capacity report: %w", err)
	}
	return report, nil
}

// CreateEntity registers an entity over HTTP.
func (c *Client) CreateEntity(ctx context.Context, ent ratelimiter.Entity) error {
	body, status, err := c.do(ctx, http.MethodPut, "/v1/admin/entities", ent)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return decodeError(status, body)
	}
	return nil
}

// GetEntity fetches an entity over HTTP.
func (c *Client) GetEntity(ctx context.Context, entityID string) (ratelimiter.Entity, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/v1/admin/entities/"+url.PathEscape(entityID), nil)
	if err != nil {
		return ratelimiter.Entity{}, err
	}
	if status == http.StatusNotFound {
		return ratelimiter.Entity{}, &ratelimiter.EntityNotFoundError{EntityID: entityID}
	}
	if status != http.StatusOK {
		return ratelimiter.Entity{}, decodeError(status, body)
	}
	var ent ratelimiter.Entity
	if err := json.Unmarshal(body, &ent); err != nil {
		return ratelimiter.Entity{}, fmt.Errorf("httpclient: decode entity: %w", err)
	}
	return ent, nil
}

type setLimitsPayload struct {
	EntityID      string              `json:"entity_id,omitempty"`
	Resource      string              `json:"resource"`
	Limits        []ratelimiter.Limit `json:"limits"`
	OnUnavailable string              `json:"on_unavailable,omitempty"`
}

// SetLimits stores limit configuration over HTTP.
func (c *Client) SetLimits(ctx context.Context, entityID, resource string, limits []ratelimiter.Limit, onUnavailable ratelimiter.FailureMode) error {
	payload := setLimitsPayload{
		EntityID:      entityID,
		Resource:      resource,
		Limits:        limits,
		OnUnavailable: onUnavailable.String(),
	}
	body, status, err := c.do(ctx, http.MethodPut, "/v1/admin/limits", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return decodeError(status, body)
	}
	return nil
}

type namespaceReply struct {
	Name  string `json:"name"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// RegisterNamespace registers a namespace over HTTP and returns its id.
func (c *Client) RegisterNamespace(ctx context.Context, name string) (string, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/v1/admin/namespaces", map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", decodeError(status, body)
	}
	var reply namespaceReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return "", fmt.Errorf("httpclient: decode namespace response: %w", err)
	}
	return reply.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &ratelimiter.UnavailableError{Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

type errorReply struct {
	Error string `json:"error"`
}

func decodeError(status int, body []byte) error {
	var reply errorReply
	_ = json.Unmarshal(body, &reply)
	return statusError(status, reply.Error)
}

// statusError maps wire error codes back to the typed errors the embedded
// limiter returns, so callers handle both transports the same way.
func statusError(status int, code string) error {
	switch code {
	case "unavailable":
		return &ratelimiter.UnavailableError{Cause: fmt.Errorf("http %d", status)}
	case "invalid_request":
		return &ratelimiter.ValidationError{Field: "request", Value: code, Reason: fmt.Sprintf("rejected by server (http %d)", status)}
	case "entity_not_found":
		return &ratelimiter.EntityNotFoundError{}
	case "entity_exists":
		return &ratelimiter.EntityExistsError{}
	case "":
		return fmt.Errorf("httpclient: http %d", status)
	}
	return fmt.Errorf("httpclient: http %d: %s", status, code)
}
