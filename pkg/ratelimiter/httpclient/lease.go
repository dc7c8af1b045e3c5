package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"limitd/pkg/ratelimiter"
)

// commitTimeout bounds the background commit call, since Commit carries no
// context of its own.
const commitTimeout = 5 * time.Second

// remoteLease forwards lease lifecycle calls to the server-side lease
// table. The server rolls back leases whose hold time expires, so a
// crashed client leaks nothing permanent.
type remoteLease struct {
	client *Client
	id     string

	mu       sync.Mutex
	consumed map[string]int64
	done     bool
}

var _ ratelimiter.Lease = (*remoteLease)(nil)

// ID returns the server-assigned lease id.
func (l *remoteLease) ID() string { return l.id }

func (l *remoteLease) Consume(ctx context.Context, extra ratelimiter.ConsumeMap) error {
	return l.op(ctx, "consume", extra)
}

func (l *remoteLease) Adjust(ctx context.Context, delta ratelimiter.ConsumeMap) error {
	return l.op(ctx, "adjust", delta)
}

func (l *remoteLease) Release(ctx context.Context, amount ratelimiter.ConsumeMap) error {
	return l.op(ctx, "release", amount)
}

// Commit finalizes the lease on the server. The call is synchronous but
// bounded; a failed commit leaves the lease to the server's hold-time
// sweep, which rolls it back.
func (l *remoteLease) Commit() {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	_, _, _ = l.client.do(ctx, http.MethodPost, l.path("commit"), struct{}{})
}

func (l *remoteLease) Rollback(ctx context.Context) error {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return nil
	}
	l.done = true
	l.mu.Unlock()
	body, status, err := l.client.do(ctx, http.MethodPost, l.path("rollback"), struct{}{})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		// Already swept server-side; the tokens are back either way.
		return nil
	}
	if status != http.StatusOK {
		return decodeError(status, body)
	}
	l.mu.Lock()
	l.consumed = map[string]int64{}
	l.mu.Unlock()
	return nil
}

func (l *remoteLease) Close(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done {
		return nil
	}
	return l.Rollback(ctx)
}

// Consumed reports the last consumption state returned by the server.
func (l *remoteLease) Consumed() map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int64, len(l.consumed))
	for name, v := range l.consumed {
		out[name] = v
	}
	return out
}

type leaseOpReply struct {
	OK       bool             `json:"ok"`
	Consumed map[string]int64 `json:"consumed"`
	Error    string           `json:"error"`
}

func (l *remoteLease) op(ctx context.Context, action string, amounts ratelimiter.ConsumeMap) error {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return fmt.Errorf("httpclient: lease %s already closed", l.id)
	}
	l.mu.Unlock()
	consume := make(map[string]int64, amounts.Len())
	for _, name := range amounts.Names() {
		consume[name], _ = amounts.Get(name)
	}
	body, status, err := l.client.do(ctx, http.MethodPost, l.path(action), map[string]any{"consume": consume})
	if err != nil {
		return err
	}
	var reply leaseOpReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("httpclient: decode lease response: %w", err)
	}
	switch {
	case status == http.StatusTooManyRequests:
		var denial acquireReply
		_ = json.Unmarshal(body, &denial)
		return &ratelimiter.RateLimitExceededError{
			Violations: denial.Violations,
			RetryAfter: time.Duration(denial.RetryAfterMs) * time.Millisecond,
		}
	case status != http.StatusOK:
		return statusError(status, reply.Error)
	case !reply.OK:
		return fmt.Errorf("httpclient: lease %s %s: %s", l.id, action, reply.Error)
	}
	l.mu.Lock()
	l.consumed = reply.Consumed
	l.mu.Unlock()
	return nil
}

func (l *remoteLease) path(action string) string {
	return "/v1/leases/" + url.PathEscape(l.id) + "/" + action
}
