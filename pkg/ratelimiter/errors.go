package ratelimiter

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// MaxIdentifierLen bounds entity ids, resource names, limit names and
// principals.
const MaxIdentifierLen = 128

// KeyDelimiter is the store-internal field delimiter. Identifiers must not
// contain it.
const KeyDelimiter = "#"

// ValidationError reports a malformed identifier or limit. It is raised
// before any store I/O.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ValidateIdentifier checks an identifier against the grammar: non-empty,
// at most MaxIdentifierLen bytes, no key delimiter, first rune alphanumeric.
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Value: value, Reason: "must not be empty"}
	}
	if len(value) > MaxIdentifierLen {
		return &ValidationError{Field: field, Value: value, Reason: "too long"}
	}
	first, _ := utf8.DecodeRuneInString(value)
	if !unicode.IsLetter(first) && !unicode.IsDigit(first) {
		return &ValidationError{Field: field, Value: value, Reason: "must start with an alphanumeric"}
	}
	if strings.Contains(value, KeyDelimiter) {
		return &ValidationError{Field: field, Value: value, Reason: "must not contain " + KeyDelimiter}
	}
	return nil
}

// EntityNotFoundError reports a missing entity record.
type EntityNotFoundError struct {
	EntityID string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %q not found", e.EntityID)
}

// EntityExistsError reports a duplicate entity create.
type EntityExistsError struct {
	EntityID string
}

func (e *EntityExistsError) Error() string {
	return fmt.Sprintf("entity %q already exists", e.EntityID)
}

// NamespaceNotFoundError reports an unregistered namespace.
type NamespaceNotFoundError struct {
	Namespace string
}

func (e *NamespaceNotFoundError) Error() string {
	return fmt.Sprintf("namespace %q not registered", e.Namespace)
}

// VersionMismatchError reports control-plane schema skew between the client
// library and the namespace record.
type VersionMismatchError struct {
	Namespace string
	Want      int
	Got       int
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("namespace %q schema version %d, client expects %d", e.Namespace, e.Got, e.Want)
}

// LimitViolation reports one limit's outcome inside a denied acquire.
type LimitViolation struct {
	Name      string `json:"name"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Passed    bool   `json:"passed"`
}

// RateLimitExceededError carries per-limit pass/fail status and a computed
// retry-after. Store-internal error codes never appear here.
type RateLimitExceededError struct {
	EntityID   string
	Resource   string
	Violations []LimitViolation
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	for _, v := range e.Violations {
		if !v.Passed {
			return fmt.Sprintf("rate limit exceeded for entity %q resource %q limit %q: requested %d, available %d, retry after %s",
				e.EntityID, e.Resource, v.Name, v.Requested, v.Available, e.RetryAfter)
		}
	}
	return fmt.Sprintf("rate limit exceeded for entity %q resource %q", e.EntityID, e.Resource)
}

// UnavailableError reports a store outage surfaced under FailClosed.
type UnavailableError struct {
	Cause error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("rate limiter unavailable: %v", e.Cause)
}

func (e *UnavailableError) Unwrap() error { return e.Cause }

// IsRateLimitExceeded reports whether err is a denial.
func IsRateLimitExceeded(err error) bool {
	var rle *RateLimitExceededError
	return errors.As(err, &rle)
}

// IsUnavailable reports whether err is a store outage under FailClosed.
func IsUnavailable(err error) bool {
	var ua *UnavailableError
	return errors.As(err, &ua)
}
