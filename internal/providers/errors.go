package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies API failures for the orchestrator's retry policy.
type ErrorKind string

const (
	KindRateLimit     ErrorKind = "rate_limit"
	KindAuth          ErrorKind = "auth_error"
	KindServer        ErrorKind = "server_error"
	KindContentFilter ErrorKind = "content_filter"
	KindTimeout       ErrorKind = "timeout"
	KindEmptyReply    ErrorKind = "empty_reply"
	KindAPI           ErrorKind = "api_error"
)

// APIError is the typed failure surfaced by the transport.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration // rate-limit cooldown hint
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the caller may retry with backoff.
func (e *APIError) Retryable() bool {
	return e.Kind == KindServer || e.Kind == KindTimeout
}

// HTTPError carries a raw non-200 response before taxonomy mapping.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, truncate(e.Body, 300))
}

// MapHTTPError converts a raw HTTP failure into the error taxonomy.
func MapHTTPError(e *HTTPError) *APIError {
	switch {
	case e.Status == http.StatusTooManyRequests:
		after := e.RetryAfter
		if after <= 0 {
			after = 60 * time.Second
		}
		return &APIError{Kind: KindRateLimit, Status: e.Status, Message: e.Body, RetryAfter: after}

	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		return &APIError{Kind: KindAuth, Status: e.Status, Message: e.Body}

	case e.Status == 500 || e.Status == 502 || e.Status == 503 || e.Status == 504:
		return &APIError{Kind: KindServer, Status: e.Status, Message: e.Body}

	case e.Status >= 400 && e.Status < 500 && looksLikeContentFilter(e.Body):
		return &APIError{Kind: KindContentFilter, Status: e.Status, Message: e.Body}

	default:
		return &APIError{Kind: KindAPI, Status: e.Status, Message: e.Body}
	}
}

func looksLikeContentFilter(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "safety") || strings.Contains(lower, "blocked")
}

// KindOf extracts the taxonomy kind from any error. Network failures and
// deadline expiry map to timeout; everything unrecognized maps to api_error.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindAPI
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "connection reset")
}

// ParseRetryAfter parses a Retry-After header (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
