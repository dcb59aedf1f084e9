// Package apierr defines the error taxonomy shared by the quota governor,
// scheduler, circuit breaker and HTTP layer. Every failure a caller can see
// maps to one Error value with a category, a stable code, an HTTP status and
// a retryability flag, so callers can pick the right backoff: quota denials
// should wait for the next quota epoch, circuit-open should honor the
// breaker cool-down, terminal upstream errors should not be retried at all.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Category string

const (
	CategoryQuota       Category = "quota"
	CategoryValidation  Category = "validation"
	CategoryNotFound    Category = "not_found"
	CategoryTimeout     Category = "timeout"
	CategoryCircuit     Category = "circuit_breaker"
	CategoryUpstream    Category = "external_api"
	CategoryInternal    Category = "internal"
	CategoryUnavailable Category = "unavailable"
)

type Error struct {
	Category   Category `json:"category"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	HTTPStatus int      `json:"-"`
	Retryable  bool     `json:"retryable"`
	// RetryAfter is a hint in seconds, set for circuit-open denials.
	RetryAfter int `json:"retry_after,omitempty"`
	// Billable marks upstream failures that still consumed upstream
	// capacity; the quota charge stands for those.
	Billable bool `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Denial reasons. None of these consumed quota except where noted.

func QuotaExceeded(tenantID string) *Error {
	return &Error{
		Category:   CategoryQuota,
		Code:       "QUOTA_EXCEEDED",
		Message:    fmt.Sprintf("insufficient quota for tenant %s", tenantID),
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

func TenantPaused(tenantID string) *Error {
	return &Error{
		Category:   CategoryQuota,
		Code:       "TENANT_PAUSED",
		Message:    fmt.Sprintf("tenant %s is paused", tenantID),
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  false,
	}
}

// BronzeReserve is returned when bronze traffic is shed to protect the
// global reserve for gold and silver tenants.
func BronzeReserve(tenantID string) *Error {
	return &Error{
		Category:   CategoryQuota,
		Code:       "BRONZE_RESERVE",
		Message:    fmt.Sprintf("bronze tier throttled for tenant %s: global quota below reserve threshold", tenantID),
		HTTPStatus: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

func QueueFull() *Error {
	return &Error{
		Category:   CategoryUnavailable,
		Code:       "QUEUE_FULL",
		Message:    "scheduler queue is full",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

func CircuitOpen(retryAfter time.Duration) *Error {
	return &Error{
		Category:   CategoryCircuit,
		Code:       "CIRCUIT_OPEN",
		Message:    "upstream temporarily unavailable (circuit breaker open)",
		HTTPStatus: http.StatusServiceUnavailable,
		Retryable:  true,
		RetryAfter: int(retryAfter.Seconds()),
	}
}

func Timeout(msg string) *Error {
	return &Error{
		Category:   CategoryTimeout,
		Code:       "TIMEOUT",
		Message:    msg,
		HTTPStatus: http.StatusGatewayTimeout,
		Retryable:  true,
	}
}

func Canceled() *Error {
	return &Error{
		Category:   CategoryTimeout,
		Code:       "CANCELED",
		Message:    "operation canceled before dispatch",
		HTTPStatus: http.StatusBadRequest,
		Retryable:  false,
	}
}

func Validation(msg string) *Error {
	return &Error{
		Category:   CategoryValidation,
		Code:       "VALIDATION_ERROR",
		Message:    msg,
		HTTPStatus: http.StatusBadRequest,
		Retryable:  false,
	}
}

func NotFound(resource string) *Error {
	return &Error{
		Category:   CategoryNotFound,
		Code:       "NOT_FOUND",
		Message:    resource + " not found",
		HTTPStatus: http.StatusNotFound,
		Retryable:  false,
	}
}

func Internal(msg string) *Error {
	return &Error{
		Category:   CategoryInternal,
		Code:       "INTERNAL_ERROR",
		Message:    msg,
		HTTPStatus: http.StatusInternalServerError,
		Retryable:  false,
	}
}

// UpstreamTransient is a retryable upstream failure (5xx, deadline,
// resource exhaustion) that did not bill quota; the reservation is refunded.
func UpstreamTransient(msg string) *Error {
	return &Error{
		Category:   CategoryUpstream,
		Code:       "UPSTREAM_TRANSIENT",
		Message:    msg,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  true,
	}
}

// UpstreamTerminal is a non-retryable upstream failure (invalid argument,
// rejected mutation) that still consumed upstream capacity; the quota
// charge stands.
func UpstreamTerminal(msg string) *Error {
	return &Error{
		Category:   CategoryUpstream,
		Code:       "UPSTREAM_TERMINAL",
		Message:    msg,
		HTTPStatus: http.StatusBadGateway,
		Retryable:  false,
		Billable:   true,
	}
}

// upstreamCodes maps upstream API error codes to constructors, mirroring
// the ads API error surface.
var transientUpstreamCodes = map[string]bool{
	"RESOURCE_EXHAUSTED": true,
	"RATE_LIMIT_ERROR":   true,
	"QUOTA_ERROR":        true,
	"DEADLINE_EXCEEDED":  true,
	"UNAVAILABLE":        true,
	"INTERNAL_ERROR":     true,
}

// MapUpstream converts an upstream error code and message into the taxonomy.
func MapUpstream(code, msg string) *Error {
	if transientUpstreamCodes[code] {
		return UpstreamTransient(fmt.Sprintf("%s: %s", code, msg))
	}
	return UpstreamTerminal(fmt.Sprintf("%s: %s", code, msg))
}

// From extracts the *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err.Error())
}

// Refundable reports whether a post-admission failure should refund its
// quota reservation. Only non-billable failures qualify: the upstream call
// either never happened (circuit open, timeout) or failed without consuming
// capacity (transient 5xx).
func Refundable(err error) bool {
	e := From(err)
	return !e.Billable
}

// IsDenial reports whether err is an admission denial, meaning the
// operation was never charged and never executed.
func IsDenial(err error) bool {
	e := From(err)
	return e.Category == CategoryQuota || e.Code == "QUEUE_FULL"
}
