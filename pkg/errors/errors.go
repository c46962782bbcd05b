// Package errors defines the typed error kinds surfaced by the resilience
// core. Every error crossing a component boundary is an *Error carrying a
// Kind; the orchestrator absorbs per-source kinds and only AllSourcesFailed
// escapes when no candidate succeeds.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error
type Kind int

const (
	// KindUnknown indicates an unclassified error
	KindUnknown Kind = iota
	// KindValidation indicates a malformed request or configuration
	KindValidation
	// KindUnknownSource indicates a source id with no registration
	KindUnknownSource
	// KindRateLimitExceeded indicates a saturated rate-limit window
	KindRateLimitExceeded
	// KindCircuitOpen indicates the source's circuit breaker is open
	KindCircuitOpen
	// KindTimeout indicates a deadline was exceeded
	KindTimeout
	// KindCancelled indicates the caller cancelled the request
	KindCancelled
	// KindAdapter indicates an upstream fetch or parse problem
	KindAdapter
	// KindAllSourcesFailed indicates every candidate source failed
	KindAllSourcesFailed
	// KindComplianceViolation indicates a policy or license veto
	KindComplianceViolation
	// KindFusionInfeasible indicates the fused result failed validation
	KindFusionInfeasible
)

// String returns the wire name of the kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindUnknownSource:
		return "unknown_source"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindAdapter:
		return "adapter_error"
	case KindAllSourcesFailed:
		return "all_sources_failed"
	case KindComplianceViolation:
		return "compliance_violation"
	case KindFusionInfeasible:
		return "fusion_infeasible"
	default:
		return "unknown"
	}
}

// SourceFailure records the failure kind of one source inside AllSourcesFailed
type SourceFailure struct {
	SourceID string `json:"source_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message,omitempty"`
}

// Error is the single error type used across component boundaries
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`

	// SourceID is set for per-source errors
	SourceID string `json:"source_id,omitempty"`
	// RetryAfter is set for rate-limit errors
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	// NextAttemptAt is set for circuit-open errors
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
	// Reasons is set for compliance violations
	Reasons []string `json:"reasons,omitempty"`
	// PerSource is set for all-sources-failed errors
	PerSource []SourceFailure `json:"per_source,omitempty"`

	cause error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("[%s] source %s: %s", e.Kind, e.SourceID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.cause
}

// Validation creates a validation error
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// UnknownSource creates an unknown-source error
func UnknownSource(sourceID string) *Error {
	return &Error{Kind: KindUnknownSource, SourceID: sourceID, Message: "source is not registered"}
}

// RateLimitExceeded creates a rate-limit error with a retry hint
func RateLimitExceeded(sourceID string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindRateLimitExceeded,
		SourceID:   sourceID,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter),
	}
}

// CircuitOpen creates a circuit-open error
func CircuitOpen(sourceID string, nextAttemptAt time.Time) *Error {
	return &Error{
		Kind:          KindCircuitOpen,
		SourceID:      sourceID,
		NextAttemptAt: nextAttemptAt,
		Message:       "circuit breaker is open",
	}
}

// Timeout creates a timeout error
func Timeout(sourceID string) *Error {
	return &Error{Kind: KindTimeout, SourceID: sourceID, Message: "deadline exceeded"}
}

// Cancelled creates a cancellation error
func Cancelled() *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled"}
}

// Adapter wraps an upstream adapter failure
func Adapter(sourceID string, cause error) *Error {
	msg := "adapter call failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindAdapter, SourceID: sourceID, Message: msg, cause: cause}
}

// AllSourcesFailed aggregates per-source failures
func AllSourcesFailed(failures []SourceFailure) *Error {
	return &Error{
		Kind:      KindAllSourcesFailed,
		Message:   fmt.Sprintf("all %d candidate sources failed", len(failures)),
		PerSource: failures,
	}
}

// ComplianceViolation creates a compliance veto error
func ComplianceViolation(sourceID string, reasons []string) *Error {
	return &Error{
		Kind:     KindComplianceViolation,
		SourceID: sourceID,
		Reasons:  reasons,
		Message:  "source is not compliant",
	}
}

// FusionInfeasible creates a fusion validation error
func FusionInfeasible(format string, args ...interface{}) *Error {
	return &Error{Kind: KindFusionInfeasible, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
// Context errors are folded into the timeout/cancelled kinds.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// IsValidation returns true for validation errors
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsRateLimited returns true for rate-limit errors
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimitExceeded }

// IsCircuitOpen returns true for circuit-open errors
func IsCircuitOpen(err error) bool { return KindOf(err) == KindCircuitOpen }

// IsTimeout returns true for timeout errors
func IsTimeout(err error) bool { return KindOf(err) == KindTimeout }

// IsCancelled returns true for cancellation errors
func IsCancelled(err error) bool { return KindOf(err) == KindCancelled }

// IsComplianceViolation returns true for compliance vetoes
func IsComplianceViolation(err error) bool { return KindOf(err) == KindComplianceViolation }

// IsTerminal reports whether the orchestrator must not retry this error
func IsTerminal(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindComplianceViolation, KindUnknownSource, KindCancelled:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the facade's HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnknownSource:
		return http.StatusNotFound
	case KindComplianceViolation:
		return http.StatusUnprocessableEntity
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindAllSourcesFailed:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
