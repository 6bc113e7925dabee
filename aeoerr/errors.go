// Package aeoerr classifies collector failures: one sentinel per error
// kind, a wrapping struct that carries attempt/context, and errors.Is-based
// predicates used by the retry layer and the orchestrator's aggregation.
package aeoerr

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind.
var (
	ErrConfigurationMissing = errors.New("configuration missing")
	ErrAuth                 = errors.New("authentication failed")
	ErrInvalidInput         = errors.New("invalid input")
	ErrTimeout              = errors.New("timeout")
	ErrTransport            = errors.New("transport error")
	ErrParseError           = errors.New("parse error")
	ErrEmptyResponse        = errors.New("empty response")
	ErrPayloadTooLarge      = errors.New("payload too large")
	ErrCircuitOpen          = errors.New("circuit open")
	ErrUnknown              = errors.New("unknown error")
)

// retryableByKind decides which kinds the retry layer may re-attempt.
// Parse errors stay retryable so async snapshots can be re-polled.
var retryableByKind = map[error]bool{
	ErrConfigurationMissing: false,
	ErrAuth:                 false,
	ErrInvalidInput:         false,
	ErrTimeout:              true,
	ErrTransport:            true,
	ErrParseError:           true,
	ErrEmptyResponse:        true,
	ErrPayloadTooLarge:      false,
	ErrCircuitOpen:          false,
	ErrUnknown:              true,
}

// CollectorError wraps a sentinel kind with the attempt number, structured
// context, and the original cause, preserved through the fallback chain for
// durable error_metadata.
type CollectorError struct {
	Kind      error
	Message   string
	Context   map[string]interface{}
	Attempt   int
	Retryable bool
	Cause     error
}

func (e *CollectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (attempt %d): %v", e.Kind, e.Message, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("%s: %s (attempt %d)", e.Kind, e.Message, e.Attempt)
}

func (e *CollectorError) Unwrap() error {
	return e.Kind
}

// Is lets errors.Is(err, aeoerr.ErrTransport) match a *CollectorError whose
// Kind is ErrTransport (or one of its wrapped causes), without requiring
// Unwrap to walk through Cause as well.
func (e *CollectorError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// New builds a CollectorError for the given taxonomy kind.
func New(kind error, message string, attempt int, cause error) *CollectorError {
	return &CollectorError{
		Kind:      kind,
		Message:   message,
		Attempt:   attempt,
		Retryable: retryableByKind[kind],
		Cause:     cause,
	}
}

// WithContext attaches structured context fields (provider name, collector
// type, HTTP status, ...) used for logging and durable error_metadata.
func (e *CollectorError) WithContext(ctx map[string]interface{}) *CollectorError {
	e.Context = ctx
	return e
}

// IsRetryable reports whether err should be retried. Unclassified errors
// default to true (kind Unknown).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ce *CollectorError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	for kind, retryable := range retryableByKind {
		if errors.Is(err, kind) {
			return retryable
		}
	}
	return true
}

// IsConfigurationError reports whether err stems from missing credentials
// or dataset configuration (never retried, never treated as a transient
// backend fault).
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrConfigurationMissing)
}

// IsCircuitOpen reports whether err originated from a circuit breaker
// rejection.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsAuthError reports whether err is an authentication/authorization failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}

// Kind returns the taxonomy sentinel for err, defaulting to ErrUnknown.
func Kind(err error) error {
	var ce *CollectorError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for kind := range retryableByKind {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrUnknown
}
