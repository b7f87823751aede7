// Package llmerrors defines the error taxonomy shared by every subsystem of
// the runtime. Errors carry a kind tag and a recoverability classification so
// callers (and retry policies) can branch on them without string matching.
package llmerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags an error with its taxonomy class.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindValidation     Kind = "validation"
	KindConfiguration  Kind = "configuration"
	KindProcessing     Kind = "processing"
	KindContext        Kind = "context"
	KindUnknown        Kind = "unknown"
)

// Error is the taxonomy error carrier. Context holds structured key/value
// detail (endpoint, field, operation) for logs and trace events.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	Cause   error

	// RetryAfter is set on rate-limit errors when the provider supplied a
	// Retry-After hint. Zero means no hint.
	RetryAfter time.Duration

	recoverable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Recoverable reports whether a retry policy may re-attempt the operation.
func (e *Error) Recoverable() bool { return e.recoverable }

// Is matches errors by kind, so callers can write
// errors.Is(err, &Error{Kind: KindRateLimit}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithCause attaches an underlying cause and returns the same error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithContext attaches a key/value pair and returns the same error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(kind Kind, recoverable bool, message string, cause error) *Error {
	return &Error{
		Kind:        kind,
		Message:     message,
		Cause:       cause,
		recoverable: recoverable,
	}
}

// NewAuthentication reports a rejected credential (HTTP 401/403). Not
// recoverable: retrying with the same key cannot succeed.
func NewAuthentication(provider, message string) *Error {
	return newError(KindAuthentication, false, message, nil).
		WithContext("provider", provider)
}

// NewRateLimit reports provider throttling (HTTP 429). retryAfter may be
// zero when the provider gave no hint.
func NewRateLimit(provider string, retryAfter time.Duration) *Error {
	e := newError(KindRateLimit, true, "rate limited by provider", nil).
		WithContext("provider", provider)
	e.RetryAfter = retryAfter
	return e
}

// NewNetwork reports a transport failure (connect, reset, 5xx).
func NewNetwork(endpoint string, cause error) *Error {
	return newError(KindNetwork, true, "network request failed", cause).
		WithContext("endpoint", endpoint)
}

// NewTimeout reports an exceeded deadline for the named operation.
func NewTimeout(op string, elapsed time.Duration) *Error {
	return newError(KindTimeout, true, fmt.Sprintf("%s timed out after %s", op, elapsed), nil).
		WithContext("operation", op)
}

// NewValidation reports malformed input. violations lists the individual
// problems found on the field.
func NewValidation(field string, violations ...string) *Error {
	return newError(KindValidation, false, fmt.Sprintf("invalid %s", field), nil).
		WithContext("field", field).
		WithContext("violations", violations)
}

// NewConfiguration reports missing or inconsistent bootstrap configuration.
func NewConfiguration(missingKeys ...string) *Error {
	return newError(KindConfiguration, false, "invalid configuration", nil).
		WithContext("missing_keys", missingKeys)
}

// NewProcessing reports a failure inside a named processing stage. Whether
// it is recoverable depends on the stage; callers decide via the flag.
func NewProcessing(stage, message string, recoverable bool) *Error {
	return newError(KindProcessing, recoverable, message, nil).
		WithContext("stage", stage)
}

// NewContextError reports that the context pipeline could not fit the
// conversation inside the token budget.
func NewContextError(reason string) *Error {
	return newError(KindContext, false, reason, nil)
}

// NewUnknown wraps an unclassified failure.
func NewUnknown(cause error) *Error {
	return newError(KindUnknown, false, "unexpected error", cause)
}

// KindOf extracts the taxonomy kind from an arbitrary error chain.
// Errors outside the taxonomy report KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRecoverable reports whether the error chain contains a recoverable
// taxonomy error. Unclassified errors are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.recoverable
	}
	return false
}

// RetryAfterHint returns the provider-supplied retry delay, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}
