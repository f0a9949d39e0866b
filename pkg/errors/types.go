// Package errors defines the structured error taxonomy shared by the
// extraction core. Every failure that crosses a component boundary is
// classified into a Kind so that retry policy, batch reporting, and health
// classification can act on it without string matching.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is a structured error classification.
type Kind string

const (
	// KindValidation marks a malformed input record. Never retried.
	KindValidation Kind = "validation"

	// KindAuthentication marks rejected credentials. Never retried.
	KindAuthentication Kind = "authentication"

	// KindSecondFactorExpired marks an OTP challenge that timed out
	// before the secret arrived.
	KindSecondFactorExpired Kind = "second_factor_expired"

	// KindSecondFactorRejected marks a portal rejecting a supplied OTP.
	KindSecondFactorRejected Kind = "second_factor_rejected"

	// KindTransientNetwork marks aborted navigations, connection resets
	// and similar failures that may succeed on retry.
	KindTransientNetwork Kind = "transient_network"

	// KindTimeout marks an operation that exceeded its deadline.
	KindTimeout Kind = "timeout"

	// KindNotFound marks a portal reporting no matching subject. A
	// legitimate terminal outcome, not a system fault.
	KindNotFound Kind = "not_found"

	// KindNotConfigured marks a missing credential or unknown integration.
	KindNotConfigured Kind = "not_configured"

	// KindPersistence marks a session store I/O failure.
	KindPersistence Kind = "persistence"

	// KindAdapterShape marks portal data the adapter could not parse.
	KindAdapterShape Kind = "adapter_shape"

	// KindInternal is the fallback for unclassified failures.
	KindInternal Kind = "internal"
)

// Error is the structured error carried across the core.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a structured error with the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: retryableByDefault(kind),
	}
}

// Newf creates a structured error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a kind and message. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       kind,
		Message:    message,
		Underlying: err,
		Retryable:  retryableByDefault(kind),
	}
}

// WithContext attaches a key-value pair for diagnostics.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the default retry classification.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Kind, e.Message))
	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}
	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}
	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// retryableByDefault encodes the retry policy of the taxonomy. Timeout is
// retryable subject to the pipeline's remaining budget.
func retryableByDefault(kind Kind) bool {
	switch kind {
	case KindTransientNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind from an error, unwrapping as needed. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
