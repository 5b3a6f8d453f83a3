// Package errs defines the error kinds shared across the driver-io core.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for propagation-policy decisions (retry,
// surface in reply, exclude device, etc).
type Kind int

const (
	// TransportTransient is a timeout, connection drop or single
	// failed read/write. Retried with exponential back-off.
	TransportTransient Kind = iota
	// TransportFatal means the device could not connect after retries.
	TransportFatal
	// DecodeMismatch is a structure/array shape or type disagreement
	// between a payload and the catalog.
	DecodeMismatch
	// GateViolation is a recipe write attempted against a closed gate.
	GateViolation
	// UpstreamError is a non-200 response from the HTTP recipe service.
	UpstreamError
	// ConfigError is a missing file, bad YAML, or missing CSV.
	ConfigError
	// Cancellation only occurs at process shutdown.
	Cancellation
)

func (k Kind) String() string {
	switch k {
	case TransportTransient:
		return "transport_transient"
	case TransportFatal:
		return "transport_fatal"
	case DecodeMismatch:
		return "decode_mismatch"
	case GateViolation:
		return "gate_violation"
	case UpstreamError:
		return "upstream_error"
	case ConfigError:
		return "config_error"
	case Cancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and optional context.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Message string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error with a message, no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error wrapping err.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
