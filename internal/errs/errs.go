// Package errs defines the error taxonomy shared by every component of the
// namespace execution engine. Component boundaries translate underlying
// errors (I/O failures, CRC mismatches, CAS conflicts, ...) into one of
// these kinds so the API and CLI surfaces can map errors to a status code
// or exit code without string-sniffing.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the taxonomy of errors recognized at component boundaries.
type Kind int

const (
	// Internal indicates an invariant violation that should be impossible.
	Internal Kind = iota
	// Validation indicates a malformed request: bad id, dim mismatch,
	// unknown field, unsupported metric.
	Validation
	// NotFound indicates an unknown namespace or missing object-store asset.
	NotFound
	// Consistency indicates the WAL high-water mark stayed below a
	// requested min_wal_sequence after a refresh.
	Consistency
	// Conflict indicates a manifest optimistic-concurrency failure.
	Conflict
	// Corruption indicates a CRC mismatch, malformed header, or absent
	// magic bytes.
	Corruption
	// Misrouted indicates a write addressed to a non-owner indexer.
	Misrouted
	// Unavailable indicates a retriable underlying storage/IO failure.
	Unavailable
	// Timeout indicates a deadline was exceeded.
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Consistency:
		return "consistency"
	case Conflict:
		return "conflict"
	case Corruption:
		return "corruption"
	case Misrouted:
		return "misrouted"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error is a taxonomy-tagged error. It wraps an underlying cause (if any)
// using github.com/pkg/errors so callers retain a stack trace at the point
// the taxonomy was attached.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error with no wrapped cause.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy kind to an existing error, preserving it as the
// cause with a stack recorded by errors.WithStack. Error has no Format
// method, so %+v prints the messages only, not that stack.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return New(kind, format, args...)
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, or Internal if none is attached.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
