// Package apperr defines the error taxonomy shared by the escrow, payment and
// compliance services and used by pkg/response to pick HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation covers bad input shape, party/amount mismatch and unknown milestones.
	KindValidation
	// KindNotFound covers absent trades, escrows, payments and verifications.
	KindNotFound
	// KindUpstream covers unreachable, failing or timed out payment/compliance services.
	// The whole operation is safe to retry.
	KindUpstream
	// KindSignature covers webhook authentication failures.
	KindSignature
	// KindConflict covers transitions that the current escrow state forbids.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindSignature:
		return "signature"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func Signature(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSignature, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps err as an upstream failure. An err that is already an
// upstream failure is returned unchanged so the original action is kept.
func Upstream(err error, format string, args ...interface{}) *Error {
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == KindUpstream {
		return existing
	}
	return &Error{Kind: KindUpstream, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
