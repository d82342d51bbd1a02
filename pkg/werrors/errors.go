// Package werrors defines the error kinds shared across webpub's core
// subsystems (chunking, archive, store, sync protocol, resolver).
package werrors

import (
	"fmt"
	"time"
)

// Code enumerates the error kinds named in the design.
type Code string

const (
	// IOFailure is a filesystem or transport failure.
	IOFailure Code = "IO_FAILURE"
	// Corrupt covers archive magic/version mismatch, failed msgpack
	// decode, or a dangling chunk reference.
	Corrupt Code = "CORRUPT"
	// Unauthorized is a missing or unknown sync token.
	Unauthorized Code = "UNAUTHORIZED"
	// CommitRejected means the committed tree references chunks the
	// store does not have.
	CommitRejected Code = "COMMIT_REJECTED"
	// NotFound is an HTTP-level site or path miss.
	NotFound Code = "NOT_FOUND"
)

// Error is the error type returned across package boundaries. It carries a
// Code so callers can branch on kind with errors.As instead of string
// matching, and a Retryable hint.
type Error struct {
	Code      Code
	Message   string
	Cause     error
	Retryable bool
	Timestamp time.Time
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(code Code, retryable bool, format string, args ...interface{}) *Error {
	return &Error{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// wrap annotates cause with a Code, matching the message format used
// elsewhere for this code.
func wrap(code Code, retryable bool, cause error, format string, args ...interface{}) *Error {
	e := new_(code, retryable, format, args...)
	e.Cause = cause
	return e
}

// NewIOFailure builds an IOFailure error.
func NewIOFailure(cause error, format string, args ...interface{}) *Error {
	return wrap(IOFailure, true, cause, format, args...)
}

// NewCorrupt builds a Corrupt error.
func NewCorrupt(format string, args ...interface{}) *Error {
	return new_(Corrupt, false, format, args...)
}

// NewUnauthorized builds an Unauthorized error.
func NewUnauthorized(format string, args ...interface{}) *Error {
	return new_(Unauthorized, false, format, args...)
}

// NewCommitRejected builds a CommitRejected error.
func NewCommitRejected(format string, args ...interface{}) *Error {
	return new_(CommitRejected, true, format, args...)
}

// NewNotFound builds a NotFound error.
func NewNotFound(format string, args ...interface{}) *Error {
	return new_(NotFound, false, format, args...)
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if we, ok := err.(*Error); ok {
			e = we
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Code == code
}
