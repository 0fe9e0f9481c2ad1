package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode categorizes every error surfaced by the storage layer.
type ErrorCode string

const (
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeVersionConflict    ErrorCode = "VERSION_CONFLICT"
	CodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
)

// Error is the typed error returned by every public operation.
//
// Match a category with errors.Is against the sentinels below; use errors.As
// to read Op, Key and, for version conflicts, Expected and Actual.
type Error struct {
	Code    ErrorCode
	Op      string
	Key     string
	Message string

	// Expected and Actual are set on VERSION_CONFLICT.
	Expected int64
	Actual   int64

	Err error
}

// Sentinels for errors.Is. Only Code is compared.
var (
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrVersionConflict    = &Error{Code: CodeVersionConflict}
	ErrInvalidTransition  = &Error{Code: CodeInvalidTransition}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrBackendUnavailable = &Error{Code: CodeBackendUnavailable}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Op != "" {
		b.WriteString(" in " + e.Op)
	}
	if e.Key != "" {
		b.WriteString(" (" + e.Key + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NotFound builds a NOT_FOUND error.
func NotFound(op, key string) error {
	return &Error{Code: CodeNotFound, Op: op, Key: key}
}

// Conflict builds a CONFLICT error.
func Conflict(op, key, msg string) error {
	return &Error{Code: CodeConflict, Op: op, Key: key, Message: msg}
}

// VersionConflict builds a VERSION_CONFLICT error.
func VersionConflict(op, key string, expected, actual int64) error {
	return &Error{
		Code:     CodeVersionConflict,
		Op:       op,
		Key:      key,
		Message:  fmt.Sprintf("expected version %d, current version %d", expected, actual),
		Expected: expected,
		Actual:   actual,
	}
}

// InvalidTransition builds an INVALID_TRANSITION error.
func InvalidTransition(op, id string, from, to ActionStatus) error {
	return &Error{
		Code:    CodeInvalidTransition,
		Op:      op,
		Key:     id,
		Message: fmt.Sprintf("cannot transition from %s to %s", from, to),
	}
}

// Timeout wraps err as TIMEOUT.
func Timeout(op string, err error) error {
	return &Error{Code: CodeTimeout, Op: op, Err: err}
}

// Unavailable wraps err as BACKEND_UNAVAILABLE.
func Unavailable(op string, err error) error {
	return &Error{Code: CodeBackendUnavailable, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a caller may retry err with backoff.
// Conflicts, missing rows and invalid transitions are never retryable.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeBackendUnavailable:
		return true
	}
	return false
}

// Wrap translates a raw backend error into the taxonomy.
// Typed errors and the caller's own cancellation pass through unchanged. A
// missed deadline is TIMEOUT; anything else that is not a unique violation is
// reported as BACKEND_UNAVAILABLE so that no public operation returns a bare
// driver error.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(op, err)
	}
	if isUniqueViolation(err) {
		return &Error{Code: CodeConflict, Op: op, Err: err}
	}
	return Unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "constraint failed: unique") ||
		strings.Contains(msg, "sqlstate 23505") ||
		strings.Contains(msg, "duplicate key value")
}

// Error class labels used by metrics.
const (
	ClassNotFound          = "not_found"
	ClassConflict          = "conflict"
	ClassVersionConflict   = "version_conflict"
	ClassInvalidTransition = "invalid_transition"
	ClassTimeout           = "timeout"
	ClassUnavailable       = "unavailable"
	ClassNetwork           = "network"
	ClassCanceled          = "canceled"
	ClassUnknown           = "unknown"
)

// Classify returns a stable, payload-free label for err.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	switch CodeOf(err) {
	case CodeNotFound:
		return ClassNotFound
	case CodeConflict:
		return ClassConflict
	case CodeVersionConflict:
		return ClassVersionConflict
	case CodeInvalidTransition:
		return ClassInvalidTransition
	case CodeTimeout:
		return ClassTimeout
	case CodeBackendUnavailable:
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			return ClassNetwork
		}
		return ClassUnavailable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return ClassNetwork
	}
	return ClassUnknown
}
