// Package coreerrors defines the typed error taxonomy the repair core
// uses to surface failures to its callers (TUI, CLI, federation layer).
// Errors are structured objects with a kind tag, a human-readable
// message, and a context map; the core never writes them to stdout or
// stderr itself.
package coreerrors

import "fmt"

// Kind identifies one of the error categories from the error taxonomy.
type Kind string

const (
	KindParseError         Kind = "parse_error"
	KindInvariantViolation Kind = "invariant_violation"
	KindValidationFailure  Kind = "validation_failure"
	KindStorageError       Kind = "storage_error"
	KindConcurrencyError   Kind = "concurrency_error"
	KindConfigError        Kind = "config_error"
	KindCancelled          Kind = "cancelled"
)

// Error is the structured error type returned across the core's public
// surface. It is never presented to an end user directly; collaborators
// decide presentation.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

// New creates an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps an underlying cause.
func Wrap(cause error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Wrapf creates an Error wrapping a cause with a formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetail adds a single context key/value and returns the same Error
// (modifies in place, mirroring the teacher pattern's WithDetails).
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges a context map into the error and returns it.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	ae, ok := err.(*Error)
	if !ok {
		return false
	}
	return ae.Kind == kind
}

// ExitCode maps the error's kind to the process exit codes of the
// external-interfaces contract: 0 success, 1 generic failure, 2 invalid
// input, 3 validation failure, 4 I/O failure, 5 concurrency/timeout.
func (e *Error) ExitCode() int {
	switch e.Kind {
	case KindParseError, KindConfigError:
		return 2
	case KindValidationFailure:
		return 3
	case KindStorageError:
		return 4
	case KindConcurrencyError:
		return 5
	case KindInvariantViolation, KindCancelled:
		return 1
	default:
		return 1
	}
}

// Convenience constructors mirroring common call sites.

func ParseError(message string, cause error) *Error {
	return Wrap(cause, KindParseError, message)
}

func InvariantViolation(message string) *Error {
	return New(KindInvariantViolation, message)
}

func ValidationFailure(message string) *Error {
	return New(KindValidationFailure, message)
}

func StorageError(message string, cause error) *Error {
	return Wrap(cause, KindStorageError, message)
}

func ConcurrencyError(message string) *Error {
	return New(KindConcurrencyError, message)
}

func ConfigError(message string) *Error {
	return New(KindConfigError, message)
}

func Cancelled() *Error {
	return New(KindCancelled, "operation cancelled")
}
