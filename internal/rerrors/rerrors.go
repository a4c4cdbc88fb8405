// Package rerrors implements the error taxonomy described in spec §7:
// every failure surfaced out of the core is classified into one of a
// fixed set of kinds, each carrying whether it is safe to retry.
package rerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure the way spec §7's error table does.
type Kind string

const (
	KindValidation    Kind = "validation_error"
	KindExecution     Kind = "execution_error"
	KindTimedOut      Kind = "timed_out"
	KindWorkerCrash   Kind = "worker_crash"
	KindCircuitOpen   Kind = "circuit_open"
	KindIpc           Kind = "ipc_error"
	KindNetwork       Kind = "network_error"
	KindHttpStatus    Kind = "http_status_error"
	KindFormat        Kind = "format_error"
	KindFilesystem    Kind = "filesystem_error"
	KindScheduleParse Kind = "schedule_parse_error"
	KindCapacity      Kind = "capacity_error"
)

// retryable is the default retry classification per spec §7; callers
// can still override per-instance with WithRetryable when a specific
// occurrence differs from the default (e.g. a 4xx HttpStatus is not
// retryable but a 5xx is).
var retryable = map[Kind]bool{
	KindValidation:    false,
	KindExecution:     false,
	KindTimedOut:      true,
	KindWorkerCrash:   true,
	KindCircuitOpen:   true,
	KindIpc:           true,
	KindNetwork:       true,
	KindHttpStatus:    false,
	KindFormat:        false,
	KindFilesystem:    false,
	KindScheduleParse: false,
	KindCapacity:      true,
}

// Error is a classified, stack-wrapped failure.
type Error struct {
	Kind      Kind
	Source    string // component that raised it: "engine", "pool", "dispatcher", ...
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error wrapping cause, with the default
// retryability for kind. cause may be nil.
func New(kind Kind, source string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Source: source, Retryable: retryable[kind], cause: wrapped}
}

// Newf creates a classified error from a formatted message.
func Newf(kind Kind, source, format string, args ...any) *Error {
	return New(kind, source, fmt.Errorf(format, args...))
}

// WithRetryable overrides the default retry classification for this
// specific instance.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// As extracts the *Error classification from err, if present.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsRetryable reports whether err, if classified, is retryable. An
// unclassified error is treated as non-retryable: callers must
// explicitly classify anything they want retried.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

// KindOf returns the Kind of err, or "" if err is not a classified error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
