package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and surfacing decisions. The task
// manager retries Transient errors, fails a version permanently on
// PermanentInput, and treats Cancelled as a clean stop rather than a failure.
type ErrorKind int

const (
	// KindTransient covers network timeouts, 5xx responses from model or
	// index endpoints, and lost leases. Retryable with backoff.
	KindTransient ErrorKind = iota
	// KindPermanentInput covers unparseable files, unsupported file types,
	// checksum mismatches and empty documents. Never retried.
	KindPermanentInput
	// KindPermission means the caller lacks rights. Never enqueued.
	KindPermission
	// KindInvariant marks a discovered inconsistency between stores. Logged
	// and surfaced to the cleanup candidate set, never auto-deleted.
	KindInvariant
	// KindCancelled is a cooperative stop. Not an error in the usual sense.
	KindCancelled
)

// String returns the taxonomy name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanentInput:
		return "permanent_input"
	case KindPermission:
		return "permission"
	case KindInvariant:
		return "invariant"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an underlying error with its taxonomy kind.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindTransient, Err: err}
}

// Transientf formats a retryable error.
func Transientf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// PermanentInput wraps err as a non-retryable input failure.
func PermanentInput(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindPermanentInput, Err: err}
}

// PermanentInputf formats a non-retryable input failure.
func PermanentInputf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindPermanentInput, Err: fmt.Errorf(format, args...)}
}

// Permission wraps err as an authorization failure.
func Permission(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindPermission, Err: err}
}

// Permissionf formats an authorization failure.
func Permissionf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindPermission, Err: fmt.Errorf(format, args...)}
}

// Invariant wraps err as a cross-store inconsistency.
func Invariant(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: KindInvariant, Err: err}
}

// Invariantf formats a cross-store inconsistency.
func Invariantf(format string, args ...interface{}) error {
	return &ClassifiedError{Kind: KindInvariant, Err: fmt.Errorf(format, args...)}
}

// ErrCancelled is returned by stage handlers when a cooperative cancel flag
// is observed at a checkpoint.
var ErrCancelled = &ClassifiedError{Kind: KindCancelled, Err: errors.New("task cancelled")}

// KindOf extracts the taxonomy kind from an error chain. Unclassified errors
// default to Transient so unknown failures stay retryable.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the task manager should retry after err.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsCancelled reports whether err is a cooperative cancellation.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled || errors.Is(err, ErrCancelled)
}
