// Package entropyerr defines the typed error kinds shared by every component
// of the transactional package lifecycle core.
//
// The source this system was distilled from raises a small zoo of exception
// types (DependenciesNotFound, DependenciesCollision, DependenciesNotRemovable,
// EntropyPackageException, ...) and lets callers catch by type. Re-architected
// per the design notes, there is exactly one error type here, Error, carrying
// a Kind and a wrapped cause. Callers switch on Kind instead of on Go type,
// and the orchestrator is the only place a Kind becomes a user-visible
// Outcome.
package entropyerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error without reference to where it originated.
type Kind int

const (
	// Internal marks a kind that was never set; treated as InternalError.
	Internal Kind = iota
	// Parse is a bad atom or dependency-spec string.
	Parse
	// NotFound is a missing package, file, or repository.
	NotFound
	// Collision is two candidates that cannot coexist.
	Collision
	// NotRemovable is a system-critical removal target.
	NotRemovable
	// ChecksumMismatch is an artifact that failed digest verification.
	ChecksumMismatch
	// SignatureMismatch is an artifact that failed GPG verification.
	SignatureMismatch
	// DiskFull is insufficient headroom on a target filesystem.
	DiskFull
	// PermissionDenied covers both filesystem permission errors and
	// cooperative-cancellation refusals.
	PermissionDenied
	// LockBusy means a peer holds an incompatible resource lock.
	LockBusy
	// IoError is any other filesystem or network I/O failure.
	IoError
	// Aborted means the orchestrator's interrupt flag was observed.
	Aborted
	// InvalidArchitecture is an artifact built for the wrong host arch.
	InvalidArchitecture
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "Parse"
	case NotFound:
		return "NotFound"
	case Collision:
		return "Collision"
	case NotRemovable:
		return "NotRemovable"
	case ChecksumMismatch:
		return "ChecksumMismatch"
	case SignatureMismatch:
		return "SignatureMismatch"
	case DiskFull:
		return "DiskFull"
	case PermissionDenied:
		return "PermissionDenied"
	case LockBusy:
		return "LockBusy"
	case IoError:
		return "IoError"
	case Aborted:
		return "Aborted"
	case InvalidArchitecture:
		return "InvalidArchitecture"
	default:
		return "InternalError"
	}
}

// Error is the single error type every component returns. Cause is the
// underlying, possibly nil, error that triggered it; Wrap preserves it so
// %+v still prints a full stack via github.com/pkg/errors.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As (and github.com/pkg/errors.Cause) to see
// through to the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around an existing error, attaching a stack trace to
// causes that don't already carry one.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, and
// returns InternalError otherwise. The orchestrator's outcome translation
// uses it to map kinds to outcomes; the engine and the fetcher also call it
// to branch on a kind internally.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
