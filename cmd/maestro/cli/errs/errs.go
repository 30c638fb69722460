// Package errs defines the single error taxonomy used across the runtime.
//
// Every error crossing the coordinator boundary is an *Error carrying a Kind;
// transports map the Kind to a wire code. Inside the core, errors wrap their
// cause with fmt.Errorf("%w", ...) so errors.Is/As work through the chain.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport serialisation and caller branching.
type Kind int

const (
	// KindInternal is an invariant violation. Logged with context; never
	// expected in normal operation.
	KindInternal Kind = iota

	// KindNotFound covers missing binaries, sessions, projects, checkpoints.
	KindNotFound

	// KindInvalidArgument covers malformed input (non-absolute project path,
	// empty prompt, bad session ID).
	KindInvalidArgument

	// KindBusySession is returned when an operation requires an idle session
	// but the session has a running child.
	KindBusySession

	// KindIOFailure covers filesystem and pipe errors.
	KindIOFailure

	// KindProcessSpawnFailure is the spawn-specific sub-case of IO failure.
	KindProcessSpawnFailure

	// KindCheckpointIO is a content-pool or checkpoint metadata write failure.
	KindCheckpointIO

	// KindRestoration is one or more per-file restore failures.
	KindRestoration

	// KindTimelineCorruption means the serialised timeline failed to parse;
	// the engine refuses further writes until repaired.
	KindTimelineCorruption

	// KindCancelled means the operation was aborted by shutdown.
	KindCancelled
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindBusySession:
		return "busy_session"
	case KindIOFailure:
		return "io_failure"
	case KindProcessSpawnFailure:
		return "process_spawn_failure"
	case KindCheckpointIO:
		return "checkpoint_io_error"
	case KindRestoration:
		return "restoration_error"
	case KindTimelineCorruption:
		return "timeline_corruption"
	case KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// Error is the tagged error value crossing the coordinator boundary.
type Error struct {
	Kind    Kind
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// Is treats two *Error values with the same Kind as equivalent, so callers
// can branch with errors.Is(err, errs.NotFound("")).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// InvalidArgument creates an invalid-argument error.
func InvalidArgument(message string) *Error {
	return New(KindInvalidArgument, message)
}

// BusySession creates a busy-session error.
func BusySession(message string) *Error {
	return New(KindBusySession, message)
}

// IOFailure wraps a filesystem or pipe error.
func IOFailure(message string, err error) *Error {
	return Wrap(KindIOFailure, message, err)
}

// SpawnFailure wraps a process-spawn error.
func SpawnFailure(message string, err error) *Error {
	return Wrap(KindProcessSpawnFailure, message, err)
}

// CheckpointIO wraps a content-pool or checkpoint metadata write failure.
func CheckpointIO(message string, err error) *Error {
	return Wrap(KindCheckpointIO, message, err)
}

// Restoration wraps a per-file restore failure, recording the path.
func Restoration(path string, err error) *Error {
	return Wrap(KindRestoration, fmt.Sprintf("restoring %s", path), err)
}

// TimelineCorruption wraps a timeline parse failure.
func TimelineCorruption(message string, err error) *Error {
	return Wrap(KindTimelineCorruption, message, err)
}

// Internal creates an internal invariant-violation error.
func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// KindOf extracts the Kind from any error in the chain.
// Unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
