package etwmain

import (
	"errors"
	"fmt"

	"etw_listener/internal/etw/tracing"
)

var (
	// ErrResourceExhausted matches every ResourceExhaustedError.
	ErrResourceExhausted = errors.New("insufficient system resources")

	// ErrJoinTimeout is logged when the dispatch goroutine does not exit
	// within the join timeout. End continues the teardown regardless.
	ErrJoinTimeout = errors.New("timed out waiting for the dispatch goroutine")

	// ErrNotTracing is returned by operations that need a running session.
	ErrNotTracing = errors.New("session is not tracing")
)

// NativeError is a failed tracing call. It unwraps to the tracing.Errno.
type NativeError struct {
	Op      string
	Session string
	Err     error
}

func (e *NativeError) Error() string {
	return fmt.Sprintf("%s failed for session %q: %v", e.Op, e.Session, e.Err)
}

func (e *NativeError) Unwrap() error { return e.Err }

// Code returns the platform error code, or zero when the failure did not
// come from the platform.
func (e *NativeError) Code() uint32 {
	return tracing.CodeOf(e.Err).Code()
}

// SessionCollisionError reports that a session with the same name existed,
// was stopped, and the retried start failed anyway.
type SessionCollisionError struct {
	Session string
	Err     error
}

func (e *SessionCollisionError) Error() string {
	return fmt.Sprintf("session %q already existed and restarting it after stopping the stale session failed: %v",
		e.Session, e.Err)
}

func (e *SessionCollisionError) Unwrap() error { return e.Err }

// ResourceExhaustedError reports ERROR_NO_SYSTEM_RESOURCES, typically too many
// sessions running system wide. It unwraps to the tracing.Errno.
type ResourceExhaustedError struct {
	Op      string
	Session string
	Err     error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s for session %q: %v (%v)", e.Op, e.Session, ErrResourceExhausted, e.Err)
}

func (e *ResourceExhaustedError) Is(target error) bool { return target == ErrResourceExhausted }

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// Code returns the platform error code.
func (e *ResourceExhaustedError) Code() uint32 {
	return tracing.CodeOf(e.Err).Code()
}

// DispatchError is the fatal outcome of a dispatch goroutine, observed by End.
type DispatchError struct {
	Session string
	Err     error // non-nil when ProcessTrace failed
	Panic   any   // non-nil when the receiver panicked
}

func (e *DispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("receiver panicked during dispatch for session %q: %v", e.Session, e.Panic)
	}
	return fmt.Sprintf("ProcessTrace failed for session %q: %v", e.Session, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func nativeError(op, session string, err error) error {
	if errors.Is(err, tracing.ErrnoNoSystemResources) {
		return &ResourceExhaustedError{Op: op, Session: session, Err: err}
	}
	return &NativeError{Op: op, Session: session, Err: err}
}
