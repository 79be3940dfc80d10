// Package fault defines the error taxonomy shared by every gemmcheck package.
//
// Callers classify failures with errors.Is against the sentinel kinds:
//
//	if errors.Is(err, fault.ErrConfig) {
//	    // adjust inputs and try again
//	}
package fault

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrConfig reports invalid dimensions, oversized buffers or dispatch-limit violations.
	// Always detected before any device work is submitted.
	ErrConfig = errors.New("configuration error")
	// ErrDeviceUnavailable reports that no adapter or device could be acquired.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrBindingMismatch reports disagreement between host bindings and the kernel layout.
	ErrBindingMismatch = errors.New("binding mismatch")
	// ErrDeserialization reports a malformed byte buffer.
	ErrDeserialization = errors.New("deserialization error")
	// ErrGPUExecution reports a device error or completion timeout during readback.
	ErrGPUExecution = errors.New("gpu execution failure")
	// ErrInvalidState reports a job transition requested out of order or on a finished job.
	ErrInvalidState = errors.New("invalid job state")
)

// Error carries the kind of failure plus the operation it happened in.
type Error struct {
	Kind error  // One of the Err* kinds above
	Op   string // Operation that failed (e.g. "numeric.FromBytes")
	Msg  string // Human-readable details
	Err  error  // Underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of the given kind with a formatted message.
func New(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. Returns nil if err is nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: "failed", Err: err}
}

// KindOf returns the sentinel kind of err, or nil if err is not classified.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrConfig, ErrDeviceUnavailable, ErrBindingMismatch,
		ErrDeserialization, ErrGPUExecution, ErrInvalidState,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
