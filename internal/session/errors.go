package session

import (
	"errors"
	"fmt"
)

// ErrInputRejected is returned when input is submitted to a session that has
// no active input channel: unknown id, not yet started, or already terminal.
// It is the only non-fatal error in the taxonomy — the session state is left
// unchanged.
var ErrInputRejected = errors.New("input rejected: no active input channel")

// ErrSessionNotFound is returned by registry mutations on an unknown session
// id. Never fatal — sessions can legitimately vanish mid-flight due to
// concurrent cleanup.
var ErrSessionNotFound = errors.New("session not found")

// ProvisionError wraps a failure to create the sandbox instance. Terminal:
// reported once, then the session is cleaned up. Never retried.
type ProvisionError struct {
	Cause error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning sandbox: %v", e.Cause)
}

func (e *ProvisionError) Unwrap() error { return e.Cause }

// StartError wraps a failure to start or attach to an already-created
// sandbox. Terminal, same handling as ProvisionError.
type StartError struct {
	Cause error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting sandbox: %v", e.Cause)
}

func (e *StartError) Unwrap() error { return e.Cause }

// StreamError wraps an I/O failure on the output or error channels after a
// successful start. Treated as run termination, not as transient.
type StreamError struct {
	Cause error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("sandbox stream: %v", e.Cause)
}

func (e *StreamError) Unwrap() error { return e.Cause }
