// Package errors defines the typed failures surfaced to callers of the
// daemon and client layers.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// PortExhaustedError indicates that no free port was found within the probe budget.
type PortExhaustedError struct {
	Start    int
	Attempts int
}

// Error is an implementation of the error interface.
func (e *PortExhaustedError) Error() string {
	return fmt.Sprintf("no free port within %d attempts starting at %d", e.Attempts, e.Start)
}

// WorkerNotFoundError indicates that the analyzer executable could not be located.
type WorkerNotFoundError struct {
	Command string
	Err     error
}

// Error is an implementation of the error interface.
func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("analyzer executable %q not found: %v", e.Command, e.Err)
}

// Unwrap returns the underlying lookup error.
func (e *WorkerNotFoundError) Unwrap() error {
	return e.Err
}

// TransportError indicates a failure to connect to or communicate with the daemon.
type TransportError struct {
	Addr string
	Err  error
}

// Error is an implementation of the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("daemon connection to %s failed: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying transport error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// RequestTimeoutError indicates that a single in-flight request exceeded its deadline.
// It rejects only that request; the connection stays usable.
type RequestTimeoutError struct {
	ID      int64
	Method  string
	Timeout time.Duration
}

// Error is an implementation of the error interface.
func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

// RecordNotFoundError indicates that no live daemon record exists for a project root.
type RecordNotFoundError struct {
	Root string
}

// Error is an implementation of the error interface.
func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no live daemon record for %q", e.Root)
}
