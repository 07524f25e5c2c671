package upstream

import (
	"context"
	"errors"
	"fmt"
)

// ErrNetwork is a transport-level failure: the backend could not be reached
// or the response could not be read.
type ErrNetwork struct {
	Method string
	URL    string
	Cause  error
}

func (e *ErrNetwork) Error() string {
	return fmt.Sprintf("upstream: %s %s: network unavailable: %v", e.Method, e.URL, e.Cause)
}

func (e *ErrNetwork) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned without calling the backend while the breaker
// is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("upstream: circuit open: %s", e.Service)
}

// ErrPanic wraps a panic recovered from a Fetcher.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("upstream: fetcher panicked: %v", e.Value)
}

// IsUnavailable reports whether err means the backend is unreachable right
// now (transport failure, open breaker, or a deadline hit), as opposed to a
// caller bug.
func IsUnavailable(err error) bool {
	var ne *ErrNetwork
	var co *ErrCircuitOpen
	return errors.As(err, &ne) || errors.As(err, &co) || errors.Is(err, context.DeadlineExceeded)
}
