package mutation

import (
	"errors"
	"fmt"
)

// ErrEmptyEndpoint is returned by Enqueue when no endpoint is given.
var ErrEmptyEndpoint = errors.New("mutation: endpoint is required")

// ErrQueueWrite is returned when durable storage rejects an Enqueue. The
// write was not recorded and remains the caller's responsibility.
type ErrQueueWrite struct {
	Endpoint string
	Cause    error
}

func (e *ErrQueueWrite) Error() string {
	return fmt.Sprintf("mutation: queue write failed for %s: %v", e.Endpoint, e.Cause)
}

func (e *ErrQueueWrite) Unwrap() error { return e.Cause }
