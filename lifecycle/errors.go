package lifecycle

import (
	"errors"
	"fmt"
)

// ErrPrecache rejects an install: a shell resource could not be fetched.
type ErrPrecache struct {
	Version string
	URL     string
	Status  int // set when the backend answered with a non-2xx status
	Cause   error
}

func (e *ErrPrecache) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("lifecycle: precache v%s: %s returned %d", e.Version, e.URL, e.Status)
	}
	return fmt.Sprintf("lifecycle: precache v%s: %s: %v", e.Version, e.URL, e.Cause)
}

func (e *ErrPrecache) Unwrap() error { return e.Cause }

var (
	// ErrNothingPending is returned by Activate when no install has succeeded
	// since the last activation.
	ErrNothingPending = errors.New("lifecycle: no installed generation to activate")

	// ErrEmptyVersion rejects an install without a version tag.
	ErrEmptyVersion = errors.New("lifecycle: empty version")
)
