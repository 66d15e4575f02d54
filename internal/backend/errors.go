package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by reads of a missing key.
var ErrNotFound = errors.New("not found")

// UnavailableError reports a backend that could not be reached.
// It is recoverable: the sync manager retries with backoff.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend %s unavailable", e.Backend)
	}
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an *UnavailableError for the named backend.
func Unavailable(name string, err error) error {
	return &UnavailableError{Backend: name, Err: err}
}

// IsUnavailable reports whether err wraps an *UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
