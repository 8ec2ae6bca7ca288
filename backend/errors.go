package backend

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrKeyNotFound is returned by strict reads when a key is missing or
	// expired.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTimeout is returned when a storage operation could not acquire the
	// underlying resource before its deadline.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidConfig is returned when a connection string or option set
	// cannot be turned into a working backend.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// TimeoutError is an ErrTimeout that carries the partial progress a bulk
// operation made before giving up.
type TimeoutError struct {
	// Count is the number of items processed before the timeout.
	Count int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %d items", e.Count)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// NewTimeoutError returns an error matching ErrTimeout that records count
// items of partial progress.
func NewTimeoutError(count int) error {
	return &TimeoutError{Count: count}
}

// TimeoutCount extracts the partial progress recorded on err, if any.
func TimeoutCount(err error) (int, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Count, true
	}
	return 0, false
}
