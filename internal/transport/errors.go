package transport

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransport is matched by every network-layer failure other than a timeout.
	ErrTransport = errors.New("transport error")

	// ErrTimeout is matched when a call exceeds its timeout.
	ErrTimeout = errors.New("transport timeout")
)

// Error is a network-layer failure.
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is ErrTransport.
func (e *Error) Is(target error) bool { return target == ErrTransport }

// HTTPStatusError reports a non-2xx HTTP status.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("transport error for %s: HTTP %d", e.URL, e.StatusCode)
}

// Is reports whether target is ErrTransport.
func (e *HTTPStatusError) Is(target error) bool { return target == ErrTransport }

// TimeoutError reports a call that did not complete within its timeout.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport timeout after %s for %s", e.Timeout, e.URL)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Is reports whether target is ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// IsTimeout checks if an error is a transport timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
