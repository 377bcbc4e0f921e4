package fetcher

import (
	"context"
	"errors"
	"fmt"
)

// errForbidden marks an attempt that was answered with HTTP 403.
var errForbidden = errors.New("remote answered 403")

// BlockedError reports that every attempt was refused with a 403 challenge.
type BlockedError struct {
	URL      string
	Attempts int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked fetching %s after %d attempts", e.URL, e.Attempts)
}

// TimeoutError reports that the last attempt exceeded a navigation or wait bound.
type TimeoutError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out fetching %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// TransientError wraps any other failure of the last attempt.
type TransientError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("fetching %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// classify turns the last attempt's error into the terminal fetch error.
func classify(url string, attempts int, last error) error {
	switch {
	case errors.Is(last, errForbidden):
		return &BlockedError{URL: url, Attempts: attempts}
	case errors.Is(last, context.DeadlineExceeded):
		return &TimeoutError{URL: url, Attempts: attempts, Err: last}
	default:
		return &TransientError{URL: url, Attempts: attempts, Err: last}
	}
}
