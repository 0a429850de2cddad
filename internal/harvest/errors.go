package harvest

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for a 404 answer; the fetch is not retried.
var ErrNotFound = errors.New("resource not found")

// ThrottledError reports that the upstream kept answering 429/503 until
// the backoff budget ran out.
type ThrottledError struct {
	Attempts   int
	LastStatus int
	Wait       time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled by upstream after %d attempts (last status %d, waited %s)",
		e.Attempts, e.LastStatus, e.Wait)
}

// UnreachableError reports that the upstream could not be reached within
// the retry budget (timeouts or transport failures).
type UnreachableError struct {
	Attempts int
	Err      error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("upstream unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// StatusError reports a terminal non-2xx answer that is neither a 404 nor
// a throttle signal.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Code)
}

// WriteError wraps a store write failure (insert, patch, or job ops).
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store write %s: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
