// Package remote is the chokepoint for talking to external services: it
// classifies provider failures, enforces the retry budget with linear
// backoff, and paces successive calls.
package remote

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// QuotaError indicates a rate limit or transient provider failure
// (HTTP 429 or 5xx). Retrying after a delay usually succeeds.
type QuotaError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota/transient error (status %d): %s", e.Provider, e.StatusCode, Truncate(e.Message, 200))
}

// InvalidRequestError indicates the provider rejected the request itself
// (auth failure, malformed call). Retrying cannot help.
type InvalidRequestError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("%s rejected request (status %d): %s", e.Provider, e.StatusCode, Truncate(e.Message, 200))
}

// ExhaustedError reports that the retry budget for an operation was spent.
// It wraps the last underlying failure.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// DefaultRetryable reports whether an error is worth another attempt:
// quota/transient provider failures, network timeouts, and truncated reads.
func DefaultRetryable(err error) bool {
	var quota *QuotaError
	if errors.As(err, &quota) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Truncate shortens s for log and error output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
