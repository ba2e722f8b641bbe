package indexer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound reports that the indexer has no record of the requested
// resource. Settled orders are pruned by the indexer over time, so callers
// treat it as data rather than failure.
var ErrNotFound = errors.New("indexer: not found")

type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("indexer http %d: %s", e.Status, e.Body)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying: 5xx, 429 and transport
// failures. Caller cancellation is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 500 || httpErr.Status == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
