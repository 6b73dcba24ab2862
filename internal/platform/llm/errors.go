package llm

import (
	"errors"
	"fmt"
	"time"
)

// ErrExhaustedRetries is returned once the fixed retry budget is spent.
var ErrExhaustedRetries = errors.New("llm: exhausted retries")

// RateLimitedError carries the wait the provider suggested via Retry-After.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("llm: rate limited (retry after %s)", e.Wait)
}

func (e *RateLimitedError) HTTPStatusCode() int { return 429 }

// ConnectionError wraps transport-level failures so callers can distinguish
// them from provider-side rejections.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "llm: connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	b := e.Body
	if len(b) > 300 {
		b = b[:300] + "..."
	}
	return fmt.Sprintf("llm: http %d: %s", e.StatusCode, b)
}

func (e *httpError) HTTPStatusCode() int { return e.StatusCode }

func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
