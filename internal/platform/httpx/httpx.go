// Package httpx holds the retry arithmetic shared by outbound HTTP
// clients: which failures are worth retrying, how long Retry-After says
// to wait, and jitter so callers don't thunder in lockstep.
package httpx

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPStatusCoder is implemented by typed client errors that carry the
// upstream status code.
type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

// IsRetryableHTTPStatus treats request timeouts, rate limits, and every
// 5xx as transient.
func IsRetryableHTTPStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500 && code <= 599:
		return true
	default:
		return false
	}
}

// IsRetryableError reports whether err looks transient: context
// expiry, a network timeout, or a retryable upstream status.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var coded HTTPStatusCoder
	if errors.As(err, &coded) {
		return IsRetryableHTTPStatus(coded.HTTPStatusCode())
	}
	return false
}

// RetryAfterDuration honors an integer-seconds Retry-After header when
// present, otherwise the fallback, capped at max.
func RetryAfterDuration(resp *http.Response, fallback, max time.Duration) time.Duration {
	wait := fallback
	if resp != nil {
		if header := strings.TrimSpace(resp.Header.Get("Retry-After")); header != "" {
			if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
	}
	if max > 0 && wait > max {
		wait = max
	}
	return wait
}

// JitterSleep spreads a base delay across +/-20%.
func JitterSleep(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	spread := 0.2 * base.Seconds()
	low := base.Seconds() - spread
	if low < 0 {
		low = 0
	}
	return time.Duration((low + rand.Float64()*2*spread) * float64(time.Second))
}
