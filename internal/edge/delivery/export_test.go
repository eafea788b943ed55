package delivery

import (
	"net/http"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/retry"
)

// WithSleeper replaces the function used to wait between attempts.
func WithSleeper(s retry.Sleeper) Options {
	return func(o *options) {
		o.retryOpts = append(o.retryOpts, retry.WithSleeper(s))
	}
}

// WithHTTPClient replaces the HTTP client used to post envelopes.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// RetryAfter exposes the Retry-After header parsing for tests.
func RetryAfter(v string) (time.Duration, bool) {
	return retryAfter(v)
}
