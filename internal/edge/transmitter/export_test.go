package transmitter

import "github.com/trackside-telemetry/pipeline/internal/retry"

// WithSleeper replaces the function used to pause the loop.
func WithSleeper(s retry.Sleeper) Options {
	return func(o *options) {
		o.sleep = s
	}
}
