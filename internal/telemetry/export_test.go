package telemetry

import "time"

// WithClock overrides the time source of the builder.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}
