package handlers

import "time"

// WithClock sets the clock stamping accepted responses.
func WithClock(now func() time.Time) Options {
	return func(o *options) {
		o.now = now
	}
}
