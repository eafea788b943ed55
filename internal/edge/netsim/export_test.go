package netsim

import (
	"math/rand/v2"

	"github.com/trackside-telemetry/pipeline/internal/retry"
)

// WithSeed makes the simulator draws deterministic.
func WithSeed(seed uint64) Options {
	return func(o *options) {
		o.rand = rand.New(rand.NewPCG(seed, seed))
	}
}

// WithSleeper replaces the function used to simulate latency.
func WithSleeper(s retry.Sleeper) Options {
	return func(o *options) {
		o.sleep = s
	}
}
