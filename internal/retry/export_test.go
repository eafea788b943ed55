package retry

import "math/rand/v2"

// WithRandSeed makes the jitter deterministic.
func WithRandSeed(seed uint64) Options {
	r := rand.New(rand.NewPCG(seed, seed))
	return func(o *options) {
		o.rand = r.Int64N
	}
}
