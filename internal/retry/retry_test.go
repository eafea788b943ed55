package retry_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackside-telemetry/pipeline/internal/retry"
	"github.com/trackside-telemetry/pipeline/internal/testutils"
)

// recordSleeps returns a sleeper recording each wait without blocking.
func recordSleeps(waits *[]time.Duration, err error) retry.Sleeper {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return err
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		policy retry.Policy

		want []time.Duration
	}{
		"Doubles from base": {
			policy: retry.Policy{BaseBackoff: time.Second, MaxBackoff: time.Minute},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
		"Capped at max": {
			policy: retry.Policy{BaseBackoff: 2 * time.Second, MaxBackoff: 5 * time.Second},
			want:   []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		"Zero base never waits": {
			policy: retry.Policy{MaxBackoff: time.Second},
			want:   []time.Duration{0, 0, 0},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p := retry.New(tc.policy)
			for i, want := range tc.want {
				assert.Equal(t, want, p.Backoff(i), "Unexpected backoff for attempt %d", i)
			}
		})
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := retry.New(retry.Policy{BaseBackoff: time.Second, MaxBackoff: 10 * time.Second, Jitter: true}, retry.WithRandSeed(42))
	for attempt := range 10 {
		exp := min(time.Second*(1<<attempt), 10*time.Second)
		for range 20 {
			got := p.Backoff(attempt)
			assert.GreaterOrEqual(t, got, time.Duration(0))
			assert.Less(t, got, exp, "Jittered backoff should stay below the exponential value")
		}
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	p := retry.New(retry.Policy{})
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, p.Retryable(code), "%d should be retryable", code)
	}
	for _, code := range []int{200, 202, 400, 404, 422, 501} {
		assert.False(t, p.Retryable(code), "%d should not be retryable", code)
	}

	custom := retry.New(retry.Policy{RetryStatuses: []int{418}})
	assert.True(t, custom.Retryable(418), "Custom statuses should be honoured")
	assert.False(t, custom.Retryable(503), "Custom statuses should replace the defaults")
}

func TestDo(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		maxAttempts int
		failures    int
		permanentAt int
		afterHint   time.Duration
		sleepErr    error

		wantCalls     int
		wantWaits     []time.Duration
		wantErr       bool
		wantExhausted bool
	}{
		"Success on first attempt": {
			maxAttempts: 3,
			wantCalls:   1,
		},
		"Success after transient failures": {
			maxAttempts: 5,
			failures:    2,
			wantCalls:   3,
			wantWaits:   []time.Duration{time.Second, 2 * time.Second},
		},
		"Exhausted after max attempts": {
			maxAttempts:   3,
			failures:      10,
			wantCalls:     3,
			wantWaits:     []time.Duration{time.Second, 2 * time.Second},
			wantErr:       true,
			wantExhausted: true,
		},
		"Single attempt never waits": {
			maxAttempts:   1,
			failures:      1,
			wantCalls:     1,
			wantErr:       true,
			wantExhausted: true,
		},
		"Permanent error stops immediately": {
			maxAttempts: 5,
			failures:    10,
			permanentAt: 1,
			wantCalls:   2,
			wantWaits:   []time.Duration{time.Second},
			wantErr:     true,
		},
		"Retry-After hint overrides backoff": {
			maxAttempts: 3,
			failures:    1,
			afterHint:   7 * time.Second,
			wantCalls:   2,
			wantWaits:   []time.Duration{7 * time.Second},
		},
		"Interrupted sleep stops retrying": {
			maxAttempts: 5,
			failures:    10,
			sleepErr:    context.Canceled,
			wantCalls:   1,
			wantWaits:   []time.Duration{time.Second},
			wantErr:     true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var waits []time.Duration
			h := testutils.NewMockHandler(slog.LevelDebug)
			p := retry.New(retry.Policy{MaxAttempts: tc.maxAttempts, BaseBackoff: time.Second, MaxBackoff: time.Minute},
				retry.WithSleeper(recordSleeps(&waits, tc.sleepErr)),
				retry.WithLogger(slog.New(&h)),
			)

			calls := 0
			err := p.Do(context.Background(), func(attempt int) error {
				require.Equal(t, calls, attempt, "Attempt numbers should be sequential")
				calls++
				if attempt >= tc.failures {
					return nil
				}
				err := errors.New("transient")
				if tc.permanentAt > 0 && attempt == tc.permanentAt {
					return retry.Permanent(err)
				}
				if tc.afterHint > 0 {
					return retry.After(err, tc.afterHint)
				}
				return err
			})

			assert.Equal(t, tc.wantCalls, calls, "Unexpected number of attempts")
			assert.Equal(t, tc.wantWaits, waits, "Unexpected backoff schedule")
			if !tc.wantErr {
				require.NoError(t, err, "Do should succeed")
				return
			}
			require.Error(t, err, "Do should fail")
			assert.Equal(t, tc.wantExhausted, errors.Is(err, retry.ErrExhausted), "Unexpected exhaustion state")
		})
	}
}

func TestSleepHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := retry.Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled, "Sleep should return the context error")
	assert.Less(t, time.Since(start), time.Second, "Sleep should not block on a cancelled context")

	require.NoError(t, retry.Sleep(context.Background(), time.Millisecond), "Short sleep should complete")
}
