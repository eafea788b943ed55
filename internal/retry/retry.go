// Package retry provides a bounded retry policy with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"
)

// DefaultRetryStatuses are the HTTP status codes considered transient.
var DefaultRetryStatuses = []int{429, 500, 502, 503, 504}

// ErrExhausted is returned when every attempt of the policy failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy is a bounded retry policy.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// BaseBackoff is the wait after the first failed attempt. It doubles after each failure.
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration
	// Jitter draws each wait uniformly between 0 and the exponential value.
	Jitter bool
	// RetryStatuses are the HTTP status codes worth another attempt.
	RetryStatuses []int

	sleep Sleeper
	rand  func(n int64) int64
	log   *slog.Logger
}

type options struct {
	sleep Sleeper
	rand  func(n int64) int64
	log   *slog.Logger
}

// Options represents an optional function to override Policy default values.
type Options func(*options)

// WithLogger sets the logger reporting retries.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// WithSleeper replaces the function used to wait between attempts.
func WithSleeper(s Sleeper) Options {
	return func(o *options) {
		o.sleep = s
	}
}

// New returns a copy of p wired with its runtime dependencies.
func New(p Policy, args ...Options) Policy {
	opts := options{
		sleep: Sleep,
		rand:  rand.Int64N, // #nosec:G404 We don't need cryptographic randomness.
		log:   slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	p.sleep = opts.sleep
	p.rand = opts.rand
	p.log = opts.log
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Minute
	}
	if p.RetryStatuses == nil {
		p.RetryStatuses = DefaultRetryStatuses
	}
	return p
}

// Retryable reports whether a response with status should be retried.
func (p Policy) Retryable(status int) bool {
	return slices.Contains(p.RetryStatuses, status)
}

// Backoff returns the wait before the attempt following failed attempt number attempt (0 based).
func (p Policy) Backoff(attempt int) time.Duration {
	// Avoid overflowing the shift for absurd attempt counts.
	attempt = min(max(attempt, 0), 30)
	exp := min(p.BaseBackoff*(1<<attempt), p.MaxBackoff)
	if exp < 0 {
		exp = p.MaxBackoff
	}
	if !p.Jitter || p.rand == nil {
		return exp
	}
	return time.Duration(p.rand(int64(max(exp, 1))))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// After marks err as retryable after exactly d, overriding the computed backoff.
// This is how a Retry-After response header is honoured.
func After(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return &afterError{err: err, wait: d}
}

type afterError struct {
	err  error
	wait time.Duration
}

func (e *afterError) Error() string { return e.err.Error() }
func (e *afterError) Unwrap() error { return e.err }

// Do calls fn until it succeeds, returns a permanent error, or the attempts are exhausted.
//
// fn receives the 0 based attempt number. Waits between attempts observe ctx.
// When every attempt failed, the returned error wraps ErrExhausted and the last failure.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = Sleep
	}
	log := p.log
	if log == nil {
		log = slog.Default()
	}

	var err error
	for attempt := 0; attempt < max(p.MaxAttempts, 1); attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt+1 >= max(p.MaxAttempts, 1) {
			break
		}

		wait := p.Backoff(attempt)
		var after *afterError
		if errors.As(err, &after) {
			wait = min(after.wait, p.MaxBackoff)
		}

		log.Warn("Attempt failed, retrying after backoff period", "attempt", attempt+1, "max_attempts", p.MaxAttempts, "seconds", wait.Seconds(), "error", err)
		if sErr := sleep(ctx, wait); sErr != nil {
			return errors.Join(err, fmt.Errorf("retry interrupted: %w", sErr))
		}
	}

	return errors.Join(ErrExhausted, err)
}
