// Package transmitter runs the edge transmission loop, sending one envelope per data category per cycle.
package transmitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/edge/provider"
	"github.com/trackside-telemetry/pipeline/internal/retry"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// State is the current activity of the loop.
type State int32

const (
	// Idle is the state between cycles.
	Idle State = iota
	// Collecting is the state while a payload is obtained from the provider.
	Collecting
	// Transmitting is the state while an envelope is delivered.
	Transmitting
	// Cooldown is the state after a failed cycle.
	Cooldown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Transmitting:
		return "transmitting"
	case Cooldown:
		return "cooldown"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Builder wraps a payload into an envelope.
type Builder interface {
	Build(payload json.RawMessage, dt telemetry.DataType) (telemetry.Envelope, error)
}

// Deliverer sends an envelope and reports whether it was accepted.
type Deliverer interface {
	Deliver(ctx context.Context, env telemetry.Envelope) bool
}

// Config holds the loop cadence.
type Config struct {
	// Categories are transmitted in this order. Defaults to telemetry.Categories.
	Categories []telemetry.DataType
	// CategoryPause separates two transmissions within a cycle.
	CategoryPause time.Duration
	// Interval separates two cycles.
	Interval time.Duration
	// Cooldown replaces Interval after a failed cycle.
	Cooldown time.Duration
}

// CycleStats counts what happened to each category during one cycle.
type CycleStats struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Loop is the edge transmission loop.
type Loop struct {
	provider provider.Provider
	builder  Builder
	sender   Deliverer
	cfg      Config

	state  atomic.Int32
	cycles int
	sleep  retry.Sleeper
	log    *slog.Logger
}

type options struct {
	sleep retry.Sleeper
	log   *slog.Logger
}

// Options represents an optional function to override Loop default values.
type Options func(*options)

// WithLogger sets the logger of the loop.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// New returns a Loop collecting from p, building with b and delivering through d.
func New(p provider.Provider, b Builder, d Deliverer, cfg Config, args ...Options) (*Loop, error) {
	if p == nil || b == nil || d == nil {
		return nil, errors.New("provider, builder and deliverer are required")
	}
	if cfg.CategoryPause < 0 || cfg.Interval < 0 || cfg.Cooldown < 0 {
		return nil, fmt.Errorf("pauses must not be negative")
	}
	if cfg.Categories == nil {
		cfg.Categories = telemetry.Categories
	}
	for _, dt := range cfg.Categories {
		if !dt.Valid() {
			return nil, fmt.Errorf("unknown data type %q", dt)
		}
	}
	if cfg.CategoryPause == 0 {
		cfg.CategoryPause = 2 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 10 * time.Second
	}

	opts := options{
		sleep: retry.Sleep,
		log:   slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Loop{
		provider: p,
		builder:  b,
		sender:   d,
		cfg:      cfg,
		sleep:    opts.sleep,
		log:      opts.log,
	}, nil
}

// State returns the current state of the loop. It is safe to call concurrently with Run.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Run repeats cycles until ctx is cancelled, and then returns nil.
//
// A failed cycle is logged and followed by the cooldown pause instead of the interval.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Starting transmission loop", "interval", l.cfg.Interval, "categories", len(l.cfg.Categories))
	defer l.setState(Idle)

	for {
		stats, err := l.RunCycle(ctx)
		if ctx.Err() != nil {
			l.log.Info("Shutting down transmission loop")
			return nil
		}

		wait := l.cfg.Interval
		if err != nil {
			l.log.Error("Error in transmission cycle", "err", err)
			l.setState(Cooldown)
			wait = l.cfg.Cooldown
		} else {
			l.log.Info("Transmission cycle complete", "delivered", stats.Delivered, "failed", stats.Failed, "skipped", stats.Skipped)
			l.log.Debug("Waiting before next transmission", "wait", wait)
		}

		if err := l.sleep(ctx, wait); err != nil {
			l.log.Info("Shutting down transmission loop")
			return nil
		}
	}
}

// RunCycle transmits every category once.
//
// A category without data or failing to deliver does not fail the cycle.
// A panic during the cycle is recovered and returned as an error.
func (l *Loop) RunCycle(ctx context.Context) (stats CycleStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transmission cycle panicked: %v", r)
		}
		l.setState(Idle)
	}()

	l.cycles++
	l.log.Info("Starting transmission cycle", "cycle", l.cycles)

	for i, dt := range l.cfg.Categories {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if i > 0 {
			if err := l.sleep(ctx, l.cfg.CategoryPause); err != nil {
				return stats, err
			}
		}

		switch l.transmit(ctx, dt) {
		case outcomeDelivered:
			stats.Delivered++
		case outcomeFailed:
			stats.Failed++
		case outcomeSkipped:
			stats.Skipped++
		}
	}

	return stats, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (l *Loop) transmit(ctx context.Context, dt telemetry.DataType) outcome {
	l.setState(Collecting)
	payload, err := l.provider.Get(ctx, dt)
	if errors.Is(err, provider.ErrNoData) {
		l.log.Warn("No data available", "data_type", dt)
		return outcomeSkipped
	}
	if err != nil {
		l.log.Warn("Failed to collect data", "data_type", dt, "err", err)
		return outcomeSkipped
	}

	env, err := l.builder.Build(payload, dt)
	if err != nil {
		l.log.Warn("Failed to build envelope", "data_type", dt, "err", err)
		return outcomeSkipped
	}

	l.setState(Transmitting)
	l.log.Debug("Transmitting", "data_type", dt)
	if !l.sender.Deliver(ctx, env) {
		return outcomeFailed
	}
	return outcomeDelivered
}
