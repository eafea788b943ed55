// Package netsim injects synthetic latency and packet loss in front of outbound deliveries.
package netsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/retry"
)

// ErrPacketDropped is returned when the simulator drops an outbound delivery.
var ErrPacketDropped = errors.New("simulated packet loss")

// Config holds the simulated network conditions.
type Config struct {
	SimulateLatency bool
	MinLatency      time.Duration
	MaxLatency      time.Duration

	SimulateLoss bool
	LossRate     float64
}

// Simulator applies the configured network conditions.
type Simulator struct {
	cfg Config

	mu    sync.Mutex
	rand  *rand.Rand
	sleep retry.Sleeper
	log   *slog.Logger
}

type options struct {
	rand  *rand.Rand
	sleep retry.Sleeper
	log   *slog.Logger
}

// Options represents an optional function to override Simulator default values.
type Options func(*options)

// WithLogger sets the logger of the simulator.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// New returns a Simulator for cfg.
func New(cfg Config, args ...Options) (*Simulator, error) {
	if cfg.LossRate < 0 || cfg.LossRate > 1 {
		return nil, fmt.Errorf("packet loss rate must be within [0, 1], got %v", cfg.LossRate)
	}
	if cfg.MinLatency < 0 || cfg.MaxLatency < cfg.MinLatency {
		return nil, fmt.Errorf("invalid latency range [%v, %v]", cfg.MinLatency, cfg.MaxLatency)
	}

	opts := options{
		rand:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())), // #nosec:G404 We don't need cryptographic randomness.
		sleep: retry.Sleep,
		log:   slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Simulator{
		cfg:   cfg,
		rand:  opts.rand,
		sleep: opts.sleep,
		log:   opts.log,
	}, nil
}

// Apply delays the caller and may drop the delivery, according to the configured conditions.
//
// A dropped delivery returns ErrPacketDropped. The caller must then not touch the network.
func (s *Simulator) Apply(ctx context.Context) error {
	if s.cfg.SimulateLatency {
		latency := s.latency()
		s.log.Debug("Simulating network latency", "latency", latency)
		if err := s.sleep(ctx, latency); err != nil {
			return err
		}
	}

	if s.cfg.SimulateLoss && s.draw() < s.cfg.LossRate {
		return ErrPacketDropped
	}
	return nil
}

// latency draws a duration uniformly within the configured range.
func (s *Simulator) latency() time.Duration {
	spread := s.cfg.MaxLatency - s.cfg.MinLatency
	if spread <= 0 {
		return s.cfg.MinLatency
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MinLatency + time.Duration(s.rand.Int64N(int64(spread)+1))
}

func (s *Simulator) draw() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64()
}
