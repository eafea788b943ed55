// Package delivery sends telemetry envelopes to the ingestion service.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/retry"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// ErrSendFailure is returned when an envelope fails to be sent, either due to a network error or a non-2xx status code.
var ErrSendFailure = errors.New("telemetry send failed")

// Conditioner is applied once before each delivery, and may refuse it.
type Conditioner interface {
	Apply(ctx context.Context) error
}

// Config holds the delivery client configuration.
type Config struct {
	// Endpoint is the ingestion URL envelopes are posted to.
	Endpoint string
	// EdgeID is sent in the edge identity header.
	EdgeID string
	// ReplayMode flags the requests as coming from a replayed race.
	ReplayMode bool
	// Timeout bounds a single attempt.
	Timeout time.Duration
	// Retry is the transport level retry policy.
	Retry retry.Policy
}

// Client delivers envelopes over HTTP.
type Client struct {
	endpoint   string
	edgeID     string
	replayMode bool

	cond   Conditioner
	http   *http.Client
	policy retry.Policy
	log    *slog.Logger
}

type options struct {
	httpClient *http.Client
	retryOpts  []retry.Options
	log        *slog.Logger
}

// Options represents an optional function to override Client default values.
type Options func(*options)

// WithLogger sets the logger of the client.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// New returns a Client posting to cfg.Endpoint. cond may be nil when no network conditions are simulated.
func New(cfg Config, cond Conditioner, args ...Options) (*Client, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint %q: %v", cfg.Endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("endpoint %q must be an absolute http(s) URL", cfg.Endpoint)
	}
	if err := telemetry.ValidateEdgeID(cfg.EdgeID); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = constants.DeliveryTimeout
	}

	opts := options{
		log: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}
	if opts.httpClient == nil {
		opts.httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		endpoint:   u.String(),
		edgeID:     cfg.EdgeID,
		replayMode: cfg.ReplayMode,
		cond:       cond,
		http:       opts.httpClient,
		policy:     retry.New(cfg.Retry, append([]retry.Options{retry.WithLogger(opts.log)}, opts.retryOpts...)...),
		log:        opts.log,
	}, nil
}

// Deliver sends env and reports whether the ingestion service accepted it.
// Failures are logged with their cause and never propagated.
func (c *Client) Deliver(ctx context.Context, env telemetry.Envelope) bool {
	if err := c.Send(ctx, env); err != nil {
		c.log.Error("Failed to send telemetry", "data_type", env.DataType, "error", err)
		return false
	}
	c.log.Info("Successfully sent telemetry to cloud", "data_type", env.DataType)
	return true
}

// Send sends env, retrying transient transport failures according to the retry policy.
//
// A delivery refused by the conditioner is returned as is and never retried.
// An in-flight attempt is not interrupted by ctx cancellation, but no new attempt starts after it.
func (c *Client) Send(ctx context.Context, env telemetry.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %v", err)
	}

	if c.cond != nil {
		if err := c.cond.Apply(ctx); err != nil {
			return err
		}
	}

	return c.policy.Do(ctx, func(attempt int) error {
		c.log.Debug("Sending telemetry", "url", c.endpoint, "data_type", env.DataType, "attempt", attempt+1)
		return c.post(context.WithoutCancel(ctx), data)
	})
}

func (c *Client) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.EdgeIDHeader, c.edgeID)
	if c.replayMode {
		req.Header.Set(constants.RaceModeHeader, "replay")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrSendFailure, fmt.Errorf("failed to send HTTP request: %v", err))
	}
	defer resp.Body.Close()
	// Drain to allow connection reuse.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	err = errors.Join(ErrSendFailure, fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	if !c.policy.Retryable(resp.StatusCode) {
		return retry.Permanent(err)
	}
	if wait, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
		return retry.After(err, wait)
	}
	return err
}

// retryAfter parses a Retry-After header value, given either in seconds or as an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
