package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/retry"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
	"github.com/ubuntu/decorate"
)

// ergastPaths maps each category to its Ergast resource.
var ergastPaths = map[telemetry.DataType]string{
	telemetry.RaceResults:          "results",
	telemetry.PitStops:             "pitstops",
	telemetry.Qualifying:           "qualifying",
	telemetry.LapTimes:             "laps",
	telemetry.FastestLaps:          "fastest/1/results",
	telemetry.DriverStandings:      "driverStandings",
	telemetry.ConstructorStandings: "constructorStandings",
}

// maxErgastBody bounds the size of a single Ergast response.
const maxErgastBody = 16 << 20

// ErgastConfig holds the Ergast provider configuration.
type ErgastConfig struct {
	// BaseURL is the API root, defaulting to constants.DefaultErgastURL.
	BaseURL string
	// Season is a year or "current".
	Season string
	// Round is a round number or "last".
	Round string
	// Timeout bounds a single request.
	Timeout time.Duration
	// Retry is applied to every request. It defaults to 3 attempts with a 1s base backoff.
	Retry retry.Policy
}

// Ergast queries the Ergast F1 REST API.
type Ergast struct {
	base   string
	season string
	round  string

	http   *http.Client
	policy retry.Policy
	log    *slog.Logger
}

// NewErgast creates an Ergast provider.
func NewErgast(cfg ErgastConfig, args ...Options) (*Ergast, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = constants.DefaultErgastURL
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid Ergast base URL %q", cfg.BaseURL)
	}
	if cfg.Season == "" {
		cfg.Season = "current"
	}
	if cfg.Round == "" {
		cfg.Round = "last"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseBackoff: time.Second}
	}

	opts := options{
		Logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Ergast{
		base:   u.String(),
		season: cfg.Season,
		round:  cfg.Round,
		http:   &http.Client{Timeout: cfg.Timeout},
		policy: retry.New(cfg.Retry, retry.WithLogger(opts.Logger)),
		log:    opts.Logger,
	}, nil
}

// URL returns the resource queried for dt.
func (e *Ergast) URL(dt telemetry.DataType) (string, error) {
	p, ok := ergastPaths[dt]
	if !ok {
		return "", fmt.Errorf("unknown data type %q", dt)
	}
	return url.JoinPath(e.base, e.season, e.round, p+".json")
}

// Get fetches the current payload of dt.
// Any failure is logged and reported as ErrNoData, so the caller only has to skip the category.
func (e *Ergast) Get(ctx context.Context, dt telemetry.DataType) (json.RawMessage, error) {
	data, err := e.fetch(ctx, dt)
	if err != nil {
		e.log.Error("Error fetching data from Ergast", "data_type", dt, "err", err)
		return nil, fmt.Errorf("%w for %s", ErrNoData, dt)
	}

	if label := describe(data); label != "" {
		e.log.Info("Fetched", "race", label, "data_type", dt)
	}
	return data, nil
}

func (e *Ergast) fetch(ctx context.Context, dt telemetry.DataType) (data json.RawMessage, err error) {
	defer decorate.OnError(&err, "could not fetch %s", dt)

	u, err := e.URL(dt)
	if err != nil {
		return nil, err
	}

	err = e.policy.Do(ctx, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := e.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
			err := fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			if !e.policy.Retryable(resp.StatusCode) {
				return retry.Permanent(err)
			}
			return err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxErgastBody))
		if err != nil {
			return err
		}
		if !telemetry.IsObject(body) {
			return retry.Permanent(errors.New("response is not a JSON object"))
		}
		data = body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}
