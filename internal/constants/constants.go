// Package constants is responsible for defining the constants used across the telemetry pipeline.
// It also provides utility functions to get the default data paths and the edge profiles.
package constants

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// EdgeSimulatorCmdName is the name of the edge simulator command.
	EdgeSimulatorCmdName = "edge-simulator"

	// IngestServiceCmdName is the name of the ingest service command.
	IngestServiceCmdName = "ingest-service"

	// DefaultAppFolder is the name of the default root folder.
	DefaultAppFolder = "trackside-telemetry"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Wire and service constants.
const (
	// ServiceName is the human readable name of the ingestion service.
	ServiceName = "F1 Telemetry Ingestion Service"

	// APIVersion is the version reported by the ingestion service and stamped in envelopes.
	APIVersion = "1.0.0"

	// TelemetryPath is the ingestion route.
	TelemetryPath = "/api/v1/telemetry"

	// HealthPath is the health check route.
	HealthPath = "/health"

	// MetricsPath is the Prometheus exposition route.
	MetricsPath = "/metrics"

	// EdgeIDHeader carries the identity of the sending edge device.
	EdgeIDHeader = "X-Edge-ID"

	// RaceModeHeader is set by edge devices replaying cached races.
	RaceModeHeader = "X-Race-Mode"

	// RequestIDHeader is echoed on every ingestion response.
	RequestIDHeader = "X-Request-ID"

	// StorageKeyPrefix is the root of every object written by the ingestion service.
	StorageKeyPrefix = "raw-telemetry"

	// DefaultBucket is the object store bucket used when none is configured.
	DefaultBucket = "f1-telemetry-raw"

	// DefaultRegion is the object store region used when none is configured.
	DefaultRegion = "us-east-1"

	// DefaultMinioCredential is used for both access and secret keys against an endpoint override.
	DefaultMinioCredential = "minioadmin"

	// DefaultListenPort is the port the ingestion service listens on.
	DefaultListenPort = 8000

	// DefaultCloudEndpoint is where the edge simulator sends envelopes.
	DefaultCloudEndpoint = "http://localhost:8000/api/v1/telemetry"

	// DefaultCacheDir holds the cached race files replayed by the edge simulator.
	DefaultCacheDir = "/app/cache-data"

	// DefaultErgastURL is the base URL of the Ergast F1 API.
	DefaultErgastURL = "http://ergast.com/api/f1"

	// DeliveryTimeout bounds a single outbound delivery attempt.
	DeliveryTimeout = 30 * time.Second
)

// Profile names.
const (
	// ProfileGeneric is the profile for a generic edge collecting from the live API.
	ProfileGeneric = "generic"
	// ProfileTrackside is the profile for a trackside edge replaying a cached race.
	ProfileTrackside = "trackside"
)

// Provider names.
const (
	// ProviderReplay replays cached race files.
	ProviderReplay = "replay"
	// ProviderErgast queries the Ergast REST API.
	ProviderErgast = "ergast"
)

// Profile holds the defaults of an edge deployment profile.
type Profile struct {
	Provider   string
	Source     string
	EdgeID     string
	Race       string
	ReplayMode bool

	MinLatency time.Duration
	MaxLatency time.Duration
	LossRate   float64

	MaxAttempts   int
	BaseBackoff   time.Duration
	Interval      time.Duration
	CategoryPause time.Duration
	Cooldown      time.Duration
}

// Profiles maps every known profile name to its defaults.
var Profiles = map[string]Profile{
	ProfileGeneric: {
		Provider: ProviderErgast,
		Source:   "ergast-api",
		EdgeID:   "edge-simulator-001",

		MinLatency: 50 * time.Millisecond,
		MaxLatency: 500 * time.Millisecond,
		LossRate:   0.05,

		MaxAttempts:   5,
		BaseBackoff:   2 * time.Second,
		Interval:      60 * time.Second,
		CategoryPause: 5 * time.Second,
		Cooldown:      10 * time.Second,
	},
	ProfileTrackside: {
		Provider:   ProviderReplay,
		Source:     "cached-replay-2024-bahrain",
		EdgeID:     "trackside-edge-001",
		Race:       "2024 Bahrain Grand Prix",
		ReplayMode: true,

		MinLatency: 20 * time.Millisecond,
		MaxLatency: 200 * time.Millisecond,
		LossRate:   0.02,

		MaxAttempts:   5,
		BaseBackoff:   2 * time.Second,
		Interval:      30 * time.Second,
		CategoryPause: 2 * time.Second,
		Cooldown:      10 * time.Second,
	},
}

type options struct {
	baseDir func() (string, error)
}

type option func(*options)

// GetDefaultStorageDir is the default root of the filesystem object store.
func GetDefaultStorageDir(opts ...option) string {
	o := options{baseDir: os.UserCacheDir}
	for _, opt := range opts {
		opt(&o)
	}

	return filepath.Join(getBaseDir(o.baseDir), DefaultAppFolder, "objects")
}

// getBaseDir is a helper function to handle the case where the baseDir function returns an error, and instead return an empty string.
func getBaseDir(baseDirFunc func() (string, error)) string {
	dir, err := baseDirFunc()
	if err != nil {
		return ""
	}
	return dir
}
