package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/constants"
)

// BuilderConfig holds the provenance stamped on every built envelope.
type BuilderConfig struct {
	EdgeID  string
	Source  string
	Version string

	Race       string
	ReplayMode bool
}

// Builder wraps provider payloads into envelopes.
type Builder struct {
	cfg BuilderConfig
	now func() time.Time
}

type options struct {
	now func() time.Time
}

// Options represents an optional function to override Builder default values.
type Options func(*options)

// NewBuilder returns a Builder stamping envelopes with cfg.
func NewBuilder(cfg BuilderConfig, args ...Options) (*Builder, error) {
	if err := ValidateEdgeID(cfg.EdgeID); err != nil {
		return nil, err
	}
	if cfg.Source == "" {
		return nil, errors.New("source must not be empty")
	}
	if cfg.Version == "" {
		cfg.Version = constants.APIVersion
	}

	opts := options{now: time.Now}
	for _, opt := range args {
		opt(&opts)
	}

	return &Builder{cfg: cfg, now: opts.now}, nil
}

// EdgeID returns the edge identity stamped in built envelopes.
func (b *Builder) EdgeID() string {
	return b.cfg.EdgeID
}

// Build wraps payload in an envelope of type dt.
//
// The envelope timestamp and the metadata collection time are stamped separately.
func (b *Builder) Build(payload json.RawMessage, dt DataType) (Envelope, error) {
	if !dt.Valid() {
		return Envelope{}, fmt.Errorf("cannot build envelope: unknown data type %q", dt)
	}
	if !IsObject(payload) {
		return Envelope{}, fmt.Errorf("cannot build %s envelope: payload is not a JSON object", dt)
	}

	return Envelope{
		Timestamp: b.now().UTC().Format(TimeLayout),
		EdgeID:    b.cfg.EdgeID,
		DataType:  dt,
		Payload:   payload,
		Metadata: Metadata{
			CollectionTime: b.now().UTC().Format(TimeLayout),
			Source:         b.cfg.Source,
			Version:        b.cfg.Version,
			Race:           b.cfg.Race,
			ReplayMode:     b.cfg.ReplayMode,
		},
	}, nil
}
