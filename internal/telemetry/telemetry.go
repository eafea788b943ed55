// Package telemetry defines the envelope exchanged between edge devices and the ingestion service.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DataType is the category tag of an envelope. It is also a partition of the object store.
type DataType string

// Known data types.
const (
	RaceResults          DataType = "race_results"
	PitStops             DataType = "pit_stops"
	Qualifying           DataType = "qualifying"
	LapTimes             DataType = "lap_times"
	FastestLaps          DataType = "fastest_laps"
	DriverStandings      DataType = "driver_standings"
	ConstructorStandings DataType = "constructor_standings"
)

// Categories is the ordered list of every data type, in transmission order.
var Categories = []DataType{
	RaceResults,
	PitStops,
	Qualifying,
	LapTimes,
	FastestLaps,
	DriverStandings,
	ConstructorStandings,
}

// Valid reports whether d is one of the known data types.
func (d DataType) Valid() bool {
	for _, c := range Categories {
		if d == c {
			return true
		}
	}
	return false
}

// ParseDataType returns the data type named s.
func ParseDataType(s string) (DataType, error) {
	d := DataType(strings.TrimSpace(s))
	if !d.Valid() {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return d, nil
}

// TimeLayout is the layout of the timestamps stamped by edge devices.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// naiveLayout is accepted for timestamps without zone, which are then read as UTC.
const naiveLayout = "2006-01-02T15:04:05.999999999"

// Metadata is the provenance attached to every envelope.
type Metadata struct {
	CollectionTime string `json:"collection_time"`
	Source         string `json:"source"`
	Version        string `json:"version"`

	// Only set by edge devices replaying a cached race.
	Race       string `json:"race,omitempty"`
	ReplayMode bool   `json:"replay_mode,omitempty"`
}

// Envelope is the canonical unit of transport and storage.
type Envelope struct {
	Timestamp string          `json:"timestamp"`
	EdgeID    string          `json:"edge_id"`
	DataType  DataType        `json:"data_type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

// ValidationError describes why an envelope was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseTimestamp parses an ISO-8601 instant.
//
// Timestamps with a zone designator are accepted in any offset, timestamps without one are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(naiveLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not an ISO-8601 timestamp", s)
	}
	return t.UTC(), nil
}

// ValidateEdgeID checks that id can safely be used as part of a storage key.
func ValidateEdgeID(id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "edge_id", Reason: "must not be empty"}
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return &ValidationError{Field: "edge_id", Reason: "must not contain path separators"}
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return &ValidationError{Field: "edge_id", Reason: "must not contain control characters"}
		}
	}
	return nil
}

// IsObject reports whether raw holds a JSON object.
func IsObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// Validate checks the envelope shape. It returns a *ValidationError for the first invalid field.
func (e Envelope) Validate() error {
	if _, err := ParseTimestamp(e.Timestamp); err != nil {
		return &ValidationError{Field: "timestamp", Reason: err.Error()}
	}
	if err := ValidateEdgeID(e.EdgeID); err != nil {
		return err
	}
	if e.DataType == "" {
		return &ValidationError{Field: "data_type", Reason: "must not be empty"}
	}
	if !e.DataType.Valid() {
		return &ValidationError{Field: "data_type", Reason: fmt.Sprintf("unknown data type %q", e.DataType)}
	}
	if !IsObject(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "must be a JSON object"}
	}
	if _, err := ParseTimestamp(e.Metadata.CollectionTime); err != nil {
		return &ValidationError{Field: "metadata.collection_time", Reason: err.Error()}
	}
	if e.Metadata.Source == "" {
		return &ValidationError{Field: "metadata.source", Reason: "must not be empty"}
	}
	if e.Metadata.Version == "" {
		return &ValidationError{Field: "metadata.version", Reason: "must not be empty"}
	}
	return nil
}
