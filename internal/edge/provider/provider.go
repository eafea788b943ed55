// Package provider supplies the raw race data transmitted by edge devices.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// ErrNoData is returned when a category has nothing to transmit.
var ErrNoData = errors.New("no data available")

// Provider returns the current payload of a telemetry category.
type Provider interface {
	Get(ctx context.Context, dt telemetry.DataType) (json.RawMessage, error)
}

// ergastDocument is the part of an Ergast response used to describe a payload in logs.
type ergastDocument struct {
	MRData struct {
		RaceTable *struct {
			Races []struct {
				RaceName string `json:"raceName"`
				Season   string `json:"season"`
			} `json:"Races"`
		} `json:"RaceTable"`
		StandingsTable *struct {
			Season string `json:"season"`
		} `json:"StandingsTable"`
	} `json:"MRData"`
}

// describe returns a short human label of payload, or an empty string when it has no recognizable table.
func describe(payload json.RawMessage) string {
	var doc ergastDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}

	switch {
	case doc.MRData.RaceTable != nil && len(doc.MRData.RaceTable.Races) > 0:
		race := doc.MRData.RaceTable.Races[0]
		name := race.RaceName
		if name == "" {
			name = "Unknown"
		}
		if race.Season != "" {
			return name + " " + race.Season
		}
		return name
	case doc.MRData.StandingsTable != nil:
		return "Standings " + doc.MRData.StandingsTable.Season
	}
	return ""
}
