package telemetry_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

func validEnvelope() telemetry.Envelope {
	return telemetry.Envelope{
		Timestamp: "2024-03-02T15:00:00Z",
		EdgeID:    "trackside-edge-001",
		DataType:  telemetry.LapTimes,
		Payload:   json.RawMessage(`{"laps":[]}`),
		Metadata: telemetry.Metadata{
			CollectionTime: "2024-03-02T15:00:00Z",
			Source:         "cached-replay-2024-bahrain",
			Version:        "1.0.0",
		},
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		in string

		want    time.Time
		wantErr bool
	}{
		"Zulu":                  {in: "2024-03-02T15:00:00Z", want: time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)},
		"Zulu with microseconds": {in: "2024-03-02T15:00:00.123456Z", want: time.Date(2024, 3, 2, 15, 0, 0, 123456000, time.UTC)},
		"Naive is read as UTC":  {in: "2024-03-02T15:00:00.5", want: time.Date(2024, 3, 2, 15, 0, 0, 500000000, time.UTC)},
		"Numeric offset":        {in: "2024-03-02T17:00:00+02:00", want: time.Date(2024, 3, 2, 15, 0, 0, 0, time.UTC)},

		"Error on empty":     {in: "", wantErr: true},
		"Error on date only": {in: "2024-03-02", wantErr: true},
		"Error on garbage":   {in: "yesterday", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := telemetry.ParseTimestamp(tc.in)
			if tc.wantErr {
				require.Error(t, err, "ParseTimestamp should have failed")
				return
			}
			require.NoError(t, err, "ParseTimestamp should not fail")
			assert.True(t, tc.want.Equal(got), "got %v, want %v", got, tc.want)
		})
	}
}

func TestParseDataType(t *testing.T) {
	t.Parallel()

	for _, c := range telemetry.Categories {
		got, err := telemetry.ParseDataType(string(c))
		require.NoError(t, err, "Known category %q should parse", c)
		assert.Equal(t, c, got)
	}

	_, err := telemetry.ParseDataType("weather")
	require.Error(t, err, "Unknown category should not parse")
	_, err = telemetry.ParseDataType("")
	require.Error(t, err, "Empty category should not parse")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		mutate func(*telemetry.Envelope)

		wantField string
	}{
		"Valid envelope": {},
		"Valid with replay metadata": {mutate: func(e *telemetry.Envelope) {
			e.Metadata.Race = "2024 Bahrain Grand Prix"
			e.Metadata.ReplayMode = true
		}},
		"Valid with padded payload": {mutate: func(e *telemetry.Envelope) { e.Payload = json.RawMessage(" \n{}") }},

		"Bad timestamp":          {mutate: func(e *telemetry.Envelope) { e.Timestamp = "now" }, wantField: "timestamp"},
		"Empty edge id":          {mutate: func(e *telemetry.Envelope) { e.EdgeID = " " }, wantField: "edge_id"},
		"Edge id with slash":     {mutate: func(e *telemetry.Envelope) { e.EdgeID = "a/b" }, wantField: "edge_id"},
		"Edge id with dots":      {mutate: func(e *telemetry.Envelope) { e.EdgeID = "..edge" }, wantField: "edge_id"},
		"Edge id with newline":   {mutate: func(e *telemetry.Envelope) { e.EdgeID = "edge\n1" }, wantField: "edge_id"},
		"Empty data type":        {mutate: func(e *telemetry.Envelope) { e.DataType = "" }, wantField: "data_type"},
		"Unknown data type":      {mutate: func(e *telemetry.Envelope) { e.DataType = "weather" }, wantField: "data_type"},
		"Missing payload":        {mutate: func(e *telemetry.Envelope) { e.Payload = nil }, wantField: "payload"},
		"Null payload":           {mutate: func(e *telemetry.Envelope) { e.Payload = json.RawMessage("null") }, wantField: "payload"},
		"Array payload":          {mutate: func(e *telemetry.Envelope) { e.Payload = json.RawMessage("[]") }, wantField: "payload"},
		"Bad collection time":    {mutate: func(e *telemetry.Envelope) { e.Metadata.CollectionTime = "" }, wantField: "metadata.collection_time"},
		"Missing source":         {mutate: func(e *telemetry.Envelope) { e.Metadata.Source = "" }, wantField: "metadata.source"},
		"Missing version":        {mutate: func(e *telemetry.Envelope) { e.Metadata.Version = "" }, wantField: "metadata.version"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := validEnvelope()
			if tc.mutate != nil {
				tc.mutate(&e)
			}

			err := e.Validate()
			if tc.wantField == "" {
				require.NoError(t, err, "Validate should accept the envelope")
				return
			}
			var vErr *telemetry.ValidationError
			require.ErrorAs(t, err, &vErr, "Validate should return a ValidationError")
			assert.Equal(t, tc.wantField, vErr.Field)
		})
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	t.Parallel()

	e := validEnvelope()
	data, err := json.Marshal(e)
	require.NoError(t, err, "Marshal should not fail")

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got), "Setup: envelope should be valid JSON")
	assert.Equal(t, "lap_times", got["data_type"])
	assert.Equal(t, map[string]any{"laps": []any{}}, got["payload"])

	md, ok := got["metadata"].(map[string]any)
	require.True(t, ok, "metadata should be an object")
	assert.NotContains(t, md, "race", "Optional replay fields should be omitted when unset")
	assert.NotContains(t, md, "replay_mode", "Optional replay fields should be omitted when unset")
}
