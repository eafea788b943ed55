package storage

import (
	"fmt"

	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// keyTimeLayout renders the full precision of an instant, without zone and without trailing zero fractions.
const keyTimeLayout = "2006-01-02T15:04:05.999999999"

// Key derives the object key of env from its timestamp, data type and edge id only.
//
// Keys are laid out as raw-telemetry/year=YYYY/month=MM/day=DD/data_type=<dt>/<edge_id>_<timestamp>.json,
// with the timestamp normalised to UTC.
func Key(env telemetry.Envelope) (string, error) {
	if !env.DataType.Valid() {
		return "", fmt.Errorf("cannot derive key: unknown data type %q", env.DataType)
	}
	if err := telemetry.ValidateEdgeID(env.EdgeID); err != nil {
		return "", fmt.Errorf("cannot derive key: %w", err)
	}
	ts, err := telemetry.ParseTimestamp(env.Timestamp)
	if err != nil {
		return "", fmt.Errorf("cannot derive key: %w", err)
	}
	ts = ts.UTC()

	return fmt.Sprintf("%s/year=%04d/month=%02d/day=%02d/data_type=%s/%s_%s.json",
		constants.StorageKeyPrefix, ts.Year(), ts.Month(), ts.Day(), env.DataType, env.EdgeID, ts.Format(keyTimeLayout)), nil
}
