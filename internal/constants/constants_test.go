package constants_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackside-telemetry/pipeline/internal/constants"
)

func TestGetDefaultStorageDir(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		baseDir func() (string, error)

		want string
	}{
		"Base dir is used": {
			baseDir: func() (string, error) { return "abc/def", nil },
			want:    filepath.Join("abc/def", constants.DefaultAppFolder, "objects"),
		},
		"Base dir error falls back to relative path": {
			baseDir: func() (string, error) { return "abc", errors.New("error") },
			want:    filepath.Join(constants.DefaultAppFolder, "objects"),
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got := constants.GetDefaultStorageDir(constants.WithBaseDir(tc.baseDir))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProfilesAreConsistent(t *testing.T) {
	t.Parallel()

	for name, p := range constants.Profiles {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			require.NotEmpty(t, p.EdgeID, "Profile should define an edge id")
			require.NotEmpty(t, p.Source, "Profile should define a source")
			assert.LessOrEqual(t, p.MinLatency, p.MaxLatency, "Latency range should be ordered")
			assert.GreaterOrEqual(t, p.LossRate, 0.0)
			assert.LessOrEqual(t, p.LossRate, 1.0)
			assert.GreaterOrEqual(t, p.MaxAttempts, 3)
			assert.LessOrEqual(t, p.MaxAttempts, 5)
			assert.Contains(t, []string{constants.ProviderReplay, constants.ProviderErgast}, p.Provider)
		})
	}
}
