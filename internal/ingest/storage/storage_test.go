package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackside-telemetry/pipeline/internal/ingest/storage"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
	"github.com/trackside-telemetry/pipeline/internal/testutils"
)

type memoryBackend struct {
	mu      sync.Mutex
	objects map[string]storage.Object
	puts    int
	err     error
}

func (b *memoryBackend) Put(_ context.Context, obj storage.Object) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	if b.err != nil {
		return b.err
	}
	if b.objects == nil {
		b.objects = make(map[string]storage.Object)
	}
	b.objects[obj.Key] = obj
	return nil
}

func (b *memoryBackend) Bucket() string { return "test-bucket" }

type recordingObserver struct {
	mu      sync.Mutex
	buckets []string
}

func (o *recordingObserver) ObserveUpload(bucket string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buckets = append(o.buckets, bucket)
}

func TestStore(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		env        telemetry.Envelope
		backendErr error

		wantKey      string
		wantPuts     int
		wantObserved int
		wantErr      bool
	}{
		"Stores envelope": {
			env:          envelope("2024-03-02T15:00:00Z", "trackside-edge-001", telemetry.LapTimes),
			wantKey:      "raw-telemetry/year=2024/month=03/day=02/data_type=lap_times/trackside-edge-001_2024-03-02T15:00:00.json",
			wantPuts:     1,
			wantObserved: 1,
		},

		"Error on backend failure is observed": {
			env:          envelope("2024-03-02T15:00:00Z", "trackside-edge-001", telemetry.LapTimes),
			backendErr:   errors.New("connection reset"),
			wantPuts:     1,
			wantObserved: 1,
			wantErr:      true,
		},
		"Error on invalid envelope never reaches backend": {
			env:     envelope("not a time", "trackside-edge-001", telemetry.LapTimes),
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := &memoryBackend{err: tc.backendErr}
			o := &recordingObserver{}
			s := storage.New(b, storage.WithObserver(o))
			require.NoError(t, s.Err(), "A store with a backend should be available")

			key, err := s.Store(context.Background(), tc.env)
			assert.Equal(t, tc.wantPuts, b.puts, "Unexpected number of puts")
			assert.Len(t, o.buckets, tc.wantObserved, "Unexpected number of observed uploads")
			if tc.wantErr {
				require.Error(t, err, "Store should have failed")
				assert.Empty(t, key, "No key should be returned on failure")
				return
			}
			require.NoError(t, err, "Store should not fail")
			assert.Equal(t, tc.wantKey, key)
			assert.Equal(t, []string{"test-bucket"}, o.buckets)

			obj := b.objects[key]
			assert.Equal(t, "application/json", obj.ContentType)
			assert.Equal(t, map[string]string{
				"edge_id":         tc.env.EdgeID,
				"data_type":       string(tc.env.DataType),
				"collection_time": tc.env.Metadata.CollectionTime,
			}, obj.Metadata)

			want, err := json.MarshalIndent(tc.env, "", "  ")
			require.NoError(t, err)
			assert.Equal(t, string(want), string(obj.Body), "Body should be the indented envelope")
		})
	}
}

func TestStoreUnavailable(t *testing.T) {
	t.Parallel()

	o := &recordingObserver{}
	s := storage.Unavailable(errors.New("no such host"), storage.WithObserver(o))

	require.ErrorIs(t, s.Err(), storage.ErrUnavailable)
	_, err := s.Store(context.Background(), envelope("2024-03-02T15:00:00Z", "trackside-edge-001", telemetry.LapTimes))
	require.ErrorIs(t, err, storage.ErrUnavailable, "Store should fail fast")
	assert.ErrorContains(t, err, "no such host", "The initialization failure should be reported")
	assert.Empty(t, o.buckets, "Nothing should be uploaded")

	require.ErrorIs(t, storage.Unavailable(nil).Err(), storage.ErrUnavailable, "A store without cause should still be unavailable")
}

func TestStoreLastWriteWins(t *testing.T) {
	t.Parallel()

	b := &memoryBackend{}
	s := storage.New(b)

	first := envelope("2024-03-02T15:00:00Z", "trackside-edge-001", telemetry.LapTimes)
	second := first
	second.Payload = []byte(`{"laps":[{"number":"1"}]}`)

	k1, err := s.Store(context.Background(), first)
	require.NoError(t, err)
	k2, err := s.Store(context.Background(), second)
	require.NoError(t, err)

	require.Equal(t, k1, k2, "Same edge, category and timestamp should share a key")
	require.Len(t, b.objects, 1)
	assert.Contains(t, string(b.objects[k1].Body), `"number": "1"`, "The second write should win")
}

func TestFilesystem(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "objects")
	fs, err := storage.NewFilesystem(root)
	require.NoError(t, err, "Setup: NewFilesystem should not fail")
	assert.Equal(t, root, fs.Bucket())

	s := storage.New(fs)
	env := envelope("2024-03-02T15:00:00Z", "trackside-edge-001", telemetry.LapTimes)
	key, err := s.Store(context.Background(), env)
	require.NoError(t, err, "Store should not fail")

	path, err := fs.Path(key)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "raw-telemetry", "year=2024", "month=03", "day=02", "data_type=lap_times", "trackside-edge-001_2024-03-02T15:00:00.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err, "Object should be written")
	var got telemetry.Envelope
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, env.EdgeID, got.EdgeID)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))

	meta, err := fs.ReadMetadata(key)
	require.NoError(t, err, "Metadata sidecar should be written")
	assert.Equal(t, "lap_times", meta["data_type"])
	assert.Equal(t, "trackside-edge-001", meta["edge_id"])
	assert.Equal(t, env.Metadata.CollectionTime, meta["collection_time"])
}

func TestFilesystemPut(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		key       string
		cancelled bool
		readOnly  bool
		blocked   bool

		wantFiles []string
		wantErr   bool
	}{
		"Nested key": {key: "a/b/c.json", wantFiles: []string{"a/b/c.json", "a/b/c.json.metadata.json"}},

		"Error on absolute key":      {key: "/etc/passwd", wantErr: true},
		"Error on key escaping root": {key: "../outside.json", wantErr: true},
		"Error on cancelled context": {key: "a.json", cancelled: true, wantErr: true},
		"Error on read-only root":    {key: "a.json", readOnly: true, wantErr: true},
		"Error on unwritable body":   {key: "a.json", blocked: true, wantFiles: []string{"a.json/other"}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.readOnly && !testutils.IsUnixNonRoot() {
				t.Skip("Skipping read-only test as permissions are not enforced")
			}

			root := t.TempDir()
			fs, err := storage.NewFilesystem(root)
			require.NoError(t, err, "Setup: NewFilesystem should not fail")
			if tc.readOnly {
				require.NoError(t, os.Chmod(root, 0500), "Setup: could not make root read-only")
				t.Cleanup(func() { _ = os.Chmod(root, 0700) })
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tc.cancelled {
				cancel()
			}

			if tc.blocked {
				// A non-empty directory where the body goes cannot be replaced.
				testutils.WriteFiles(t, root, map[string]string{tc.key + "/other": ""})
			}

			err = fs.Put(ctx, storage.Object{Key: tc.key, Body: []byte("{}"), Metadata: map[string]string{"edge_id": "e"}})
			if tc.wantErr {
				require.Error(t, err, "Put should have failed")
			} else {
				require.NoError(t, err, "Put should not fail")
			}
			if tc.wantFiles == nil {
				return
			}

			got, err := testutils.GetDirContents(t, root, 4)
			require.NoError(t, err, "Setup: could not read storage directory")
			assert.Len(t, got, len(tc.wantFiles), "Unexpected files in the storage directory")
			for _, f := range tc.wantFiles {
				assert.Contains(t, got, f)
			}
			if !tc.wantErr {
				assert.Equal(t, "{}", got[tc.key])
			}
		})
	}
}

func TestNewFilesystem(t *testing.T) {
	t.Parallel()

	_, err := storage.NewFilesystem("")
	require.Error(t, err, "NewFilesystem should fail without root")

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0600))
	_, err = storage.NewFilesystem(filepath.Join(file, "objects"))
	require.Error(t, err, "NewFilesystem should fail when root cannot be created")
}
