package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// ReplayFiles maps each category to the cached race file it is replayed from.
var ReplayFiles = map[telemetry.DataType]string{
	telemetry.RaceResults:          "2024-bahrain-results.json",
	telemetry.PitStops:             "2024-bahrain-pitstops.json",
	telemetry.Qualifying:           "2024-bahrain-qualifying.json",
	telemetry.LapTimes:             "2024-bahrain-laps.json",
	telemetry.FastestLaps:          "2024-bahrain-fastest-laps.json",
	telemetry.DriverStandings:      "2024-bahrain-driver-standings.json",
	telemetry.ConstructorStandings: "2024-bahrain-constructor-standings.json",
}

// Replayer serves a cached race from a directory of JSON files.
type Replayer struct {
	dir  string
	data map[telemetry.DataType]json.RawMessage
	lock sync.RWMutex

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override provider default values.
type Options func(*options)

// WithLogger sets the logger of the provider.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.Logger = l
	}
}

// NewReplayer creates a Replayer reading its files from dir. Call Load or Watch to read them.
func NewReplayer(dir string, args ...Options) *Replayer {
	opts := options{
		Logger: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Replayer{
		dir:  dir,
		data: make(map[telemetry.DataType]json.RawMessage),
		log:  opts.Logger,
	}
}

// Load reads every cached file.
//
// A missing, unreadable or invalid file leaves its category absent and is only logged.
// A missing cache directory leaves every category absent.
func (r *Replayer) Load() {
	if _, err := os.Stat(r.dir); err != nil {
		r.log.Warn("Cache directory unavailable", "dir", r.dir, "err", err)
	}

	for dt := range ReplayFiles {
		r.loadCategory(dt)
	}

	r.log.Info("Cached race data loaded", "dir", r.dir, "categories", len(r.Available()))
}

func (r *Replayer) loadCategory(dt telemetry.DataType) {
	name := ReplayFiles[dt]
	path := filepath.Join(r.dir, name)

	data, err := readObject(path)
	if os.IsNotExist(err) {
		r.log.Warn("Cache file not found", "file", name)
	} else if err != nil {
		r.log.Error("Error loading cache file", "file", name, "err", err)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if err != nil {
		delete(r.data, dt)
		return
	}
	r.data[dt] = data
	r.log.Debug("Loaded cache file", "file", name, "data_type", dt)
}

func readObject(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("invalid JSON")
	}
	if !telemetry.IsObject(data) {
		return nil, fmt.Errorf("top level JSON value is not an object")
	}
	return data, nil
}

// Available returns the categories which currently have data, in transmission order.
func (r *Replayer) Available() []telemetry.DataType {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var available []telemetry.DataType
	for _, dt := range telemetry.Categories {
		if _, ok := r.data[dt]; ok {
			available = append(available, dt)
		}
	}
	return available
}

// Get returns the cached payload of dt, or ErrNoData when it is absent.
func (r *Replayer) Get(_ context.Context, dt telemetry.DataType) (json.RawMessage, error) {
	r.lock.RLock()
	data, ok := r.data[dt]
	r.lock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoData, dt)
	}

	if label := describe(data); label != "" {
		r.log.Info("Replaying", "race", label, "data_type", dt)
	}
	return slices.Clone(data), nil
}

// Watch loads the cache directory and reloads any cached file that changes on disk.
//
// A cache directory which does not exist yet is awaited from its parent, and loaded once created.
// When neither can be watched, the data loaded initially is served without reloads.
// It returns two channels: one receiving after each successful reload and another for unrecoverable watcher errors.
func (r *Replayer) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	byFile := make(map[string]telemetry.DataType, len(ReplayFiles))
	for dt, name := range ReplayFiles {
		byFile[name] = dt
	}

	dir := filepath.Clean(r.dir)
	dirWatched := true
	if err := watcher.Add(dir); err != nil {
		dirWatched = false
		if pErr := watcher.Add(filepath.Dir(dir)); pErr != nil {
			r.log.Warn("Cache directory cannot be watched, cached data will not be reloaded", "dir", dir, "err", err, "parent_err", pErr)
		} else {
			r.log.Warn("Cache directory not found, waiting for its creation", "dir", dir, "err", err)
		}
	} else {
		r.log.Info("Watching cache directory", "dir", dir)
	}

	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)
	notify := func() {
		select {
		case changesCh <- struct{}{}:
		default:
		}
	}

	r.Load()

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				r.log.Info("Cache watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}

				if !dirWatched {
					if filepath.Clean(event.Name) != dir || !event.Has(fsnotify.Create) {
						continue
					}
					if err := watcher.Add(dir); err != nil {
						r.log.Warn("Failed to watch created cache directory", "dir", dir, "err", err)
						continue
					}
					dirWatched = true
					r.log.Info("Cache directory created, watching it", "dir", dir)
					// Files may have been written before the directory was watched.
					r.Load()
					notify()
					continue
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				dt, ok := byFile[filepath.Base(event.Name)]
				if !ok || filepath.Dir(filepath.Clean(event.Name)) != dir {
					continue
				}

				r.log.Debug("Cache file changed, reloading", "file", event.Name)
				r.loadCategory(dt)
				notify()

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				r.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}
