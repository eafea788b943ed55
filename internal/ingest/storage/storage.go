// Package storage persists telemetry envelopes to a time and category partitioned object store.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/telemetry"
	"github.com/ubuntu/decorate"
)

// ErrUnavailable is returned by every call to a store whose backend failed to initialize.
var ErrUnavailable = errors.New("store unavailable")

// Object is a single write to a backend.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// Backend is an object store accepting whole object puts.
type Backend interface {
	// Put writes obj in a single operation. A failed put leaves nothing behind.
	Put(ctx context.Context, obj Object) error
	// Bucket names the location objects are written to.
	Bucket() string
}

// UploadObserver is notified of the duration of every put, successful or not.
type UploadObserver interface {
	ObserveUpload(bucket string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveUpload(string, time.Duration) {}

// Store derives keys for envelopes and writes them to a backend.
type Store struct {
	backend Backend
	cause   error

	observer UploadObserver
	log      *slog.Logger
}

type options struct {
	observer UploadObserver
	log      *slog.Logger
}

// Options represents an optional function to override Store default values.
type Options func(*options)

// WithObserver sets the observer of backend puts.
func WithObserver(o UploadObserver) Options {
	return func(opts *options) {
		opts.observer = o
	}
}

// WithLogger sets the logger of the store.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

func newStore(backend Backend, cause error, args ...Options) *Store {
	opts := options{
		observer: noopObserver{},
		log:      slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Store{
		backend:  backend,
		cause:    cause,
		observer: opts.observer,
		log:      opts.log,
	}
}

// New returns a Store writing to backend.
func New(backend Backend, args ...Options) *Store {
	return newStore(backend, nil, args...)
}

// Unavailable returns a Store failing every call with ErrUnavailable, because its backend could not be initialized.
func Unavailable(cause error, args ...Options) *Store {
	if cause == nil {
		cause = errors.New("no backend configured")
	}
	return newStore(nil, cause, args...)
}

// Err returns the initialization failure of the store, if any.
func (s *Store) Err() error {
	if s.backend == nil {
		return errors.Join(ErrUnavailable, s.cause)
	}
	return nil
}

// Store writes env and returns its key.
//
// The body is the indented JSON envelope. The edge id, data type and collection time are attached as object metadata.
// Writing the same edge id, data type and timestamp twice overwrites the first object.
func (s *Store) Store(ctx context.Context, env telemetry.Envelope) (key string, err error) {
	if err := s.Err(); err != nil {
		return "", err
	}
	defer decorate.OnError(&err, "could not store %s telemetry", env.DataType)

	key, err = Key(env)
	if err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", err
	}

	obj := Object{
		Key:         key,
		Body:        body,
		ContentType: "application/json",
		Metadata: map[string]string{
			"edge_id":         env.EdgeID,
			"data_type":       string(env.DataType),
			"collection_time": env.Metadata.CollectionTime,
		},
	}

	start := time.Now()
	err = s.backend.Put(ctx, obj)
	s.observer.ObserveUpload(s.backend.Bucket(), time.Since(start))
	if err != nil {
		return "", err
	}

	s.log.Info("Stored telemetry", "bucket", s.backend.Bucket(), "key", key, "size", len(body))
	return key, nil
}
