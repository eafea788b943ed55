// Package deadletter keeps the telemetry envelopes the ingestion service failed to store.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/trackside-telemetry/pipeline/internal/ingest/storage"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

const (
	// StreamName is the JetStream stream holding dead letters.
	StreamName = "TELEMETRY_DLQ"
	// SubjectPrefix is followed by the data type of the envelope.
	SubjectPrefix = "telemetry.dlq."
)

// Reasons of a dead letter.
const (
	ReasonStoreUnavailable = "store_unavailable"
	ReasonStoreFailed      = "store_failed"
)

// Publisher receives envelopes which could not be stored.
type Publisher interface {
	Publish(ctx context.Context, env telemetry.Envelope, cause error) error
}

// Noop drops every dead letter.
type Noop struct{}

// Publish does nothing.
func (Noop) Publish(context.Context, telemetry.Envelope, error) error { return nil }

// Message is the body of a dead letter.
type Message struct {
	FailedAt time.Time          `json:"failed_at"`
	Reason   string             `json:"reason"`
	Error    string             `json:"error"`
	Envelope telemetry.Envelope `json:"envelope"`
}

// streamPublisher is the part of jetstream.JetStream used to publish.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStream publishes dead letters to a NATS JetStream stream, shared by every ingestion replica.
type JetStream struct {
	nc      *nats.Conn
	js      streamPublisher
	written atomic.Uint64

	now func() time.Time
	log *slog.Logger
}

type options struct {
	maxAge time.Duration
	log    *slog.Logger
}

// Options represents an optional function to override JetStream default values.
type Options func(*options)

// WithLogger sets the logger of the publisher.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// WithMaxAge sets how long dead letters are retained by the stream.
func WithMaxAge(d time.Duration) Options {
	return func(o *options) {
		o.maxAge = d
	}
}

// NewJetStream connects to the NATS server at url and creates or updates the dead letter stream.
func NewJetStream(ctx context.Context, url string, args ...Options) (*JetStream, error) {
	opts := options{
		maxAge: 7 * 24 * time.Hour,
		log:    slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	log := opts.log
	nc, err := nats.Connect(url,
		nats.Name("trackside-ingest-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectPrefix + ">"},
		MaxAge:   opts.maxAge,
		Storage:  jetstream.FileStorage,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("create dead letter stream: %w", err)
	}

	log.Info("Dead letter stream ready", "stream", StreamName)
	return newJetStream(nc, js, opts.log), nil
}

func newJetStream(nc *nats.Conn, js streamPublisher, log *slog.Logger) *JetStream {
	return &JetStream{
		nc:  nc,
		js:  js,
		now: time.Now,
		log: log,
	}
}

// Publish records env and the storage failure cause under the subject of its data type.
func (p *JetStream) Publish(ctx context.Context, env telemetry.Envelope, cause error) error {
	reason := ReasonStoreFailed
	if errors.Is(cause, storage.ErrUnavailable) {
		reason = ReasonStoreUnavailable
	}
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	data, err := json.Marshal(Message{
		FailedAt: p.now().UTC(),
		Reason:   reason,
		Error:    errMsg,
		Envelope: env,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %v", err)
	}

	subject := SubjectPrefix + string(env.DataType)
	if !env.DataType.Valid() {
		subject = SubjectPrefix + "unknown"
	}
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	p.written.Add(1)
	p.log.Info("Published dead letter", "subject", subject, "reason", reason)
	return nil
}

// Written returns how many dead letters this publisher sent.
func (p *JetStream) Written() uint64 {
	return p.written.Load()
}

// Close flushes pending dead letters and closes the connection.
func (p *JetStream) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
