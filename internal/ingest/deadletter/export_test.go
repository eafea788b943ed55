package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// PublishFunc stands in for a JetStream context in tests.
type PublishFunc func(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)

// Publish implements streamPublisher.
func (f PublishFunc) Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	return f(ctx, subject, payload, opts...)
}

// NewWithPublisher returns a JetStream publisher without connection, publishing through js.
func NewWithPublisher(js PublishFunc, now func() time.Time) *JetStream {
	p := newJetStream(nil, js, slog.Default())
	p.now = now
	return p
}
