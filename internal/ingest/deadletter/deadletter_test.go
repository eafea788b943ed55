package deadletter_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trackside-telemetry/pipeline/internal/ingest/deadletter"
	"github.com/trackside-telemetry/pipeline/internal/ingest/storage"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
	"github.com/trackside-telemetry/pipeline/internal/testutils"
)

func TestPublish(t *testing.T) {
	t.Parallel()

	failedAt := time.Date(2024, 3, 2, 15, 0, 5, 0, time.UTC)

	tests := map[string]struct {
		dataType   telemetry.DataType
		cause      error
		publishErr error

		wantSubject string
		wantReason  string
		wantErr     bool
	}{
		"Storage failure": {
			dataType:    telemetry.LapTimes,
			cause:       errors.New("connection reset"),
			wantSubject: "telemetry.dlq.lap_times",
			wantReason:  deadletter.ReasonStoreFailed,
		},
		"Unavailable store": {
			dataType:    telemetry.PitStops,
			cause:       fmt.Errorf("wrapped: %w", storage.ErrUnavailable),
			wantSubject: "telemetry.dlq.pit_stops",
			wantReason:  deadletter.ReasonStoreUnavailable,
		},
		"Unknown data type": {
			dataType:    "tyre_temps",
			cause:       errors.New("boom"),
			wantSubject: "telemetry.dlq.unknown",
			wantReason:  deadletter.ReasonStoreFailed,
		},

		"Error when publish fails": {
			dataType:   telemetry.LapTimes,
			cause:      errors.New("boom"),
			publishErr: errors.New("no responders"),
			wantErr:    true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var gotSubject string
			var gotPayload []byte
			p := deadletter.NewWithPublisher(func(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
				gotSubject, gotPayload = subject, payload
				if tc.publishErr != nil {
					return nil, tc.publishErr
				}
				return &jetstream.PubAck{Stream: deadletter.StreamName, Sequence: 1}, nil
			}, func() time.Time { return failedAt })

			env := telemetry.Envelope{
				Timestamp: "2024-03-02T15:00:00Z",
				EdgeID:    "trackside-edge-001",
				DataType:  tc.dataType,
				Payload:   json.RawMessage(`{"laps":[]}`),
			}
			err := p.Publish(context.Background(), env, tc.cause)
			if tc.wantErr {
				require.Error(t, err, "Publish should have failed")
				assert.Zero(t, p.Written())
				return
			}
			require.NoError(t, err, "Publish should not fail")
			assert.Equal(t, uint64(1), p.Written())
			assert.Equal(t, tc.wantSubject, gotSubject)

			var msg deadletter.Message
			require.NoError(t, json.Unmarshal(gotPayload, &msg), "Dead letter should be JSON")
			assert.Equal(t, failedAt, msg.FailedAt)
			assert.Equal(t, tc.wantReason, msg.Reason)
			assert.Equal(t, tc.cause.Error(), msg.Error)
			assert.Equal(t, env.EdgeID, msg.Envelope.EdgeID)
			assert.JSONEq(t, string(env.Payload), string(msg.Envelope.Payload))
		})
	}
}

func TestNoop(t *testing.T) {
	t.Parallel()

	require.NoError(t, deadletter.Noop{}.Publish(context.Background(), telemetry.Envelope{}, errors.New("boom")))
}

func TestNewJetStreamUnreachable(t *testing.T) {
	t.Parallel()

	port := testutils.GetFreePort(t, "127.0.0.1")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := deadletter.NewJetStream(ctx, fmt.Sprintf("nats://127.0.0.1:%d", port))
	require.Error(t, err, "NewJetStream should fail without server")
}
