package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/ingest/metrics"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// Telemetry accepts telemetry envelopes and stores them.
type Telemetry struct {
	store    Storer
	recorder Recorder
	dlq      DeadLetter

	maxBodyBytes int64
	now          func() time.Time
	log          *slog.Logger
}

type options struct {
	dlq DeadLetter
	now func() time.Time
	log *slog.Logger
}

// Options represents an optional function to override handler default values.
type Options func(*options)

// WithDeadLetter sets where envelopes failing to be stored are published.
func WithDeadLetter(d DeadLetter) Options {
	return func(o *options) {
		o.dlq = d
	}
}

// WithLogger sets the logger of the handler.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.log = l
	}
}

// NewTelemetry creates a Telemetry handler storing to store and reporting to recorder.
// Bodies larger than maxBodyBytes are rejected.
func NewTelemetry(store Storer, recorder Recorder, maxBodyBytes int64, args ...Options) *Telemetry {
	opts := options{
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	if recorder == nil {
		recorder = metrics.Noop{}
	}

	return &Telemetry{
		store:        store,
		recorder:     recorder,
		dlq:          opts.dlq,
		maxBodyBytes: maxBodyBytes,
		now:          opts.now,
		log:          opts.log,
	}
}

type acceptedResponse struct {
	Status     string `json:"status"`
	StorageKey string `json:"storage_key"`
	Timestamp  string `json:"timestamp"`
}

// ServeHTTP validates the posted envelope and stores it.
//
// An X-Edge-ID header disagreeing with the envelope is only logged.
func (h *Telemetry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	start := time.Now()
	reqID := RequestIDFrom(r.Context())
	dataType := metrics.InvalidDataType
	defer func() {
		h.recorder.ObserveProcessing(dataType, time.Since(start))
	}()

	reject := func(status int, detail string, err error) {
		h.recorder.CountRequest(dataType, metrics.StatusRejected)
		h.log.Warn("Rejected telemetry", "req_id", reqID, "status", status, "err", err)
		writeError(w, status, detail)
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			reject(http.StatusRequestEntityTooLarge, "Request body too large", err)
			return
		}
		reject(http.StatusBadRequest, "Failed to read request body", err)
		return
	}

	var env telemetry.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			reject(http.StatusUnprocessableEntity, "Invalid type for field "+typeErr.Field, err)
			return
		}
		reject(http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	if env.DataType.Valid() {
		dataType = string(env.DataType)
	}
	if err := env.Validate(); err != nil {
		reject(http.StatusUnprocessableEntity, err.Error(), err)
		return
	}

	log := h.log.With("req_id", reqID, "edge_id", env.EdgeID, "data_type", env.DataType)
	if header := r.Header.Get(constants.EdgeIDHeader); header != "" && header != env.EdgeID {
		log.Warn("Edge ID mismatch between header and envelope", "header", header)
	}
	log.Info("Telemetry received", "race_mode", r.Header.Get(constants.RaceModeHeader))

	key, err := h.store.Store(r.Context(), env)
	if err != nil {
		log.Error("Failed to store telemetry", "err", err)
		h.recorder.CountRequest(dataType, metrics.StatusFailed)
		if h.dlq != nil {
			if dErr := h.dlq.Publish(r.Context(), env, err); dErr != nil {
				log.Warn("Failed to publish telemetry to dead letter", "err", dErr)
			}
		}
		writeError(w, http.StatusInternalServerError, "Failed to store telemetry")
		return
	}

	h.recorder.CountRequest(dataType, metrics.StatusSuccess)
	log.Info("Telemetry stored", "storage_key", key)
	writeJSON(w, http.StatusAccepted, acceptedResponse{
		Status:     "accepted",
		StorageKey: key,
		Timestamp:  h.now().UTC().Format(telemetry.TimeLayout),
	})
}
