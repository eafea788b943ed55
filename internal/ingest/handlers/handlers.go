// Package handlers provides the HTTP handlers of the ingestion service.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

// Storer persists an envelope and returns its key.
type Storer interface {
	Store(ctx context.Context, env telemetry.Envelope) (string, error)
}

// Recorder collects the telemetry request metrics.
type Recorder interface {
	CountRequest(dataType, status string)
	ObserveProcessing(dataType string, d time.Duration)
}

// DeadLetter receives envelopes which could not be stored.
type DeadLetter interface {
	Publish(ctx context.Context, env telemetry.Envelope, cause error) error
}

type reqIDKey struct{}

// RequestID tags each request with an id, echoed in the response headers.
// A valid UUID sent by the client is kept, anything else is replaced.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(constants.RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.New().String()
		}
		w.Header().Set(constants.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), reqIDKey{}, id)))
	})
}

// RequestIDFrom returns the request id attached by RequestID, or an empty string.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(reqIDKey{}).(string)
	return id
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// NotFound answers unknown routes with a JSON detail.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "Not Found")
}

// MethodNotAllowed answers known routes called with the wrong method.
func MethodNotAllowed(allow string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", allow)
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	}
}
