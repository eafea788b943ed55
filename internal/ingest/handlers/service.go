package handlers

import (
	"net/http"
	"time"

	"github.com/trackside-telemetry/pipeline/internal/constants"
	"github.com/trackside-telemetry/pipeline/internal/ingest/metrics"
	"github.com/trackside-telemetry/pipeline/internal/telemetry"
)

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

// Health reports that the service is up.
func Health(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(telemetry.TimeLayout),
		Version:   constants.APIVersion,
	})
}

type descriptor struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// Root describes the service and its endpoints.
func Root(w http.ResponseWriter, r *http.Request) {
	metrics.ApplyLabels(r)

	writeJSON(w, http.StatusOK, descriptor{
		Service: constants.ServiceName,
		Version: constants.APIVersion,
		Endpoints: map[string]string{
			"health":    constants.HealthPath,
			"metrics":   constants.MetricsPath,
			"telemetry": constants.TelemetryPath,
		},
	})
}
