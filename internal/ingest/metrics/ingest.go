package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome statuses of a telemetry request.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusRejected = "rejected"
)

// InvalidDataType labels requests whose data type is not part of the enumeration.
const InvalidDataType = "invalid"

// Ingest holds the telemetry specific collectors.
type Ingest struct {
	requests   *prometheus.CounterVec
	processing *prometheus.HistogramVec
	upload     *prometheus.HistogramVec
}

// NewIngest creates and registers the telemetry collectors in registry.
func NewIngest(registry prometheus.Registerer) *Ingest {
	factory := promauto.With(registry)

	return &Ingest{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telemetry_requests_total",
				Help: "Total telemetry requests received.",
			}, []string{"data_type", "status"},
		),
		processing: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "telemetry_processing_duration_seconds",
				Help:    "Time spent processing telemetry.",
				Buckets: prometheus.DefBuckets,
			}, []string{"data_type"},
		),
		upload: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "s3_upload_duration_seconds",
				Help:    "Time spent uploading to the object store.",
				Buckets: prometheus.DefBuckets,
			}, []string{"bucket"},
		),
	}
}

// CountRequest counts one telemetry request of dataType ending with status.
func (m *Ingest) CountRequest(dataType, status string) {
	m.requests.WithLabelValues(dataType, status).Inc()
}

// ObserveProcessing records the handling time of one telemetry request.
func (m *Ingest) ObserveProcessing(dataType string, d time.Duration) {
	m.processing.WithLabelValues(dataType).Observe(d.Seconds())
}

// ObserveUpload records the duration of one object store put.
func (m *Ingest) ObserveUpload(bucket string, d time.Duration) {
	m.upload.WithLabelValues(bucket).Observe(d.Seconds())
}

// Noop discards every measurement.
type Noop struct{}

// CountRequest does nothing.
func (Noop) CountRequest(string, string) {}

// ObserveProcessing does nothing.
func (Noop) ObserveProcessing(string, time.Duration) {}

// ObserveUpload does nothing.
func (Noop) ObserveUpload(string, time.Duration) {}
