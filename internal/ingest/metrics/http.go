// Package metrics collects the Prometheus metrics of the ingestion service.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type label string

// LabelRoute is the context key of the route label.
const LabelRoute label = "route"

// unmatchedRoute labels requests no route was applied to, keeping the label cardinality bounded.
const unmatchedRoute = "unmatched"

// EndpointMiddleware collects HTTP metrics of individual endpoints.
type EndpointMiddleware struct {
	buckets  []float64
	registry prometheus.Registerer
}

// NewEndpointMiddleware creates an EndpointMiddleware registering its collectors in registry.
func NewEndpointMiddleware(registry prometheus.Registerer) *EndpointMiddleware {
	return &EndpointMiddleware{
		// Request durations skew small unless the store is struggling. Max of 10.24.
		buckets:  prometheus.ExponentialBuckets(0.005, 2, 12),
		registry: registry,
	}
}

// Wrap instruments handler with request count, duration and size metrics labelled by handlerName.
func (m *EndpointMiddleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)
	labels := []string{"method", "code", string(LabelRoute)}
	routeLabel := promhttp.WithLabelFromCtx(string(LabelRoute), routeFromCtx)

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_endpoint_requests_total",
			Help: "Tracks the number of HTTP requests to the endpoint.",
		}, labels,
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_endpoint_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests to the endpoint.",
			Buckets: m.buckets,
		}, labels,
	)
	requestSize := promauto.With(reg).NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "http_endpoint_request_size_bytes",
			Help: "Tracks the size of HTTP requests to the endpoint.",
		}, labels,
	)

	return promhttp.InstrumentHandlerCounter(requestsTotal,
		promhttp.InstrumentHandlerDuration(requestDuration,
			promhttp.InstrumentHandlerRequestSize(requestSize, handler, routeLabel),
			routeLabel),
		routeLabel,
	).ServeHTTP
}

// MuxMiddleware counts every request reaching the mux, matched or not.
type MuxMiddleware struct {
	registry prometheus.Registerer
}

// NewMuxMiddleware creates a MuxMiddleware registering its collectors in registry.
func NewMuxMiddleware(registry prometheus.Registerer) *MuxMiddleware {
	return &MuxMiddleware{
		registry: registry,
	}
}

// Wrap instruments handler with a request counter labelled by handlerName.
func (m *MuxMiddleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_mux_requests_total",
			Help: "Tracks the number of HTTP requests to the mux.",
		}, []string{"method", "code"},
	)

	return promhttp.InstrumentHandlerCounter(requestsTotal, handler)
}

func routeFromCtx(ctx context.Context) string {
	if route, ok := ctx.Value(LabelRoute).(string); ok && route != "" {
		return route
	}
	return unmatchedRoute
}

// ApplyLabels stores the route pattern matched by the mux in the request context.
// Raw paths are never used as label values.
func ApplyLabels(r *http.Request) {
	ctx := context.WithValue(r.Context(), LabelRoute, r.Pattern)
	*r = *r.WithContext(ctx)
}

// HandlerApplyLabels applies the labels of each request before calling handler.
func HandlerApplyLabels(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ApplyLabels(r)
		handler.ServeHTTP(w, r)
	})
}
