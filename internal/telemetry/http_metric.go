package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// HTTPServerMetrics holds all the metric instruments for the HTTP surface.
type HTTPServerMetrics struct {
	RequestsStartedCounter      metric.Int64Counter
	RequestsHandledCounter      metric.Int64Counter
	RequestLatencyHistogram     metric.Int64Histogram
	ActiveRequestsUpDownCounter metric.Int64UpDownCounter
}

// NewHTTPServerMetrics creates and registers all the metrics for the HTTP server.
func NewHTTPServerMetrics(meter metric.Meter) (*HTTPServerMetrics, error) {
	requestsStarted, err := meter.Int64Counter(
		"vantadb.http.server.started_total",
		metric.WithDescription("Total number of HTTP requests started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requestsHandled, err := meter.Int64Counter(
		"vantadb.http.server.handled_total",
		metric.WithDescription("Total number of HTTP requests completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requestLatency, err := meter.Int64Histogram(
		"vantadb.http.server.duration",
		metric.WithDescription("The latency of HTTP requests."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRequests, err := meter.Int64UpDownCounter(
		"vantadb.http.server.active_requests",
		metric.WithDescription("Number of in-flight HTTP requests."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPServerMetrics{
		RequestsStartedCounter:      requestsStarted,
		RequestsHandledCounter:      requestsHandled,
		RequestLatencyHistogram:     requestLatency,
		ActiveRequestsUpDownCounter: activeRequests,
	}, nil
}
