// Package observe provides the observability primitives shared by voxcap:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware tying them together.
//
// Instruments are created through the OpenTelemetry Metrics API and exported
// for scraping via the Prometheus bridge set up by [Setup]. Production
// code uses [DefaultMetrics]; tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of all voxcap metrics.
const meterName = "github.com/MrWong99/voxcap"

// Metrics holds the metric instruments of the application. Instruments are
// safe for concurrent use.
type Metrics struct {
	// TranscribeDuration is the wall time of a Transcribe call, from job
	// creation to its terminal state. Attribute: status.
	TranscribeDuration metric.Float64Histogram

	// HealthCheckDuration is the time one server health check takes. Attributes:
	// server, status.
	HealthCheckDuration metric.Float64Histogram

	// DispatchAttempts counts submission attempts. Attributes: server, status.
	DispatchAttempts metric.Int64Counter

	// DispatchFailovers counts moves from one server to another within a
	// single Transcribe call.
	DispatchFailovers metric.Int64Counter

	// ServerFailures counts failures charged to a server. Attribute: server.
	ServerFailures metric.Int64Counter

	// ActiveJobs is the number of Transcribe calls in flight.
	ActiveJobs metric.Int64UpDownCounter

	// HTTPRequestDuration is the latency of the introspection API. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// transcribeBuckets are histogram boundaries in seconds for remote
// transcription, which ranges from a few seconds to the 30 minute ceiling.
var transcribeBuckets = []float64{
	1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800,
}

// checkBuckets are histogram boundaries in seconds for health checks.
var checkBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates all instruments using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TranscribeDuration, err = m.Float64Histogram("voxcap.transcribe.duration",
		metric.WithDescription("End-to-end latency of a transcription request."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(transcribeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HealthCheckDuration, err = m.Float64Histogram("voxcap.healthcheck.duration",
		metric.WithDescription("Latency of a single server health check."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(checkBuckets...),
	); err != nil {
		return nil, err
	}

	if met.DispatchAttempts, err = m.Int64Counter("voxcap.dispatch.attempts",
		metric.WithDescription("Submission attempts by server and outcome."),
	); err != nil {
		return nil, err
	}
	if met.DispatchFailovers, err = m.Int64Counter("voxcap.dispatch.failovers",
		metric.WithDescription("Moves to another server after a failed attempt."),
	); err != nil {
		return nil, err
	}
	if met.ServerFailures, err = m.Int64Counter("voxcap.server.failures",
		metric.WithDescription("Failures charged to a transcription server."),
	); err != nil {
		return nil, err
	}

	if met.ActiveJobs, err = m.Int64UpDownCounter("voxcap.jobs.active",
		metric.WithDescription("Transcription requests currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxcap.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built from the global
// meter provider on first use. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAttempt counts one submission attempt against server.
func (m *Metrics) RecordAttempt(ctx context.Context, server, status string) {
	m.DispatchAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("status", status),
		),
	)
}

// RecordServerFailure counts one failure charged to server.
func (m *Metrics) RecordServerFailure(ctx context.Context, server string) {
	m.ServerFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("server", server)),
	)
}

// RecordHealthCheck records the duration of one health check against server.
func (m *Metrics) RecordHealthCheck(ctx context.Context, server, status string, seconds float64) {
	m.HealthCheckDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("server", server),
			attribute.String("status", status),
		),
	)
}
