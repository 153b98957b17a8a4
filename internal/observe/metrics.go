// Package observe provides application-wide observability primitives for
// livebridge: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livebridge metrics.
const meterName = "github.com/MrWong99/livebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from dial to the setup message being
	// sent. Use with attribute:
	//   attribute.String("kind", ...)
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long sessions stay open. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("cause", ...)
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts frames transmitted to the remote service.
	FramesSent metric.Int64Counter

	// FramesDropped counts frames discarded because the outbound queue was
	// full.
	FramesDropped metric.Int64Counter

	// InboundEvents counts server events. Use with attribute:
	//   attribute.String("event", ...)
	InboundEvents metric.Int64Counter

	// --- Error counters ---

	// SendFailures counts frames whose transmission failed.
	SendFailures metric.Int64Counter

	// ProtocolErrors counts inbound messages that could not be parsed.
	ProtocolErrors metric.Int64Counter

	// StartFailures counts failed session starts. Use with attribute:
	//   attribute.String("reason", ...)
	StartFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for connect
// latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// lifetimeBuckets defines histogram bucket boundaries (in seconds) for session
// lifetimes, which range from failed handshakes to hour-long streams.
var lifetimeBuckets = []float64{
	1, 5, 15, 30, 60, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livebridge.connect.duration",
		metric.WithDescription("Latency of opening the live socket and sending setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livebridge.session.duration",
		metric.WithDescription("Lifetime of streaming sessions by kind and close cause."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lifetimeBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livebridge.frames.sent",
		metric.WithDescription("Total audio frames transmitted."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livebridge.frames.dropped",
		metric.WithDescription("Total audio frames dropped because the outbound queue was full."),
	); err != nil {
		return nil, err
	}
	if met.InboundEvents, err = m.Int64Counter("livebridge.inbound.events",
		metric.WithDescription("Total server events by event kind."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SendFailures, err = m.Int64Counter("livebridge.send.failures",
		metric.WithDescription("Total audio frames whose transmission failed."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("livebridge.protocol.errors",
		metric.WithDescription("Total inbound messages that could not be parsed."),
	); err != nil {
		return nil, err
	}
	if met.StartFailures, err = m.Int64Counter("livebridge.start.failures",
		metric.WithDescription("Total failed session starts by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livebridge.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livebridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordInboundEvent records one server event of the given kind.
func (m *Metrics) RecordInboundEvent(ctx context.Context, event string) {
	m.InboundEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordStartFailure records a failed session start.
func (m *Metrics) RecordStartFailure(ctx context.Context, reason string) {
	m.StartFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSessionEnd records the lifetime of a closed session.
func (m *Metrics) RecordSessionEnd(ctx context.Context, kind, cause string, seconds float64) {
	m.SessionDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("cause", cause),
		),
	)
}
