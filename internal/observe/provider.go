package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultServiceName is reported as service.name when none is configured.
const DefaultServiceName = "livebridge"

// ProviderConfig describes the process to the telemetry backend.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string

	// LiveProvider and APIVersion identify the live service endpoint every
	// session of this process talks to. They are attached to the resource
	// so connect latencies from different endpoints can be told apart.
	LiveProvider string
	APIVersion   string

	// SampleRatio is the fraction of root traces kept, in (0, 1]. Zero
	// keeps every trace. Session spans follow their parent's decision.
	SampleRatio float64

	// TraceExporter receives sampled spans. Nil records spans without
	// exporting them.
	TraceExporter sdktrace.SpanExporter

	// MetricReader replaces the Prometheus exporter, e.g. with a manual
	// reader in tests.
	MetricReader sdkmetric.Reader
}

// Provider owns the SDK providers registered as the OTel globals.
type Provider struct {
	Meters  *sdkmetric.MeterProvider
	Tracers *sdktrace.TracerProvider
}

// InitProvider builds the meter and tracer providers, registers them
// globally and returns them. The caller must call [Provider.Shutdown].
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.SampleRatio < 0 || cfg.SampleRatio > 1 {
		return nil, fmt.Errorf("observe: sample ratio %v outside [0, 1]", cfg.SampleRatio)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.LiveProvider != "" {
		attrs = append(attrs, attribute.String("live.provider", cfg.LiveProvider))
	}
	if cfg.APIVersion != "" {
		attrs = append(attrs, attribute.String("live.api_version", cfg.APIVersion))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reader := cfg.MetricReader
	if reader == nil {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
		}
		reader = exp
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return &Provider{Meters: mp, Tracers: tp}, nil
}

// Shutdown flushes pending spans and metrics and closes both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(p.Tracers.Shutdown(ctx), p.Meters.Shutdown(ctx))
}
