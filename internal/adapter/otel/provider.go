package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter names accepted by Config.Exporter.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	ExporterNone   = "none"
)

// Config selects where telemetry goes and how it is labelled.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Exporter       string
	Insecure       bool    // plain HTTP to the OTLP collector
	SampleRatio    float64 // fraction of root traces kept; 0 means all
}

// Providers owns the registered tracer and meter providers.
type Providers struct {
	Tracer *trace.TracerProvider
	Meter  *metric.MeterProvider
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if err := errors.Join(p.Tracer.Shutdown(ctx), p.Meter.Shutdown(ctx)); err != nil {
		return fmt.Errorf("otel shutdown: %w", err)
	}
	return nil
}

// exporters is the pair chosen by Config.Exporter. Both are nil for "none":
// spans and metrics are still recorded in process, they just go nowhere.
type exporters struct {
	spans   trace.SpanExporter
	metrics metric.Exporter
}

func newExporters(ctx context.Context, cfg Config) (exporters, error) {
	switch cfg.Exporter {
	case ExporterNone:
		return exporters{}, nil

	case ExporterStdout:
		spans, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return exporters{}, err
		}
		metrics, err := stdoutmetric.New()
		if err != nil {
			return exporters{}, err
		}
		return exporters{spans: spans, metrics: metrics}, nil

	case ExporterOTLP:
		var traceOpts []otlptracehttp.Option
		var metricOpts []otlpmetrichttp.Option
		if cfg.Insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
			metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
		}
		spans, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return exporters{}, err
		}
		metrics, err := otlpmetrichttp.New(ctx, metricOpts...)
		if err != nil {
			_ = spans.Shutdown(ctx)
			return exporters{}, err
		}
		return exporters{spans: spans, metrics: metrics}, nil
	}
	return exporters{}, fmt.Errorf("unsupported exporter %q (use %q, %q or %q)",
		cfg.Exporter, ExporterStdout, ExporterOTLP, ExporterNone)
}

// Setup builds tracer and meter providers for cfg and registers them, along
// with the W3C trace-context propagator the billing client injects, as the
// process-wide globals. Call Shutdown on exit to flush pending telemetry.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otel resource: %w", err)
	}

	exp, err := newExporters(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating exporters: %w", err)
	}

	sampler := trace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = trace.TraceIDRatioBased(cfg.SampleRatio)
	}
	traceOpts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(sampler)),
	}
	if exp.spans != nil {
		traceOpts = append(traceOpts, trace.WithBatcher(exp.spans))
	}

	meterOpts := []metric.Option{metric.WithResource(res)}
	if exp.metrics != nil {
		meterOpts = append(meterOpts, metric.WithReader(metric.NewPeriodicReader(exp.metrics)))
	}

	p := &Providers{
		Tracer: trace.NewTracerProvider(traceOpts...),
		Meter:  metric.NewMeterProvider(meterOpts...),
	}

	otel.SetTracerProvider(p.Tracer)
	otel.SetMeterProvider(p.Meter)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}
