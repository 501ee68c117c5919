// Package observability wires OpenTelemetry tracing and metrics with
// OTLP gRPC export. Disabled providers are no-ops so the gateway runs
// identically without a collector.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
	Insecure       bool
}

// Provider owns the trace and metric providers plus the gateway's
// decision metrics.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	Decisions    metric.Int64Counter
	Denials      metric.Int64Counter
	Escalations  metric.Int64Counter
	ConnectorDur metric.Float64Histogram
}

// New initializes the providers. With Enabled false, a no-op tracer and
// nil metrics are returned and every instrument method is safe to call.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: slog.Default().With("component", "observability")}

	if !cfg.Enabled {
		p.tracer = noop.NewTracerProvider().Tracer("agentgate")
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
			attribute.String("agentgate.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = otel.Tracer("agentgate", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("agentgate", metric.WithInstrumentationVersion(cfg.ServiceVersion))

	if err := p.initMetrics(); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}
	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName, "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error
	p.Decisions, err = p.meter.Int64Counter("agentgate.decisions.total",
		metric.WithDescription("Decisions rendered, by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.Denials, err = p.meter.Int64Counter("agentgate.denials.total",
		metric.WithDescription("DENY decisions, by first reason code"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.Escalations, err = p.meter.Int64Counter("agentgate.escalations.total",
		metric.WithDescription("ESCALATE decisions"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.ConnectorDur, err = p.meter.Float64Histogram("agentgate.connector.duration",
		metric.WithDescription("Connector execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10))
	return err
}

// Tracer returns the gateway tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordDecision increments the decision counters for one outcome.
func (p *Provider) RecordDecision(ctx context.Context, outcome string, firstReason string) {
	if p.Decisions == nil {
		return
	}
	p.Decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	switch outcome {
	case "DENY":
		p.Denials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", firstReason)))
	case "ESCALATE":
		p.Escalations.Add(ctx, 1)
	}
}

// RecordConnector records one connector execution duration.
func (p *Provider) RecordConnector(ctx context.Context, tool string, seconds float64, success bool) {
	if p.ConnectorDur == nil {
		return
	}
	p.ConnectorDur.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("success", success),
	))
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var first error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			first = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
