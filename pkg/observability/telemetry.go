// Package observability wires structured logging and OpenTelemetry
// tracing/metrics for the kernel. With no OTLP endpoint configured every
// instrument is a no-op, so call sites never guard on telemetry being
// enabled.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
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
)

// Config configures logging and telemetry export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the gRPC collector address; empty disables export.
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string // "text" | "json"
}

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "gap-kernel",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// NewLogger builds a slog logger per the config.
func NewLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// Provider owns the tracer, meter and the kernel's instruments.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	cycles           metric.Int64Counter
	decisions        metric.Int64Counter
	escalations      metric.Int64Counter
	cycleDuration    metric.Float64Histogram
	evaluateDuration metric.Float64Histogram
}

// New builds the provider. Without an OTLP endpoint the global no-op
// providers back every instrument.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{cfg: cfg, logger: logger.With("component", "observability")}

	if cfg.OTLPEndpoint != "" {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("observability: build resource: %w", err)
		}
		if err := p.initTracing(ctx, res); err != nil {
			return nil, err
		}
		if err := p.initMetrics(ctx, res); err != nil {
			return nil, err
		}
		p.logger.InfoContext(ctx, "telemetry export enabled", "endpoint", cfg.OTLPEndpoint)
	}

	p.tracer = otel.Tracer("gap.kernel", trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter("gap.kernel", metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTracing(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(p.cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.cycles, err = p.meter.Int64Counter("gap.cycles",
		metric.WithDescription("CGA cycles run"),
		metric.WithUnit("{cycle}"))
	if err != nil {
		return err
	}
	p.decisions, err = p.meter.Int64Counter("gap.decisions",
		metric.WithDescription("Governance decisions by verdict"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return err
	}
	p.escalations, err = p.meter.Int64Counter("gap.escalations",
		metric.WithDescription("Cycles escalated to a human"),
		metric.WithUnit("{escalation}"))
	if err != nil {
		return err
	}
	p.cycleDuration, err = p.meter.Float64Histogram("gap.cycle.duration",
		metric.WithDescription("End-to-end CGA cycle duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30))
	if err != nil {
		return err
	}
	p.evaluateDuration, err = p.meter.Float64Histogram("gap.evaluate.duration",
		metric.WithDescription("Governance evaluation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.05, 0.1, 0.5))
	return err
}

// Tracer returns the kernel tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// RecordCycle counts a finished cycle with its verdict and duration.
func (p *Provider) RecordCycle(ctx context.Context, verdict string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("verdict", verdict))
	p.cycles.Add(ctx, 1, attrs)
	p.cycleDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDecision counts one governance decision by verdict.
func (p *Provider) RecordDecision(ctx context.Context, verdict string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordEvaluateDuration records how long one evaluation took.
func (p *Provider) RecordEvaluateDuration(ctx context.Context, duration time.Duration) {
	p.evaluateDuration.Record(ctx, duration.Seconds())
}

// RecordEscalation counts a cycle handed to a human.
func (p *Provider) RecordEscalation(ctx context.Context) {
	p.escalations.Add(ctx, 1)
}

// TrackOperation opens a span and returns the completion closure that
// ends it, recording the error if any.
func (p *Provider) TrackOperation(ctx context.Context, name string) (context.Context, func(error)) {
	ctx, span := p.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Shutdown flushes exporters. Safe to call with export disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("observability: shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("observability: shutdown meter: %w", err)
		}
	}
	return nil
}
