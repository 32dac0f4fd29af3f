// Package traces wires OpenTelemetry tracing for the risk service. Spans
// cover single-snapshot scoring, session classification and training.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/behavauth"
	serviceName = "behavauth"
)

// Config selects the exporter and sampling.
type Config struct {
	Endpoint       string // OTLP gRPC collector; empty disables tracing
	ServiceVersion string
	Environment    string
	SampleRatio    float64 // share of new traces recorded; parent decisions win
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs a global tracer provider exporting to cfg.Endpoint. With no
// endpoint the global no-op provider stays in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return noop, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	tp, err := NewProvider(ctx, cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// NewProvider builds a tracer provider with the service resource and
// sampler for cfg. Extra options attach span processors.
func NewProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRatio)),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...), nil
}

// Sampler follows the parent's decision and samples root spans at ratio.
// Ratios at or above 1 record everything.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func UserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

func Snapshots(n int) attribute.KeyValue {
	return attribute.Int("session.snapshots", n)
}

func Risk(score float64) attribute.KeyValue {
	return attribute.Float64("risk.score", score)
}

func Classification(outcome string) attribute.KeyValue {
	return attribute.String("session.classification", outcome)
}

func ModelVersion(v int) attribute.KeyValue {
	return attribute.Int("model.version", v)
}
