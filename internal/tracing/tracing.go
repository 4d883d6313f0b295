package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/devblac/ledger-sink"

// Start opens a span when tracing is enabled. The returned span may be nil.
func Start(ctx context.Context, spanName string, enabled bool, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	if !enabled {
		return ctx, nil
	}
	tracer := otel.Tracer(tracerName)
	if len(attributes) > 0 {
		return tracer.Start(ctx, spanName, trace.WithAttributes(attributes...))
	}
	return tracer.Start(ctx, spanName)
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// NewTraceProvider builds a batching provider exporting over OTLP/gRPC.
// sample is a percentage; 0 and 100 both mean always sample.
func NewTraceProvider(ctx context.Context, serviceName string, sample int, opts ...otlptracegrpc.Option) (*sdktrace.TracerProvider, *otlptrace.Exporter, error) {
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, err
	}

	sampler := sdktrace.AlwaysSample()
	if sample > 0 && sample < 100 {
		sampler = sdktrace.TraceIDRatioBased(float64(sample) / 100)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)

	return tp, exporter, nil
}

// Enable installs the global provider and returns its cleanup.
func Enable(logger *slog.Logger, serviceName, endpoint string, sample int) (func(), error) {
	if endpoint == "" {
		return nil, errors.New("tracing enabled, but tracing endpoint empty")
	}

	ctx := context.Background()
	tp, exporter, err := NewTraceProvider(ctx, serviceName, sample, otlptracegrpc.WithEndpointURL(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("create trace provider: %w", err)
	}

	return func() {
		if err := exporter.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown exporter", "error", err)
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracing provider", "error", err)
		}
	}, nil
}
