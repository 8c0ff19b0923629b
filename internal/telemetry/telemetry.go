// Package telemetry sets up OpenTelemetry tracing: Setup installs an
// OTLP-over-gRPC exporter for the endpoint it is given, or leaves otel's
// no-op tracer in place when the endpoint is empty, so callers can take
// Tracer() unconditionally. No bux command calls Setup or starts spans.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Provider owns the tracer provider's lifecycle. Shutdown flushes any
// buffered spans before the process exits.
type Provider struct {
	tp       *sdktrace.TracerProvider
	shutdown func(context.Context) error
}

// Setup configures global tracing. If endpoint is empty, tracing is a
// no-op (otel's default global tracer) and Shutdown is a no-op too — bux
// runs perfectly well with no collector configured.
func Setup(ctx context.Context, endpoint, serviceVersion string) (*Provider, error) {
	if endpoint == "" {
		return &Provider{shutdown: func(context.Context) error { return nil }}, nil
	}

	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("telemetry.setup: exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("bux"),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry.setup: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Shutdown flushes and stops the provider, bounded by a short timeout so a
// hung collector never wedges CLI exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.shutdown(ctx)
}

// Tracer returns bux's named tracer, whether or not a real exporter is
// configured.
func Tracer() trace.Tracer { return otel.Tracer("github.com/banksean/bux") }
