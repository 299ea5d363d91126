// Package telemetry installs the global OpenTelemetry TracerProvider,
// exporting via OTLP (gRPC by default, HTTP when Config.Transport is "http")
// to whatever collector the deployment points it at. It only sets up the
// provider; prompt, dispatch and store calls do not create spans.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Config selects the OTLP exporter transport and endpoint.
type Config struct {
	Enabled     bool
	Endpoint    string // host:port for grpc, or full URL for http
	Transport   string // "grpc" (default) or "http"
	ServiceName string
}

// Provider owns the SDK TracerProvider and its shutdown hook.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Noop returns a Provider with no SDK TracerProvider behind it — used when
// tracing is disabled in Config, where Start installs a no-op global provider
// whose spans are neither recorded nor exported.
func Noop() *Provider { return &Provider{} }

// Start configures and installs the global TracerProvider. Call Shutdown on
// the returned Provider during graceful shutdown to flush pending spans.
func Start(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		return Noop(), nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceNameOr(cfg.ServiceName)),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp}, nil
}

func serviceNameOr(name string) string {
	if name == "" {
		return "agentmux"
	}
	return name
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if strings.EqualFold(cfg.Transport, "http") {
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint))
	}
	client := otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	return otlptrace.New(ctx, client)
}

// Tracer returns a named tracer from the installed global provider.
func Tracer(name string) trace.Tracer { return otel.Tracer(name) }

// Shutdown flushes and stops the provider, no-op when tracing was disabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.tp.Shutdown(shutdownCtx)
}
