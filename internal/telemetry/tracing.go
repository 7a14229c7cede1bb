// -------------------------------------------------------------------------------
// Tracing - OpenTelemetry Instrumentation
//
// Project: Yggdrasil
//
// Spans follow a request from ingress through its handler, the packer flush
// and every pillar call. Export is OTLP over gRPC.
// -------------------------------------------------------------------------------

package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/kb-dk/Yggdrasil-sub000/internal/config"
)

// TracerName names the instrumentation scope of every span the service starts.
const TracerName = "github.com/kb-dk/Yggdrasil-sub000"

// Version is stamped at build time with
// -ldflags "-X github.com/kb-dk/Yggdrasil-sub000/internal/telemetry.Version=...".
var Version = "dev"

// -------------------------------------------------------------------------
// TRACER SETUP
// -------------------------------------------------------------------------

// InitTracer installs the global tracer provider and propagator. The returned
// function flushes buffered spans; it is a no-op when tracing is disabled.
func InitTracer(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := serviceResource(cfg.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(newSampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	// Incoming ingress calls and outgoing notifier/deliverer calls share trace context.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.Info("Tracing enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName, "sample_rate", cfg.SampleRate)
	return tp.Shutdown, nil
}

func exporterOptions(cfg config.TracingConfig) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return opts
}

// serviceResource describes this process: service name, build version and host.
func serviceResource(name string) (*resource.Resource, error) {
	if name == "" {
		name = "yggdrasil"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	}
	if host, err := os.Hostname(); err == nil {
		attrs = append(attrs, semconv.HostName(host))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// newSampler maps a sample rate onto a root sampler.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// -------------------------------------------------------------------------
// SPAN HELPERS
// -------------------------------------------------------------------------

// Tracer returns the global tracer for this service.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan creates a new span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// -------------------------------------------------------------------------
// COMMON ATTRIBUTES
// -------------------------------------------------------------------------

// Yggdrasil specific attribute keys.
var (
	AttrCollection  = attribute.Key("yggdrasil.collection")
	AttrPillar      = attribute.Key("yggdrasil.pillar.name")
	AttrEndpoint    = attribute.Key("yggdrasil.pillar.endpoint")
	AttrObjectID    = attribute.Key("yggdrasil.object.id")
	AttrObjectSize  = attribute.Key("yggdrasil.object.size")
	AttrOperation   = attribute.Key("yggdrasil.operation")
	AttrRequestID   = attribute.Key("yggdrasil.request.id")
	AttrRequestKind = attribute.Key("yggdrasil.request.kind")
	AttrContainerID = attribute.Key("yggdrasil.container.id")
	AttrRecordID    = attribute.Key("yggdrasil.record.id")
	AttrState       = attribute.Key("yggdrasil.state")
)

// IngressAttributes returns common attributes for HTTP ingress spans.
func IngressAttributes(method, path, clientIP string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLPath(path),
		semconv.ClientAddress(clientIP),
	}
}

// PillarAttributes returns common attributes for pillar operation spans.
func PillarAttributes(operation, pillar, endpoint, collection, objectID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrOperation.String(operation),
		AttrPillar.String(pillar),
		AttrEndpoint.String(endpoint),
		AttrCollection.String(collection),
		AttrObjectID.String(objectID),
	}
}
