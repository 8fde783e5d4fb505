package o11y

import (
	"context"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ScopeName is the instrumentation scope for every tracer, meter and
// logger this module creates.
const ScopeName = "github.com/chainguard-dev/ec2-ephemeral"

// Attribute keys used on spans and metrics.
const (
	AttrInstanceID = attribute.Key("ec2.instance_id")
	AttrRegion     = attribute.Key("cloud.region")
	AttrTemplateID = attribute.Key("ec2.launch_template_id")
	AttrPhase      = attribute.Key("ec2_ephemeral.phase")
	AttrSession    = attribute.Key("ec2_ephemeral.session")
	AttrResult     = attribute.Key("result")
)

// ShutdownFunc flushes and stops a provider.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// SetupTracing configures the global otel TracerProvider. When
// OTEL_EXPORTER_OTLP_TRACES_ENDPOINT is set, spans are exported via OTLP/HTTP.
// Otherwise it is a no-op and the returned shutdown does nothing.
func SetupTracing(ctx context.Context) (ShutdownFunc, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT") == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return noop, err
	}

	res, err := newResource(ctx)
	if err != nil {
		return noop, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// Tracer returns the module tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(ScopeName)
}

func newResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(attribute.String("service.name", "ec2-ephemeral")),
	)
}
