package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with experiment-specific spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewNopTracer returns a tracer whose spans are never recorded.
func NewNopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("testbed")}
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		t := NewNopTracer()
		t.config = cfg
		return t, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(cfg.SamplingRate),
		)),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// NewProviderTracer wraps an existing tracer provider. The caller owns the
// provider's exporters and span processors.
func NewProviderTracer(provider *sdktrace.TracerProvider, name string) *Tracer {
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(name),
		config:   TracingConfig{Enabled: true},
	}
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	opts = append(opts, otlptracegrpc.WithDialOption(
		grpc.WithUserAgent("testbed"),
	))

	return otlptracegrpc.New(context.Background(), opts...)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartExperimentSpan starts the root span of an experiment run.
func (t *Tracer) StartExperimentSpan(ctx context.Context, experimentID, name string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "experiment.run",
		AttrExperimentID.String(experimentID),
		AttrExperimentName.String(name),
	)
}

// StartResourceSpan starts a span for one deploy attempt of a resource.
func (t *Tracer) StartResourceSpan(ctx context.Context, resourceID, resourceType string, attempt int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "resource.deploy",
		AttrResourceID.String(resourceID),
		AttrResourceType.String(resourceType),
		AttrAttempt.Int(attempt),
	)
}

// StartStepSpan starts a span for a plugin step.
func (t *Tracer) StartStepSpan(ctx context.Context, resourceType, step string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, fmt.Sprintf("plugin.%s", step),
		AttrResourceType.String(resourceType),
		AttrStep.String(step),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// RecordRefused marks the span of a deploy attempt whose state change was
// refused, typically because the experiment deadline sealed the resource.
func RecordRefused(span trace.Span, from, to, current string, sealed bool) {
	span.AddEvent("transition.refused", trace.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("state", current),
		attribute.Bool("sealed", sealed),
	))
	span.SetStatus(codes.Error, fmt.Sprintf("transition %s -> %s refused in state %s", from, to, current))
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush forces all pending spans to be exported immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Common attribute keys for testbed tracing.
var (
	AttrExperimentID   = attribute.Key("experiment.id")
	AttrExperimentName = attribute.Key("experiment.name")
	AttrResourceID     = attribute.Key("resource.id")
	AttrResourceType   = attribute.Key("resource.type")
	AttrAttempt        = attribute.Key("resource.attempt")
	AttrStep           = attribute.Key("plugin.step")
)
