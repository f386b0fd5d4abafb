package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxrunner/sandboxd/pkg/config"
)

// Version is stamped into the tracing resource and the version command.
var Version = "dev"

// TracingManager owns the OpenTelemetry tracer provider. The sandbox
// package starts its spans through the global provider this installs.
type TracingManager struct {
	config         config.TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
}

// SpanContext carries the ids of the active span.
type SpanContext struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// NewTracingManager creates the tracer provider and installs it globally.
// A disabled configuration yields a manager whose spans are no-ops.
func NewTracingManager(cfg config.TracingConfig) (*TracingManager, error) {
	tm := &TracingManager{config: cfg}
	if !cfg.Enabled {
		log.Debug().Msg("Tracing disabled")
		return tm, nil
	}

	exporter, err := tm.createExporter()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	tm.install(exporter)

	log.Info().
		Str("service_name", cfg.ServiceName).
		Str("exporter", cfg.Exporter).
		Float64("sampling_ratio", cfg.SampleRate).
		Msg("Tracing initialized successfully")

	return tm, nil
}

// NewTracingManagerWithExporter installs a provider that exports through
// exp synchronously. Tests use it with an in-memory exporter.
func NewTracingManagerWithExporter(cfg config.TracingConfig, exp sdktrace.SpanExporter) *TracingManager {
	cfg.Enabled = true
	tm := &TracingManager{config: cfg}
	tm.installWith(sdktrace.NewSimpleSpanProcessor(exp))
	return tm
}

func (tm *TracingManager) install(exp sdktrace.SpanExporter) {
	tm.installWith(sdktrace.NewBatchSpanProcessor(exp,
		sdktrace.WithMaxQueueSize(2048),
		sdktrace.WithMaxExportBatchSize(512),
		sdktrace.WithBatchTimeout(5*time.Second),
		sdktrace.WithExportTimeout(30*time.Second),
	))
}

func (tm *TracingManager) installWith(processor sdktrace.SpanProcessor) {
	tm.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(tm.createResource()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tm.config.SampleRate))),
		sdktrace.WithSpanProcessor(processor),
	)
	otel.SetTracerProvider(tm.tracerProvider)

	tm.tracer = tm.tracerProvider.Tracer(
		tm.config.ServiceName,
		trace.WithInstrumentationVersion(Version),
	)

	tm.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(tm.propagator)
}

func (tm *TracingManager) createResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tm.config.ServiceName),
		semconv.ServiceVersion(Version),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
		attribute.String("runtime.os", runtime.GOOS),
	)
}

func (tm *TracingManager) createExporter() (sdktrace.SpanExporter, error) {
	switch tm.config.Exporter {
	case "jaeger":
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(tm.config.Endpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(tm.config.Endpoint),
			otlptracehttp.WithTimeout(10*time.Second),
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		)
		exp, err := otlptrace.New(context.Background(), client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unsupported exporter type: %s", tm.config.Exporter)
}

// Enabled reports whether spans are recorded.
func (tm *TracingManager) Enabled() bool { return tm.tracer != nil }

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tm.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, operationName, opts...)
}

// GetSpanContext returns the ids of the span in ctx, or nil.
func (tm *TracingManager) GetSpanContext(ctx context.Context) *SpanContext {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return &SpanContext{TraceID: sc.TraceID().String(), SpanID: sc.SpanID().String()}
}

// TraceOperation runs fn inside a span and records its error.
func (tm *TracingManager) TraceOperation(ctx context.Context, operationName string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	if tm.tracer == nil {
		return fn(ctx)
	}

	ctx, span := tm.tracer.Start(ctx, operationName, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// Middleware wraps an HTTP handler with a server span per request.
func (tm *TracingManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tm.tracer == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := tm.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tm.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("user_agent.original", r.UserAgent()),
				attribute.String("client.address", r.RemoteAddr),
			),
		)
		defer span.End()

		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", ww.statusCode))
		if ww.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(ww.statusCode))
		}
	})
}

// Shutdown flushes pending spans and stops the provider.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	log.Info().Msg("Tracing manager shut down successfully")
	return nil
}
