package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracerName is the instrumentation scope used by every span todofetch creates.
const TracerName = "github.com/todofetch/todofetch"

// Supported span exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// ShutdownFunc flushes and stops a tracer provider.
type ShutdownFunc func(context.Context) error

// TracingOptions selects where spans go.
type TracingOptions struct {
	Enabled     bool
	ServiceName string

	// Exporter is ExporterStdout (JSON written to the io.Writer given to SetupTracing) or
	// ExporterOTLP (protobuf over HTTP to Endpoint).
	Exporter string

	// Endpoint is the full OTLP/HTTP traces URL. Empty falls back to the exporter's own
	// defaults, including the OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string
	Headers  map[string]string

	// Batch exports spans in the background (serve). Otherwise each span is exported as it
	// ends (fetch).
	Batch bool
}

// SetupTracing installs the global OpenTelemetry tracer provider.
//
// When tracing is disabled the global provider is left as the default no-op provider and the
// returned ShutdownFunc does nothing. w only receives spans from the stdout exporter; the
// fetch command passes os.Stderr so they never mix with its JSON line.
func SetupTracing(opts TracingOptions, w io.Writer) (ShutdownFunc, error) {
	if !opts.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newSpanExporter(opts, w)
	if err != nil {
		return nil, err
	}

	processor := sdktrace.WithSyncer(exporter)
	if opts.Batch {
		processor = sdktrace.WithBatcher(exporter)
	}

	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", opts.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	slog.Debug("tracing initialised", "exporter", opts.Exporter, "service", opts.ServiceName, "batch", opts.Batch)

	return tp.Shutdown, nil
}

func newSpanExporter(opts TracingOptions, w io.Writer) (sdktrace.SpanExporter, error) {
	switch opts.Exporter {
	case ExporterStdout, "":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil

	case ExporterOTLP:
		if opts.Endpoint != "" && len(opts.Headers) == 0 {
			slog.Warn("OTLP endpoint configured without headers; collectors that require credentials will reject spans",
				"endpoint", opts.Endpoint)
		}

		var clientOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			clientOpts = append(clientOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
		}
		if len(opts.Headers) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(opts.Headers))
		}

		// New does not dial; the context only bounds client start-up.
		exporter, err := otlptracehttp.New(context.Background(), clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		return exporter, nil

	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", opts.Exporter)
	}
}
