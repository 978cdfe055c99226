// Package telemetry configures OpenTelemetry tracing for the engine.
//
// The engine and server start spans through otel.Tracer. Until Init installs
// a TracerProvider those spans go to the global no-op provider.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/roach88/formulabench/internal/ir"
)

// Exporter names accepted by Config.TraceExporter.
const (
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in exported spans.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the version string attached to every span.
	ServiceVersion string `yaml:"service_version"`

	// TraceExporter selects the exporter: "stdout" or "none".
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=stdout none"`
}

// DefaultConfig returns a config with tracing disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "formulabench",
		ServiceVersion: ir.EngineVersion,
		TraceExporter:  ExporterNone,
	}
}

// Init installs a global TracerProvider for cfg and returns a shutdown
// function that flushes pending spans. Spans from the stdout exporter are
// written to w, or to stderr if w is nil.
//
// Call once at process startup. With TraceExporter "none" Init is a no-op.
func Init(ctx context.Context, cfg Config, w io.Writer) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	switch cfg.TraceExporter {
	case ExporterNone, "":
		return noop, nil
	case ExporterStdout:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}

	if w == nil {
		w = os.Stderr
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
