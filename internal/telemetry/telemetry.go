// Package telemetry sets up OpenTelemetry tracing for the calibration loop.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
)

const (
	ServiceName = "calibration-core"
	TracerName  = "github.com/GoSim-25-26J-441/calibration-core"
)

// Providers holds the tracer in use and how to flush it
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer
}

// Setup installs a tracer provider exporting spans to w. When tracing is
// disabled the global no-op tracer is returned.
func Setup(enabled bool, study string, w io.Writer) (*Providers, error) {
	if !enabled {
		return &Providers{Tracer: otel.Tracer(TracerName)}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(ServiceName),
		attribute.String("calibration.study", study),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing initialized", "exporter", "stdout", "study", study)

	return &Providers{TracerProvider: tp, Tracer: tp.Tracer(TracerName)}, nil
}

// Shutdown flushes pending spans
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil || p.TracerProvider == nil {
		return nil
	}
	return p.TracerProvider.Shutdown(ctx)
}
