// Package telemetry configures OpenTelemetry tracing for the affect pipeline.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/zhouzirui/empath/backend"

// Exporter names where spans go.
type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
)

// Options control tracer provider setup.
type Options struct {
	ServiceName string
	Environment string
	Exporter    Exporter
	SampleRatio float64
}

var (
	provider *sdktrace.TracerProvider
	initOnce sync.Once
)

type noopSpanExporter struct{}

func (noopSpanExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (noopSpanExporter) Shutdown(context.Context) error { return nil }

// ParseExporter maps a configured exporter name, defaulting to none.
func ParseExporter(raw string) (Exporter, error) {
	switch Exporter(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExporterNone:
		return ExporterNone, nil
	case ExporterStdout:
		return ExporterStdout, nil
	default:
		return "", fmt.Errorf("unknown telemetry exporter %q", raw)
	}
}

// Init installs the global tracer provider. Only the first call has effect.
func Init(_ context.Context, opts Options) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		if opts.ServiceName == "" {
			opts.ServiceName = "empath-backend"
		}
		if opts.SampleRatio <= 0 || opts.SampleRatio > 1 {
			opts.SampleRatio = 1
		}

		attrs := []attribute.KeyValue{attribute.String("service.name", opts.ServiceName)}
		if opts.Environment != "" {
			attrs = append(attrs, attribute.String("deployment.environment", opts.Environment))
		}
		res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
		if err != nil {
			initErr = fmt.Errorf("build resource: %w", err)
			return
		}

		var exporter sdktrace.SpanExporter
		switch opts.Exporter {
		case ExporterStdout:
			exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
			if err != nil {
				initErr = fmt.Errorf("build exporter: %w", err)
				return
			}
		default:
			exporter = noopSpanExporter{}
		}

		provider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(opts.SampleRatio)),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
	})

	if initErr != nil {
		return nil, initErr
	}
	if provider == nil {
		return nil, errors.New("telemetry already initialized")
	}
	return provider.Shutdown, nil
}

// Tracer returns the pipeline tracer. Before Init it resolves to the global no-op provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Meter returns the pipeline meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
