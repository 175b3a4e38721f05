// Package observability configures OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config configures tracing.
type Config struct {
	Enabled bool `mapstructure:"enabled"`

	// Service is reported as service.name.
	Service string `mapstructure:"service"`

	// Endpoint selects OTLP/HTTP export (host:port). Empty means stdout.
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS for OTLP/HTTP export.
	Insecure bool `mapstructure:"insecure"`

	// SampleRatio is the fraction of root spans sampled. Zero samples all.
	SampleRatio float64 `mapstructure:"sample_ratio"`

	// Writer receives stdout export. Defaults to os.Stdout.
	Writer io.Writer `mapstructure:"-"`
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(context.Context) error

// InitTracer sets a global OpenTelemetry tracer provider.
// When Endpoint is set, OTLP/HTTP export is used; otherwise stdout export is used.
func InitTracer(cfg Config, logger zerolog.Logger) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.Service == "" {
		cfg.Service = "chainfetch"
	}

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		logger.Info().Str("type", "otlphttp").Str("endpoint", endpoint).Msg("Trace exporter configured")
	} else {
		opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create stdout trace exporter: %w", err)
		}
		logger.Info().Str("type", "stdout").Msg("Trace exporter configured")
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", cfg.Service)),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}
