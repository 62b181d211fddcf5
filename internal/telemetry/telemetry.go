package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/apivet/apivet/internal/config"
)

// Telemetry holds the tracer provider and the scan-domain instruments.
// When disabled it is a no-op shell so callers never nil-check.
type Telemetry struct {
	enabled  bool
	provider *sdktrace.TracerProvider

	ScansStarted   metric.Int64Counter
	ScansCompleted metric.Int64Counter
	Findings       metric.Int64Counter
	ProbesSent     metric.Int64Counter
	RateLimitHits  metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (*Telemetry, error) {
	t := &Telemetry{enabled: cfg.Enabled}

	if cfg.Enabled {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		res, err := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to build resource: %w", err)
		}

		t.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		)
		otel.SetTracerProvider(t.provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
	}

	meter := otel.Meter("apivet/scan")

	var err error
	if t.ScansStarted, err = meter.Int64Counter("apivet.scans.started",
		metric.WithDescription("Scans accepted for execution")); err != nil {
		return nil, err
	}
	if t.ScansCompleted, err = meter.Int64Counter("apivet.scans.completed",
		metric.WithDescription("Scans that reached a terminal state")); err != nil {
		return nil, err
	}
	if t.Findings, err = meter.Int64Counter("apivet.findings",
		metric.WithDescription("Vulnerabilities detected across all scans")); err != nil {
		return nil, err
	}
	if t.ProbesSent, err = meter.Int64Counter("apivet.probes.sent",
		metric.WithDescription("Dynamic probe requests sent to targets")); err != nil {
		return nil, err
	}
	if t.RateLimitHits, err = meter.Int64Counter("apivet.ratelimit.hits",
		metric.WithDescription("429 responses observed while probing")); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *Telemetry) RecordScanCompleted(ctx context.Context, status string, duration time.Duration) {
	t.ScansCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.Int64("duration_ms", duration.Milliseconds()),
	))
}

func (t *Telemetry) RecordFinding(ctx context.Context, category, severity string) {
	t.Findings.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("severity", severity),
	))
}

// Shutdown flushes any pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.provider.Shutdown(ctx)
}
