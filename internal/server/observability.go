package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Observability struct {
	Tracer oteltrace.Tracer
	Meter  metric.Meter

	traceProvider  *sdktrace.TracerProvider
	VerifyCounter  metric.Int64Counter
	VerifyDuration metric.Int64Histogram
	JobCounter     metric.Int64Counter
	LockoutCounter metric.Int64Counter
	RateLimited    metric.Int64Counter
}

func SetupObservability(ctx context.Context, cfg ObservabilityConfig) (*Observability, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "typeauth-api"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	sampler := sdktrace.TraceIDRatioBased(cfg.SampleRatio)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	if cfg.OTLPEndpoint != "" {
		exporter, exportErr := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if exportErr != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", exportErr)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		)
	} else {
		slog.Info("otel trace exporter not configured; using local tracer provider")
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	meter := otel.Meter(serviceName)
	tracer := otel.Tracer(serviceName)
	verifyCounter, _ := meter.Int64Counter("typeauth_verify_total")
	verifyDuration, _ := meter.Int64Histogram("typeauth_verify_duration_ms")
	jobCounter, _ := meter.Int64Counter("typeauth_enroll_job_total")
	lockoutCounter, _ := meter.Int64Counter("typeauth_lockout_total")
	rateLimited, _ := meter.Int64Counter("typeauth_rate_limited_total")
	return &Observability{
		Tracer:         tracer,
		Meter:          meter,
		traceProvider:  tp,
		VerifyCounter:  verifyCounter,
		VerifyDuration: verifyDuration,
		JobCounter:     jobCounter,
		LockoutCounter: lockoutCounter,
		RateLimited:    rateLimited,
	}, nil
}

func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil || o.traceProvider == nil {
		return nil
	}
	return o.traceProvider.Shutdown(ctx)
}

func (o *Observability) MarkVerify(ctx context.Context, outcome string, durationMS int64) {
	if o == nil {
		return
	}
	o.VerifyCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	o.VerifyDuration.Record(ctx, durationMS, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

func (o *Observability) MarkJob(ctx context.Context, kind, status string) {
	if o == nil {
		return
	}
	o.JobCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}

func (o *Observability) MarkLockout(ctx context.Context) {
	if o == nil {
		return
	}
	o.LockoutCounter.Add(ctx, 1)
}

func (o *Observability) MarkRateLimited(ctx context.Context, scope string) {
	if o == nil {
		return
	}
	o.RateLimited.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
	))
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
