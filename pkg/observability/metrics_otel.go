package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/platinummonkey/pulse"

// OTelMetrics mirrors the pipeline's key signals into the OTLP meter provider
type OTelMetrics struct {
	jobsProcessed       metric.Int64Counter
	jobDuration         metric.Float64Histogram
	aggregationDuration metric.Float64Histogram
}

// NewOTelMetrics creates the instruments on the global meter provider
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter(instrumentationName)

	m := &OTelMetrics{}
	var err error

	m.jobsProcessed, err = meter.Int64Counter(
		"pulse.jobs.processed",
		metric.WithDescription("Jobs resolved by the event workers"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	m.jobDuration, err = meter.Float64Histogram(
		"pulse.job.duration",
		metric.WithDescription("Time spent processing one job"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job duration histogram: %w", err)
	}

	m.aggregationDuration, err = meter.Float64Histogram(
		"pulse.aggregation.duration",
		metric.WithDescription("Aggregation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregation histogram: %w", err)
	}

	return m, nil
}

// RecordJob records one resolved job
func (m *OTelMetrics) RecordJob(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.jobsProcessed.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordAggregation records one aggregation run
func (m *OTelMetrics) RecordAggregation(ctx context.Context, period string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.aggregationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("period", period),
		attribute.Bool("error", err != nil),
	))
}

// StartSpan starts a span on the global tracer provider
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
