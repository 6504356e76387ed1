package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitOTel_Disabled(t *testing.T) {
	providers, err := InitOTel(context.Background(), OTelConfig{Enabled: false}, NewNopLogger())
	require.NoError(t, err)
	assert.Nil(t, providers)
	assert.NoError(t, ShutdownOTel(context.Background(), nil, NewNopLogger()))
}

func TestStartSpan_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	_, span := StartSpan(context.Background(), "worker.process")
	EndSpan(span, errors.New("insert failed"))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "worker.process", spans[0].Name())
	assert.Equal(t, "insert failed", spans[0].Status().Description)
}

func TestFromContext_TraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	ctx = WithLogger(ctx, NewLogger(InfoLevel, &buf))
	FromContext(ctx).Info("traced")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])

	// no span: logger returned unchanged
	plain := NewNopLogger()
	assert.Same(t, plain, withTrace(context.Background(), plain))
}

func TestOTelConfig_Defaults(t *testing.T) {
	cfg := OTelConfig{SampleRatio: 3}.withDefaults()
	assert.Equal(t, "pulse", cfg.ServiceName)
	assert.Equal(t, defaultOTelEndpoint, cfg.Endpoint)
	assert.Equal(t, defaultSampleRatio, cfg.SampleRatio)

	kept := OTelConfig{ServiceName: "pulse-worker", SampleRatio: 0.5, Endpoint: "collector:4317"}.withDefaults()
	assert.Equal(t, "pulse-worker", kept.ServiceName)
	assert.Equal(t, 0.5, kept.SampleRatio)
	assert.Equal(t, "collector:4317", kept.Endpoint)
}

func TestOTelMetrics_NilSafe(t *testing.T) {
	var m *OTelMetrics
	assert.NotPanics(t, func() {
		m.RecordJob(context.Background(), OutcomeCompleted, time.Millisecond)
		m.RecordAggregation(context.Background(), "daily", time.Second, nil)
	})

	m, err := NewOTelMetrics()
	require.NoError(t, err)
	m.RecordJob(context.Background(), OutcomeRetried, time.Millisecond)
}
