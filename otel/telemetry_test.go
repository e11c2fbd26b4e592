package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTelemetry(t *testing.T) (*Telemetry, *tracetest.SpanRecorder) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	return NewTelemetry(tp, nil), sr
}

func TestAttemptSpansAreChildrenOfStep(t *testing.T) {
	t.Parallel()

	tel, sr := newTestTelemetry(t)
	ctx := context.Background()

	tel.StartStep(ctx, "trace-1", "step-1", "act")
	attempt := tel.StartAttempt(ctx, "trace-1", "step-1", "stagehand", "attempt-1")
	attempt.End()
	tel.EndStep("trace-1", "step-1", nil)

	ended := sr.Ended()
	require.Len(t, ended, 2)

	attemptSpan, stepSpan := ended[0], ended[1]
	assert.Equal(t, "attempt", attemptSpan.Name())
	assert.Equal(t, "step", stepSpan.Name())
	assert.Equal(t, stepSpan.SpanContext().SpanID(), attemptSpan.Parent().SpanID())
	assert.Equal(t, stepSpan.SpanContext().TraceID(), attemptSpan.SpanContext().TraceID())
}

func TestReopenedStepEndsPreviousSpan(t *testing.T) {
	t.Parallel()

	tel, sr := newTestTelemetry(t)
	ctx := context.Background()

	tel.StartStep(ctx, "trace-1", "step-1", "act")
	tel.StartStep(ctx, "trace-1", "step-1", "act")

	require.Len(t, sr.Ended(), 1)
	assert.Equal(t, "step", sr.Ended()[0].Name())

	tel.EndStep("trace-1", "step-1", nil)
	assert.Len(t, sr.Ended(), 2)
}

func TestEndStepRecordsError(t *testing.T) {
	t.Parallel()

	tel, sr := newTestTelemetry(t)

	tel.StartStep(context.Background(), "trace-1", "step-1", "extract")
	tel.EndStep("trace-1", "step-1", errors.New("both providers failed"))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "both providers failed", ended[0].Status().Description)

	// Ending twice is a no-op once the step is forgotten.
	tel.EndStep("trace-1", "step-1", nil)
	assert.Len(t, sr.Ended(), 1)
}

func TestAttemptWithoutLiveStepIsRoot(t *testing.T) {
	t.Parallel()

	tel, sr := newTestTelemetry(t)

	attempt := tel.StartAttempt(context.Background(), "trace-9", "step-9", "webview", "attempt-1")
	attempt.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.False(t, ended[0].Parent().IsValid())
}

func TestNoopProviderShutdown(t *testing.T) {
	t.Parallel()

	tp := NewNoopTraceProvider()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestNewTraceProviderRejectsUnknownProto(t *testing.T) {
	t.Parallel()

	_, err := NewTraceProvider(context.Background(), "grpc", "localhost:4317", true)
	require.ErrorIs(t, err, ErrUnsupportedProto)
}
