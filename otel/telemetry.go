package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/webpilot/webpilot/log"
)

// liveStep holds the open span for one automation step.
//
// A step outlives any single provider attempt: the first try, the
// retry and the fallback all happen while the step span is live, so
// the span (and the context that parents attempt spans) has to be
// kept somewhere the later attempts can find it.
type liveStep struct {
	ctx  context.Context
	span trace.Span
}

// Telemetry generates spans for automation steps and the provider
// attempts made under them.
type Telemetry struct {
	logger *log.Logger
	tracer trace.Tracer

	liveStepsMu sync.Mutex
	liveSteps   map[string]*liveStep
}

// NewTelemetry creates a Telemetry from the given TraceProvider.
func NewTelemetry(tp TraceProvider, logger *log.Logger) *Telemetry {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Telemetry{
		logger:    logger,
		tracer:    tp.Tracer(tracerName),
		liveSteps: make(map[string]*liveStep),
	}
}

func stepKey(traceID, stepID string) string {
	return traceID + "/" + stepID
}

// StartStep opens the live span for one step. If the same step
// already has a live span it is ended first, so attempts never hang
// off a stale parent.
func (t *Telemetry) StartStep(ctx context.Context, traceID, stepID, action string) trace.Span {
	t.liveStepsMu.Lock()
	defer t.liveStepsMu.Unlock()

	key := stepKey(traceID, stepID)
	if ls := t.liveSteps[key]; ls != nil {
		ls.span.End()
	}

	ls := &liveStep{}
	ls.ctx, ls.span = t.tracer.Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("webpilot.trace_id", traceID),
			attribute.String("webpilot.step_id", stepID),
			attribute.String("webpilot.action", action),
		))
	t.liveSteps[key] = ls

	return ls.span
}

// StartAttempt opens a span for one provider attempt as a child of
// the step's live span. It is the caller's responsibility to end the
// returned span when the attempt settles.
func (t *Telemetry) StartAttempt(ctx context.Context, traceID, stepID, provider, attemptID string) trace.Span {
	t.liveStepsMu.Lock()
	defer t.liveStepsMu.Unlock()

	parent := ctx
	if ls := t.liveSteps[stepKey(traceID, stepID)]; ls != nil {
		parent = ls.ctx
	} else {
		t.logger.Debugf("Telemetry:StartAttempt", "no live step span for %s/%s", traceID, stepID)
	}

	_, span := t.tracer.Start(parent, "attempt",
		trace.WithAttributes(
			attribute.String("webpilot.provider", provider),
			attribute.String("webpilot.attempt_id", attemptID),
		))
	return span
}

// EndStep closes and forgets a step's live span, recording err on it
// when the step failed.
func (t *Telemetry) EndStep(traceID, stepID string, err error) {
	t.liveStepsMu.Lock()
	defer t.liveStepsMu.Unlock()

	key := stepKey(traceID, stepID)
	ls := t.liveSteps[key]
	if ls == nil {
		return
	}
	if err != nil {
		ls.span.RecordError(err)
		ls.span.SetStatus(codes.Error, err.Error())
	}
	ls.span.End()
	delete(t.liveSteps, key)
}
