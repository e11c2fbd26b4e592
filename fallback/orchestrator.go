// Package fallback decides which provider serves each automation
// step. The semantic provider gets two chances per step; after the
// second failure it is disabled for that step and the deterministic
// provider, when configured, carries the rest of the step's life.
package fallback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
	"github.com/webpilot/webpilot/otel"
	"github.com/webpilot/webpilot/trace"
)

// artifactTimeout bounds failure-evidence capture so a dead page
// cannot stall the step outcome.
const artifactTimeout = 5 * time.Second

// Step identifies one orchestrated step inside a trace.
type Step struct {
	TraceID string
	StepID  string
}

// stepState tracks one step through the retry ladder. Both flags only
// ever go up: retryUsed after the first semantic failure,
// stagehandDisabled after the second. A disabled step never sees the
// semantic provider again.
type stepState struct {
	retryUsed         bool
	stagehandDisabled bool
	semanticErr       error
}

// Orchestrator routes each step to a provider and records every
// attempt in the trace before the caller sees its outcome.
type Orchestrator struct {
	semantic      api.Provider
	deterministic api.Provider
	store         *trace.Store
	tel           *otel.Telemetry
	metrics       *metrics.Metrics
	logger        *log.Logger

	stepsMu sync.Mutex
	steps   map[string]*stepState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDeterministic installs the provider that takes over once the
// semantic provider is disabled for a step. Without it, exhausted
// steps fail terminally.
func WithDeterministic(p api.Provider) Option {
	return func(o *Orchestrator) { o.deterministic = p }
}

// WithTelemetry installs the span source for steps and attempts.
func WithTelemetry(tel *otel.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = tel }
}

// WithMetrics installs the instrument set attempts are counted into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an Orchestrator driving semantic first and journaling
// every attempt into store.
func New(semantic api.Provider, store *trace.Store, logger *log.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	o := &Orchestrator{
		semantic: semantic,
		store:    store,
		metrics:  metrics.NewNop(),
		logger:   logger,
		steps:    make(map[string]*stepState),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tel == nil {
		o.tel = otel.NewTelemetry(otel.NewNoopTraceProvider(), logger)
	}
	return o
}

// Navigate drives the page to url through whichever provider the
// step's state selects.
func (o *Orchestrator) Navigate(ctx context.Context, step Step, url string) (*api.NavigateResult, error) {
	var out *api.NavigateResult
	err := o.run(ctx, step, "navigate", map[string]any{"url": url},
		func(ctx context.Context, p api.Provider) error {
			res, err := p.Navigate(ctx, url)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Act performs one natural language instruction on the page.
func (o *Orchestrator) Act(ctx context.Context, step Step, instruction string) (*api.ActResult, error) {
	var out *api.ActResult
	err := o.run(ctx, step, "act", map[string]any{"instruction": instruction},
		func(ctx context.Context, p api.Provider) error {
			res, err := p.Act(ctx, instruction)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Extract pulls structured data off the page.
func (o *Orchestrator) Extract(ctx context.Context, step Step, instruction string, schema map[string]any) (*api.ExtractResult, error) {
	args := map[string]any{"instruction": instruction}
	if schema != nil {
		args["schema"] = schema
	}
	var out *api.ExtractResult
	err := o.run(ctx, step, "extract", args,
		func(ctx context.Context, p api.Provider) error {
			res, err := p.Extract(ctx, instruction, schema)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Observe surfaces the elements an instruction refers to without
// touching them.
func (o *Orchestrator) Observe(ctx context.Context, step Step, instruction string) ([]api.Observation, error) {
	var out []api.Observation
	err := o.run(ctx, step, "observe", map[string]any{"instruction": instruction},
		func(ctx context.Context, p api.Provider) error {
			res, err := p.Observe(ctx, instruction)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Screenshot captures the page as the step's provider sees it.
func (o *Orchestrator) Screenshot(ctx context.Context, step Step) (*api.Snapshot, error) {
	var out *api.Snapshot
	err := o.run(ctx, step, "screenshot", nil,
		func(ctx context.Context, p api.Provider) error {
			res, err := p.Screenshot(ctx)
			if err != nil {
				return err
			}
			out = res
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// invokeFunc performs one action against the provider the
// orchestrator picked.
type invokeFunc func(context.Context, api.Provider) error

// attemptResult reports how one provider try went.
type attemptResult struct {
	attemptID  string
	durationMs int64
	err        error
}

// run is the state machine behind every verb. Success with either
// provider returns nil. The semantic provider's first failure returns
// an api.RetryStepError so the caller reissues the step once; its
// second failure disables it for the step and hands over to the
// deterministic provider. With no deterministic provider, or when it
// fails too, the step ends in an api.ProviderExhaustedError.
func (o *Orchestrator) run(ctx context.Context, step Step, action string, args map[string]any, invoke invokeFunc) error {
	st, fresh := o.stepFor(step)
	if fresh {
		o.tel.StartStep(ctx, step.TraceID, step.StepID, action)
	}

	var argsHash string
	if args != nil {
		argsHash = trace.HashArgs(args)
	}

	o.stepsMu.Lock()
	disabled := st.stagehandDisabled
	semanticErr := st.semanticErr
	o.stepsMu.Unlock()

	if !disabled {
		res := o.attempt(ctx, step, st, o.semantic, action, args, argsHash, invoke)
		if res.err == nil {
			o.tel.EndStep(step.TraceID, step.StepID, nil)
			return nil
		}

		o.stepsMu.Lock()
		second := st.retryUsed
		st.retryUsed = true
		if second {
			st.stagehandDisabled = true
		}
		st.semanticErr = res.err
		o.stepsMu.Unlock()

		o.journal(ctx, st, trace.Event{
			TraceID:      step.TraceID,
			StepID:       step.StepID,
			Event:        trace.EventFailure,
			AttemptID:    res.attemptID,
			Action:       action,
			Provider:     o.semantic.Name(),
			ToolArgsHash: argsHash,
			DurationMs:   res.durationMs,
			Reason:       res.err.Error(),
		})
		o.metrics.StepAttemptsTotal.WithLabelValues(o.semantic.Name(), trace.EventFailure).Inc()
		o.captureArtifacts(ctx, step, res.attemptID, o.semantic)

		if !second {
			o.logger.Debugf("Fallback:run", "step %s/%s failed once, awaiting reissue",
				step.TraceID, step.StepID)
			return &api.RetryStepError{StepID: step.StepID, Err: res.err}
		}

		semanticErr = res.err
		if o.deterministic != nil {
			o.journal(ctx, st, trace.Event{
				TraceID:      step.TraceID,
				StepID:       step.StepID,
				Event:        trace.EventFallback,
				AttemptID:    res.attemptID,
				Action:       action,
				ToolArgsHash: argsHash,
				From:         o.semantic.Name(),
				To:           o.deterministic.Name(),
			})
			o.metrics.StepAttemptsTotal.WithLabelValues(o.semantic.Name(), trace.EventFallback).Inc()
		}
		o.journal(ctx, st, trace.Event{
			TraceID:      step.TraceID,
			StepID:       step.StepID,
			Event:        trace.EventDisabled,
			AttemptID:    res.attemptID,
			Action:       action,
			Provider:     o.semantic.Name(),
			ToolArgsHash: argsHash,
			Reason:       res.err.Error(),
		})
		o.metrics.StepAttemptsTotal.WithLabelValues(o.semantic.Name(), trace.EventDisabled).Inc()
		o.logger.Warnf("Fallback:run", "semantic provider disabled for step %s/%s: %v",
			step.TraceID, step.StepID, res.err)
	}

	if o.deterministic == nil {
		terminal := &api.ProviderExhaustedError{
			StepID:           step.StepID,
			SemanticErr:      semanticErr,
			FallbackDisabled: true,
		}
		o.tel.EndStep(step.TraceID, step.StepID, terminal)
		return terminal
	}

	res := o.attempt(ctx, step, st, o.deterministic, action, args, argsHash, invoke)
	if res.err == nil {
		o.tel.EndStep(step.TraceID, step.StepID, nil)
		return nil
	}

	o.journal(ctx, st, trace.Event{
		TraceID:      step.TraceID,
		StepID:       step.StepID,
		Event:        trace.EventFailure,
		AttemptID:    res.attemptID,
		Action:       action,
		Provider:     o.deterministic.Name(),
		ToolArgsHash: argsHash,
		DurationMs:   res.durationMs,
		Reason:       res.err.Error(),
	})
	o.metrics.StepAttemptsTotal.WithLabelValues(o.deterministic.Name(), trace.EventFailure).Inc()
	o.captureArtifacts(ctx, step, res.attemptID, o.deterministic)

	terminal := &api.ProviderExhaustedError{
		StepID:      step.StepID,
		SemanticErr: semanticErr,
		FallbackErr: res.err,
	}
	o.tel.EndStep(step.TraceID, step.StepID, terminal)
	return terminal
}

// attempt runs one provider try: the start event, the attempt span,
// the call itself, and on success the success event. Failures are
// journaled by run once the step flags reflect them.
func (o *Orchestrator) attempt(ctx context.Context, step Step, st *stepState, p api.Provider, action string, args map[string]any, argsHash string, invoke invokeFunc) attemptResult {
	id := uuid.NewString()
	span := o.tel.StartAttempt(ctx, step.TraceID, step.StepID, p.Name(), id)

	o.journal(ctx, st, trace.Event{
		TraceID:      step.TraceID,
		StepID:       step.StepID,
		Event:        trace.EventStart,
		AttemptID:    id,
		Action:       action,
		Provider:     p.Name(),
		ToolArgsHash: argsHash,
		Args:         args,
	})

	started := time.Now()
	err := invoke(ctx, p)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return attemptResult{attemptID: id, durationMs: elapsed, err: err}
	}
	span.End()

	o.journal(ctx, st, trace.Event{
		TraceID:      step.TraceID,
		StepID:       step.StepID,
		Event:        trace.EventSuccess,
		AttemptID:    id,
		Action:       action,
		Provider:     p.Name(),
		ToolArgsHash: argsHash,
		DurationMs:   elapsed,
	})
	o.metrics.StepAttemptsTotal.WithLabelValues(p.Name(), trace.EventSuccess).Inc()
	return attemptResult{attemptID: id, durationMs: elapsed}
}

// journal appends ev to the trace, stamping the step's current flags
// onto it. Trace writes are best-effort: failures are logged and
// swallowed so the step outcome still reaches the caller.
func (o *Orchestrator) journal(ctx context.Context, st *stepState, ev trace.Event) {
	o.stepsMu.Lock()
	ev.RetryUsed = st.retryUsed
	ev.StagehandDisabled = st.stagehandDisabled
	o.stepsMu.Unlock()

	if err := o.store.Append(ctx, ev); err != nil {
		o.logger.Warnf("Fallback:journal", "cannot record %s event for %s/%s: %v",
			ev.Event, ev.TraceID, ev.StepID, err)
	}
}

// captureArtifacts preserves failure evidence: a screenshot and the
// redacted page snapshot from the provider that just failed. Capture
// is best-effort and detached from the step's deadline.
func (o *Orchestrator) captureArtifacts(ctx context.Context, step Step, attemptID string, p api.Provider) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), artifactTimeout)
	defer cancel()

	snap, err := p.Screenshot(ctx)
	if err != nil || snap == nil {
		o.logger.Debugf("Fallback:artifacts", "no failure evidence for %s/%s: %v",
			step.TraceID, step.StepID, err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(snap.Image) > 0 {
		g.Go(func() error {
			_, err := o.store.SaveScreenshot(gctx, step.TraceID, attemptID, snap.Format, snap.Image)
			if err != nil {
				o.metrics.ArtifactWriteFailuresTotal.Inc()
				return fmt.Errorf("screenshot: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		page := *snap
		page.Image = nil
		_, err := o.store.SaveSnapshot(gctx, step.TraceID, attemptID, page)
		if err != nil {
			o.metrics.ArtifactWriteFailuresTotal.Inc()
			return fmt.Errorf("snapshot: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		o.logger.Warnf("Fallback:artifacts", "cannot persist failure evidence for %s/%s: %v",
			step.TraceID, step.StepID, err)
	}
}

// stepFor returns the state for step, creating it on first use.
func (o *Orchestrator) stepFor(step Step) (st *stepState, fresh bool) {
	o.stepsMu.Lock()
	defer o.stepsMu.Unlock()

	key := step.TraceID + "/" + step.StepID
	if st := o.steps[key]; st != nil {
		return st, false
	}
	st = &stepState{}
	o.steps[key] = st
	return st, true
}
