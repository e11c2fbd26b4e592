package api

import (
	"fmt"
	"time"
)

// The error taxonomy below splits along one line: failures inside the
// page program surface as ok=false results carrying these in their
// error field, while failures in the correlation layer and providers
// surface as returned errors. The orchestrator treats both uniformly
// as a provider failure.

// SelectorResolutionError reports that a selector matched nothing, or
// the wrong number of elements.
type SelectorResolutionError struct {
	Strategy string
	Selector string
	Matches  int
	Reason   string
}

func (e *SelectorResolutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot resolve selector %q: %s", e.Selector, e.Reason)
	}
	return fmt.Sprintf("cannot resolve selector %q: strategy %q matched %d elements",
		e.Selector, e.Strategy, e.Matches)
}

// ActionExecutionError reports a failed action, identifying its
// position and kind in the failing program.
type ActionExecutionError struct {
	ActionIndex int
	ActionType  string
	Err         error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.ActionIndex, e.ActionType, e.Err)
}

func (e *ActionExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports that an operation exceeded its deadline.
type TimeoutError struct {
	Op        string
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s timed out after %s (request %s)", e.Op, e.Timeout, e.RequestID)
	}
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// InjectionError reports that a program could not be handed to the
// page at all.
type InjectionError struct {
	Err error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("cannot inject automation program: %v", e.Err)
}

func (e *InjectionError) Unwrap() error { return e.Err }

// NoActiveTabError reports that a request named no tab and no tab is
// active.
type NoActiveTabError struct{}

func (e *NoActiveTabError) Error() string { return "no active tab" }

// PermissionDeniedError reports that the permission gate refused an
// origin.
type PermissionDeniedError struct {
	Origin string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("automation not permitted on origin %q", e.Origin)
}

// PlanGenerationError reports that the planner could not produce a
// valid automation program, retries included.
type PlanGenerationError struct {
	Attempts int
	Reason   string
}

func (e *PlanGenerationError) Error() string {
	return fmt.Sprintf("cannot generate automation plan after %d attempts: %s", e.Attempts, e.Reason)
}

// RetryStepError is the soft failure after the semantic provider's
// first miss on a step. The step is still viable; the caller should
// issue the same action once more.
type RetryStepError struct {
	StepID string
	Err    error
}

func (e *RetryStepError) Error() string {
	return fmt.Sprintf("step %q failed, reissue it once: %v", e.StepID, e.Err)
}

func (e *RetryStepError) Unwrap() error { return e.Err }

// ProviderExhaustedError is the terminal orchestration failure: the
// semantic provider is spent and the deterministic fallback either
// failed or is not configured.
type ProviderExhaustedError struct {
	StepID           string
	SemanticErr      error
	FallbackErr      error
	FallbackDisabled bool
}

func (e *ProviderExhaustedError) Error() string {
	if e.FallbackDisabled {
		return "Stagehand failed twice. Webview fallback unavailable: deterministic automation disabled."
	}
	return fmt.Sprintf("Stagehand failed twice. Webview fallback failed: %v.", e.FallbackErr)
}

func (e *ProviderExhaustedError) Unwrap() error {
	if e.FallbackErr != nil {
		return e.FallbackErr
	}
	return e.SemanticErr
}
