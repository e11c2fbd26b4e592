package dom

import (
	"fmt"

	"gopkg.in/guregu/null.v3"
)

// ReturnMode selects which action results survive into the response.
type ReturnMode string

// Return modes.
const (
	ReturnAll  ReturnMode = "all"
	ReturnLast ReturnMode = "last"
	ReturnNone ReturnMode = "none"
)

// Valid reports whether the mode is one of the protocol's.
func (m ReturnMode) Valid() bool {
	switch m {
	case ReturnAll, ReturnLast, ReturnNone:
		return true
	}
	return false
}

// DescriptorMode selects how much of an element crosses the wire.
type DescriptorMode string

// Descriptor modes.
const (
	DescriptorCompact DescriptorMode = "compact"
	DescriptorFull    DescriptorMode = "full"
)

// Valid reports whether the mode is one of the protocol's.
func (m DescriptorMode) Valid() bool {
	switch m {
	case DescriptorCompact, DescriptorFull:
		return true
	}
	return false
}

// Request is one automation program: an ordered list of actions to run
// against a single tab. An empty TabID targets the active tab; a null
// TimeoutMs takes the correlation layer's default.
type Request struct {
	RequestID      string         `json:"requestId,omitempty"`
	TabID          string         `json:"tabId,omitempty"`
	Actions        []Action       `json:"actions"`
	TimeoutMs      null.Int       `json:"timeoutMs,omitempty"`
	ReturnMode     ReturnMode     `json:"returnMode,omitempty"`
	DescriptorMode DescriptorMode `json:"descriptorMode,omitempty"`
}

// Validate checks the program shape before any injection happens. An
// empty action list is rejected here so it never reaches a page.
func (r *Request) Validate() error {
	if len(r.Actions) == 0 {
		return fmt.Errorf("missing actions")
	}
	if r.ReturnMode != "" && !r.ReturnMode.Valid() {
		return fmt.Errorf("unknown returnMode %q", r.ReturnMode)
	}
	if r.DescriptorMode != "" && !r.DescriptorMode.Valid() {
		return fmt.Errorf("unknown descriptorMode %q", r.DescriptorMode)
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// Normalize fills the protocol defaults in place.
func (r *Request) Normalize() {
	if r.ReturnMode == "" {
		r.ReturnMode = ReturnAll
	}
	if r.DescriptorMode == "" {
		r.DescriptorMode = DescriptorCompact
	}
}

// Result is the response envelope for one request. Failures inside the
// page stop execution at the failing action and arrive here with
// OK=false; they are not transport errors.
type Result struct {
	RequestID  string         `json:"requestId"`
	OK         bool           `json:"ok"`
	Results    []ActionResult `json:"results"`
	Error      *ResultError   `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// ActionResult is the outcome of a single executed action.
type ActionResult struct {
	ActionIndex int  `json:"actionIndex"`
	ActionType  Kind `json:"actionType"`
	OK          bool `json:"ok"`
	Value       any  `json:"value,omitempty"`
}

// ResultError identifies the failing action and why it failed.
type ResultError struct {
	Message     string `json:"message"`
	ActionIndex int    `json:"actionIndex"`
	ActionType  string `json:"actionType,omitempty"`
	Stack       string `json:"stack,omitempty"`
}

// TrimResults applies the request's return mode to the executed
// results: last keeps only the final executed action's result, none
// keeps nothing. With no executed results, last stays empty rather
// than fabricating a null entry.
func TrimResults(mode ReturnMode, results []ActionResult) []ActionResult {
	switch mode {
	case ReturnNone:
		return []ActionResult{}
	case ReturnLast:
		if len(results) == 0 {
			return []ActionResult{}
		}
		return results[len(results)-1:]
	default:
		return results
	}
}
