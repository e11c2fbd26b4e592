package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v3"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/llm"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
)

// Planned program timeouts are clamped into this band.
const (
	minPlanTimeout = 1 * time.Second
	maxPlanTimeout = 120 * time.Second
)

// snapshotExpression is the fixed evaluate program behind Screenshot.
const snapshotExpression = "__wpSnapshot()"

// Runner executes one automation program and returns its result
// envelope. The correlation bridge implements it.
type Runner interface {
	Execute(ctx context.Context, req *dom.Request) (*dom.Result, error)
}

// Webview is the deterministic provider: an LLM plans a typed DOM
// program, the bridge executes it against the active tab.
type Webview struct {
	planner  *planner
	runner   Runner
	tabs     api.TabController
	memory   *selectorMemory
	logger   *log.Logger
	clampMin time.Duration
	clampMax time.Duration
}

var _ api.Provider = (*Webview)(nil)

// WebviewOption configures the deterministic provider.
type WebviewOption func(*Webview)

// WithClampBand overrides the band planned timeouts are clamped into.
func WithClampBand(minTimeout, maxTimeout time.Duration) WebviewOption {
	return func(w *Webview) {
		w.clampMin = minTimeout
		w.clampMax = maxTimeout
	}
}

// NewWebview wires the deterministic provider.
func NewWebview(client llm.Client, runner Runner, tabs api.TabController, logger *log.Logger, m *metrics.Metrics, opts ...WebviewOption) *Webview {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	w := &Webview{
		planner:  newPlanner(client, logger, m),
		runner:   runner,
		tabs:     tabs,
		memory:   newSelectorMemory(),
		logger:   logger,
		clampMin: minPlanTimeout,
		clampMax: maxPlanTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Name implements api.Provider.
func (w *Webview) Name() string { return "webview" }

// Navigate implements api.Provider. No plan is involved; it goes
// straight to the tab controller.
func (w *Webview) Navigate(ctx context.Context, url string) (*api.NavigateResult, error) {
	info, err := w.tabs.Navigate(ctx, "", url)
	if err != nil {
		return nil, fmt.Errorf("webview navigate: %w", err)
	}
	return &api.NavigateResult{URL: info.URL, Title: info.Title}, nil
}

// Act implements api.Provider.
func (w *Webview) Act(ctx context.Context, instruction string) (*api.ActResult, error) {
	_, err := w.planAndRun(ctx, "Instruction: "+instruction, dom.ReturnNone)
	if err != nil {
		return nil, err
	}
	return &api.ActResult{Status: "ok"}, nil
}

// Extract implements api.Provider.
func (w *Webview) Extract(ctx context.Context, instruction string, schema map[string]any) (*api.ExtractResult, error) {
	task := "Extract from the page: " + instruction
	if len(schema) > 0 {
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("webview extract: cannot encode schema: %w", err)
		}
		task += "\nTarget shape (JSON Schema): " + string(raw)
	}
	res, err := w.planAndRun(ctx, task, dom.ReturnLast)
	if err != nil {
		return nil, err
	}
	return &api.ExtractResult{Data: shapeValue(res)}, nil
}

// Observe implements api.Provider.
func (w *Webview) Observe(ctx context.Context, instruction string) ([]api.Observation, error) {
	task := "Locate on the page: " + instruction +
		"\nFinish with a query action so the matching elements are returned."
	res, err := w.planAndRun(ctx, task, dom.ReturnLast)
	if err != nil {
		return nil, err
	}
	return observations(shapeValue(res)), nil
}

// Screenshot implements api.Provider: a fixed evaluate program returns
// the structured page snapshot, annotated with recently targeted
// selectors.
func (w *Webview) Screenshot(ctx context.Context) (*api.Snapshot, error) {
	req := &dom.Request{
		RequestID:  uuid.NewString(),
		Actions:    []dom.Action{{Type: dom.KindEvaluate, Expression: snapshotExpression}},
		ReturnMode: dom.ReturnLast,
	}
	res, err := w.runner.Execute(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("webview screenshot: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("webview screenshot: %s", resultFailure(res))
	}

	page := toJSONMap(shapeValue(res))
	snap := &api.Snapshot{
		TakenAt:         time.Now(),
		Format:          "page",
		Page:            page,
		RecentSelectors: w.memory.recent(),
	}
	if info := toJSONMap(page["page"]); info != nil {
		snap.URL, _ = info["url"].(string)
		snap.Title, _ = info["title"].(string)
	}
	return snap, nil
}

// planAndRun plans a program for the task, normalizes it, executes it
// and requires an ok envelope.
func (w *Webview) planAndRun(ctx context.Context, task string, mode dom.ReturnMode) (*dom.Result, error) {
	plan, err := w.planner.plan(ctx, task)
	if err != nil {
		return nil, err
	}
	w.preparePlan(plan, mode)
	w.remember(plan)

	start := time.Now()
	res, err := w.runner.Execute(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("webview program failed: %w", err)
	}
	if !res.OK {
		return nil, fmt.Errorf("webview program failed: %s", resultFailure(res))
	}
	w.logger.Debugf("Provider:run", "provider:webview actions:%d took:%s",
		len(plan.Actions), time.Since(start))
	return res, nil
}

// preparePlan applies the provider's protocol defaults: a fresh
// request id, the active tab, the verb's return mode, and the timeout
// clamped into the accepted band.
func (w *Webview) preparePlan(plan *dom.Request, mode dom.ReturnMode) {
	plan.RequestID = uuid.NewString()
	plan.TabID = ""
	if plan.ReturnMode == "" {
		plan.ReturnMode = mode
	}
	if plan.TimeoutMs.Valid {
		ms := plan.TimeoutMs.Int64
		if ms < w.clampMin.Milliseconds() {
			ms = w.clampMin.Milliseconds()
		}
		if ms > w.clampMax.Milliseconds() {
			ms = w.clampMax.Milliseconds()
		}
		plan.TimeoutMs = null.IntFrom(ms)
	}
}

func (w *Webview) remember(plan *dom.Request) {
	var sels []string
	for i := range plan.Actions {
		if sel := plan.Actions[i].Selector; sel != nil {
			sels = append(sels, sel.String())
		}
	}
	w.memory.record(sels...)
}

// shapeValue extracts what a program returned: the single surviving
// value after last-mode trimming, or the full result list when the
// plan asked for all.
func shapeValue(res *dom.Result) any {
	switch len(res.Results) {
	case 0:
		return nil
	case 1:
		return res.Results[0].Value
	default:
		return res.Results
	}
}

func resultFailure(res *dom.Result) string {
	if res.Error == nil {
		return "program reported failure"
	}
	if res.Error.ActionIndex >= 0 {
		return fmt.Sprintf("action %d (%s): %s",
			res.Error.ActionIndex, res.Error.ActionType, res.Error.Message)
	}
	return res.Error.Message
}

// observations converts descriptor values into the observation shape.
// Values arrive either as live descriptor structs (in-process backend)
// or as decoded JSON maps (remote backends); both pass through JSON.
func observations(value any) []api.Observation {
	descs := decodeDescriptors(value)
	out := make([]api.Observation, 0, len(descs))
	for _, d := range descs {
		out = append(out, api.Observation{
			Selector:    descriptorSelector(d),
			Description: describeElement(d),
			Text:        d.Text,
		})
	}
	return out
}

func decodeDescriptors(value any) []dom.ElementDescriptor {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var list []dom.ElementDescriptor
	if err := json.Unmarshal(raw, &list); err == nil {
		out := list[:0]
		for _, d := range list {
			if d.Tag != "" {
				out = append(out, d)
			}
		}
		return out
	}
	var one dom.ElementDescriptor
	if err := json.Unmarshal(raw, &one); err == nil && one.Tag != "" {
		return []dom.ElementDescriptor{one}
	}
	return nil
}

// descriptorSelector derives a reusable selector from a descriptor,
// preferring the stable handles.
func descriptorSelector(d dom.ElementDescriptor) string {
	if d.ID != "" {
		return "#" + d.ID
	}
	if v := d.Attributes["data-testid"]; v != "" {
		return fmt.Sprintf("[data-testid=%q]", v)
	}
	sel := d.Tag
	for _, c := range d.Classes {
		sel += "." + c
	}
	if v := d.Attributes["name"]; v != "" {
		sel += fmt.Sprintf("[name=%q]", v)
	}
	return sel
}

func describeElement(d dom.ElementDescriptor) string {
	for _, attr := range []string{"aria-label", "title", "placeholder", "alt"} {
		if v := d.Attributes[attr]; v != "" {
			return v
		}
	}
	return ""
}

// toJSONMap renders any backend value as a generic JSON map.
func toJSONMap(v any) map[string]any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
