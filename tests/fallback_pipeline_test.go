package tests

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/fallback"
	"github.com/webpilot/webpilot/llm"
	"github.com/webpilot/webpilot/trace"
)

const clickPlan = `{"actions":[{"type":"click","selector":"#buy"}]}`

// The full ladder over a real page: the semantic engine is down, the
// step is reissued once, then the planned webview program clicks the
// button and the step succeeds. Once disabled, the semantic provider
// stays out of the step.
func TestActFallsBackToWebviewOnRealPage(t *testing.T) {
	t.Parallel()

	sem := &downProvider{err: errors.New("engine connection lost")}
	chat := llm.NewFake(clickPlan, clickPlan)
	p := newPipeline(t, sem, chat)

	ctx := context.Background()
	_, err := p.host.Create(ctx, dataPage("Shop", `<button id="buy">Buy now</button>`))
	require.NoError(t, err)

	step := fallback.Step{TraceID: "tr-ladder", StepID: "s1"}

	_, err = p.orch.Act(ctx, step, "buy the item")
	var retry *api.RetryStepError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, "s1", retry.StepID)
	assert.Equal(t, 1, sem.callCount())

	res, err := p.orch.Act(ctx, step, "buy the item")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 2, sem.callCount())

	res, err = p.orch.Act(ctx, step, "buy the item")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 2, sem.callCount())

	events := journalEvents(t, p.store, "tr-ladder")
	assert.Equal(t, []string{
		trace.EventStart, trace.EventFailure,
		trace.EventStart, trace.EventFailure,
		trace.EventFallback, trace.EventDisabled,
		trace.EventStart, trace.EventSuccess,
		trace.EventStart, trace.EventSuccess,
	}, eventKinds(events))

	assert.False(t, events[0].RetryUsed)
	assert.Equal(t, "stagehand", events[0].Provider)
	assert.True(t, events[1].RetryUsed)
	assert.False(t, events[1].StagehandDisabled)
	assert.True(t, events[3].StagehandDisabled)
	assert.Equal(t, "stagehand", events[4].From)
	assert.Equal(t, "webview", events[4].To)
	assert.Equal(t, "webview", events[6].Provider)
}

func TestNavigateThroughFallback(t *testing.T) {
	t.Parallel()

	sem := &downProvider{err: errors.New("engine connection lost")}
	p := newPipeline(t, sem, llm.NewFake())

	ctx := context.Background()
	_, err := p.host.Create(ctx, dataPage("Shop", `<p>start</p>`))
	require.NoError(t, err)

	step := fallback.Step{TraceID: "tr-nav", StepID: "s1"}
	target := dataPage("Checkout", `<p>pay here</p>`)

	_, err = p.orch.Navigate(ctx, step, target)
	var retry *api.RetryStepError
	require.ErrorAs(t, err, &retry)

	res, err := p.orch.Navigate(ctx, step, target)
	require.NoError(t, err)
	assert.Equal(t, "Checkout", res.Title)

	active, err := p.host.Resolve(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "Checkout", active.Title)
}

const totalPlan = `{"actions":[{"type":"getText","selector":"#total"}],"returnMode":"last"}`

func TestExtractReadsThePageAfterFallback(t *testing.T) {
	t.Parallel()

	sem := &downProvider{err: errors.New("engine connection lost")}
	p := newPipeline(t, sem, llm.NewFake(totalPlan))

	ctx := context.Background()
	_, err := p.host.Create(ctx, dataPage("Cart", `<span id="total">$42.00</span>`))
	require.NoError(t, err)

	step := fallback.Step{TraceID: "tr-extract", StepID: "s1"}

	_, err = p.orch.Extract(ctx, step, "read the total", nil)
	var retry *api.RetryStepError
	require.ErrorAs(t, err, &retry)

	res, err := p.orch.Extract(ctx, step, "read the total", nil)
	require.NoError(t, err)
	assert.Equal(t, "$42.00", res.Data)
}

const buttonsPlan = `{"actions":[{"type":"query","selector":"button"}],"returnMode":"last"}`

func TestObserveSurfacesRealElements(t *testing.T) {
	t.Parallel()

	sem := &downProvider{err: errors.New("engine connection lost")}
	p := newPipeline(t, sem, llm.NewFake(buttonsPlan))

	ctx := context.Background()
	_, err := p.host.Create(ctx, dataPage("Shop",
		`<button id="buy" aria-label="Buy now">Buy</button><button id="cancel">Cancel</button>`))
	require.NoError(t, err)

	step := fallback.Step{TraceID: "tr-observe", StepID: "s1"}

	_, err = p.orch.Observe(ctx, step, "find the checkout controls")
	var retry *api.RetryStepError
	require.ErrorAs(t, err, &retry)

	obs, err := p.orch.Observe(ctx, step, "find the checkout controls")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "#buy", obs[0].Selector)
	assert.Equal(t, "Buy now", obs[0].Description)
	assert.Equal(t, "#cancel", obs[1].Selector)
}

// An unparseable first plan costs exactly one retry; a second bad
// reply ends the step with a plan generation error from the webview
// side.
func TestPlannerRetryThenFailure(t *testing.T) {
	t.Parallel()

	sem := &downProvider{err: errors.New("engine connection lost")}
	chat := llm.NewFake("not a program", "still not a program")
	p := newPipeline(t, sem, chat)

	ctx := context.Background()
	_, err := p.host.Create(ctx, dataPage("Shop", `<button id="buy">Buy</button>`))
	require.NoError(t, err)

	step := fallback.Step{TraceID: "tr-plan", StepID: "s1"}

	_, err = p.orch.Act(ctx, step, "buy the item")
	var retry *api.RetryStepError
	require.ErrorAs(t, err, &retry)

	_, err = p.orch.Act(ctx, step, "buy the item")
	var exhausted *api.ProviderExhaustedError
	require.ErrorAs(t, err, &exhausted)
	var planErr *api.PlanGenerationError
	require.ErrorAs(t, exhausted.FallbackErr, &planErr)
	assert.Equal(t, 2, planErr.Attempts)
	assert.Len(t, chat.Calls(), 2)
}
