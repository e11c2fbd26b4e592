package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/llm"
)

const validPlan = `{"actions":[{"type":"click","selector":"#login"}],"returnMode":"none"}`

func TestPlanFirstTry(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake(validPlan)
	p := newPlanner(fake, nil, nil)

	plan, err := p.plan(context.Background(), "click the login button")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, dom.KindClick, plan.Actions[0].Type)
	assert.Equal(t, "#login", plan.Actions[0].Selector.CSS)
	assert.Len(t, fake.Calls(), 1)
}

func TestPlanUnwrapsCodeFence(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake("```json\n" + validPlan + "\n```")
	p := newPlanner(fake, nil, nil)

	plan, err := p.plan(context.Background(), "click the login button")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Len(t, fake.Calls(), 1)
}

func TestPlanCutsJSONOutOfProse(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake("Here is the program:\n" + validPlan + "\nGood luck!")
	p := newPlanner(fake, nil, nil)

	plan, err := p.plan(context.Background(), "click the login button")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
}

func TestPlanRetriesOnceOnInvalidReply(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake("I would click the login button.", validPlan)
	p := newPlanner(fake, nil, nil)

	plan, err := p.plan(context.Background(), "click the login button")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	retry := calls[1]
	require.Len(t, retry, 4)
	assert.Equal(t, llm.RoleAssistant, retry[2].Role)
	assert.Contains(t, retry[3].Content, "ONLY valid JSON")
}

func TestPlanFailsAfterSecondInvalidReply(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake("not a program", "still not a program")
	p := newPlanner(fake, nil, nil)

	_, err := p.plan(context.Background(), "click the login button")
	var planErr *api.PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, 2, planErr.Attempts)
	assert.Len(t, fake.Calls(), 2)
}

func TestPlanRejectsEmptyActions(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake(`{"actions":[]}`, `{"actions":[]}`)
	p := newPlanner(fake, nil, nil)

	_, err := p.plan(context.Background(), "do nothing")
	var planErr *api.PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Contains(t, planErr.Reason, "no actions")
}

func TestPlanRetriesOnInvalidAction(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake(`{"actions":[{"type":"teleport"}]}`, validPlan)
	p := newPlanner(fake, nil, nil)

	plan, err := p.plan(context.Background(), "click the login button")
	require.NoError(t, err)
	require.Len(t, plan.Actions, 1)
	assert.Len(t, fake.Calls(), 2)
}

func TestPlanCompletionFailure(t *testing.T) {
	t.Parallel()

	fake := llm.NewFake()
	fake.FailWith(errors.New("socket closed"))
	p := newPlanner(fake, nil, nil)

	_, err := p.plan(context.Background(), "click the login button")
	var planErr *api.PlanGenerationError
	require.ErrorAs(t, err, &planErr)
	assert.Equal(t, 1, planErr.Attempts)
	assert.Contains(t, planErr.Reason, "socket closed")
}
