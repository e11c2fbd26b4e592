package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/llm"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
)

// protocolGuide is the fixed system prompt teaching the model the
// automation protocol. The reply must be one JSON program.
const protocolGuide = `You translate a browser automation instruction into one JSON program
for a typed DOM protocol. Reply with a single JSON object and nothing
else:

{"actions": [...], "returnMode": "all|last|none", "timeoutMs": 30000}

Each action has a "type" and, for element actions, a "selector":
either a CSS string or an object combining css, xpath, id, name, role,
testId, placeholder, ariaLabel, label and text, with optional exact,
index, strict and visible modifiers.

Action types:
- interact: click (button, clickCount), dblclick, hover, focus, blur,
  type (text, clear, pressEnter, delayMs), press (key), setValue
  (value), clear, select (value), submit, check (checked), scroll
  (x, y, deltaX, deltaY), scrollIntoView
- wait: waitFor (state attached|visible, timeoutMs), waitForText
  (text), waitForFunction (expression)
- read: exists, count, query, getText, getHTML, getValue,
  getAttribute (name), getProperty (name), getBoundingBox,
  getPageInfo, getLinks
- mutate: setAttribute (name, value), removeAttribute (name),
  dispatchEvent (event, detail)
- diagnose: highlight, clearHighlights, evaluate (expression)

Prefer stable selectors (id, testId, label) over brittle CSS paths.
Wait for elements before interacting when the page may still be
loading. A reading instruction must end with the reading action whose
value answers it.`

// retryNudge is appended when the first reply does not parse.
const retryNudge = `Your previous reply was not a valid automation program. Return ONLY ` +
	`valid JSON: a single program object with a non-empty "actions" array. ` +
	`No prose, no code fences.`

// planner turns instructions into validated dom.Request programs,
// giving the model exactly one chance to correct an unparseable reply.
type planner struct {
	client  llm.Client
	logger  *log.Logger
	metrics *metrics.Metrics
}

func newPlanner(client llm.Client, logger *log.Logger, m *metrics.Metrics) *planner {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &planner{client: client, logger: logger, metrics: m}
}

func (p *planner) plan(ctx context.Context, task string) (*dom.Request, error) {
	messages := []llm.Message{llm.System(protocolGuide), llm.User(task)}

	reply, err := p.client.Complete(ctx, messages)
	if err != nil {
		return nil, &api.PlanGenerationError{Attempts: 1, Reason: err.Error()}
	}
	plan, perr := parsePlan(reply)
	if perr == nil {
		return plan, nil
	}

	p.logger.Debugf("Planner:plan", "retrying: %v", perr)
	p.metrics.PlanRetriesTotal.Inc()
	messages = append(messages, llm.Assistant(reply), llm.User(retryNudge))
	reply, err = p.client.Complete(ctx, messages)
	if err != nil {
		return nil, &api.PlanGenerationError{Attempts: 2, Reason: err.Error()}
	}
	if plan, perr = parsePlan(reply); perr != nil {
		return nil, &api.PlanGenerationError{Attempts: 2, Reason: perr.Error()}
	}
	return plan, nil
}

// parsePlan decodes a model reply into a validated program.
func parsePlan(reply string) (*dom.Request, error) {
	cleaned := stripCodeFence(reply)
	if cleaned == "" {
		return nil, fmt.Errorf("empty reply")
	}
	var req dom.Request
	if err := json.Unmarshal([]byte(cleaned), &req); err != nil {
		return nil, fmt.Errorf("reply is not a JSON program: %v", err)
	}
	if len(req.Actions) == 0 {
		return nil, fmt.Errorf("program has no actions")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// stripCodeFence unwraps ``` fences and, failing that, cuts the
// outermost object out of surrounding prose.
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		var body []string
		in := false
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				if in {
					break
				}
				in = true
				continue
			}
			if in {
				body = append(body, line)
			}
		}
		if len(body) > 0 {
			return strings.TrimSpace(strings.Join(body, "\n"))
		}
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}
