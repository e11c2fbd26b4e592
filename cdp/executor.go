package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/cdp/js"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
)

// resultBinding is the page-side callback name the runner reports
// through. Runner completions surface as bindingCalled events carrying
// the result envelope as their payload.
const resultBinding = "__webpilotResult"

// resultsBuffer is the depth of the results stream.
const resultsBuffer = 16

var _ api.PageExecutor = (*Executor)(nil)

// Executor runs automation programs inside real pages. Attach opens a
// protocol session on a page target and installs the embedded runner;
// Inject hands programs to it; completions come back asynchronously on
// Results, matched by request id. Tab ids are DevTools target ids.
type Executor struct {
	client *Client
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]string
	active   string

	results chan *dom.Result
	cancel  func()
}

// NewExecutor wraps the client and starts consuming runner results.
func NewExecutor(client *Client, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	e := &Executor{
		client:   client,
		logger:   logger,
		sessions: make(map[string]string),
		results:  make(chan *dom.Result, resultsBuffer),
	}
	events, cancel := client.Subscribe(cdproto.EventRuntimeBindingCalled)
	e.cancel = cancel
	go e.consumeBindings(events)
	return e
}

// Attach opens a flat session on the page target, installs the runner
// in the current document and every future one, and registers the
// result binding. The first attached target becomes the active tab.
func (e *Executor) Attach(ctx context.Context, targetID string) error {
	sid, err := e.client.AttachToPage(ctx, targetID)
	if err != nil {
		return err
	}
	sctx := cdp.WithExecutor(WithSessionID(ctx, sid), e.client)

	if err := page.Enable().Do(sctx); err != nil {
		return fmt.Errorf("cannot enable page events for %q: %w", targetID, err)
	}
	if err := runtime.Enable().Do(sctx); err != nil {
		return fmt.Errorf("cannot enable runtime events for %q: %w", targetID, err)
	}
	if err := runtime.AddBinding(resultBinding).Do(sctx); err != nil {
		return fmt.Errorf("cannot add result binding for %q: %w", targetID, err)
	}
	if _, err := page.AddScriptToEvaluateOnNewDocument(js.RunnerScript).Do(sctx); err != nil {
		return fmt.Errorf("cannot install runner for new documents in %q: %w", targetID, err)
	}
	if err := evaluate(sctx, js.RunnerScript); err != nil {
		return fmt.Errorf("cannot install runner in %q: %w", targetID, err)
	}

	e.mu.Lock()
	e.sessions[targetID] = sid
	if e.active == "" {
		e.active = targetID
	}
	e.mu.Unlock()
	e.logger.Debugf("CDP:Attach", "target:%s session:%s", targetID, sid)
	return nil
}

// Detach drops the target's session. If it was the active tab, any
// remaining attached target takes over.
func (e *Executor) Detach(ctx context.Context, targetID string) error {
	e.mu.Lock()
	sid, ok := e.sessions[targetID]
	delete(e.sessions, targetID)
	if e.active == targetID {
		e.active = ""
		for id := range e.sessions {
			e.active = id
			break
		}
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("tab %q is not attached", targetID)
	}

	err := target.DetachFromTarget().
		WithSessionID(target.SessionID(sid)).
		Do(cdp.WithExecutor(ctx, e.client))
	if err != nil {
		return fmt.Errorf("cannot detach from target %q: %w", targetID, err)
	}
	return nil
}

// SetActive routes programs with an empty tab id to the target.
func (e *Executor) SetActive(targetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[targetID]; !ok {
		return fmt.Errorf("tab %q is not attached", targetID)
	}
	e.active = targetID
	return nil
}

// Active returns the target id programs with an empty tab id go to,
// empty when nothing is attached.
func (e *Executor) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Session returns the protocol session id for the target, for direct
// typed-action use like screenshots.
func (e *Executor) Session(targetID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if targetID == "" {
		targetID = e.active
	}
	sid, ok := e.sessions[targetID]
	return sid, ok
}

// Inject implements api.PageExecutor. The program is handed to the
// in-page runner; a nil return means the page accepted it and the
// outcome will arrive on Results.
func (e *Executor) Inject(ctx context.Context, tabID string, req *dom.Request) error {
	e.mu.Lock()
	id := tabID
	if id == "" {
		id = e.active
	}
	sid, ok := e.sessions[id]
	e.mu.Unlock()
	if id == "" {
		return &api.NoActiveTabError{}
	}
	if !ok {
		return fmt.Errorf("tab %q is not attached", id)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("cannot encode program %s: %w", req.RequestID, err)
	}

	sctx := cdp.WithExecutor(WithSessionID(ctx, sid), e.client)
	if err := evaluate(sctx, fmt.Sprintf("window.__webpilotRun(%s)", payload)); err != nil {
		return &api.InjectionError{Err: err}
	}
	e.logger.Debugf("CDP:Inject", "target:%s requestID:%s actions:%d", id, req.RequestID, len(req.Actions))
	return nil
}

// Results implements api.PageExecutor.
func (e *Executor) Results() <-chan *dom.Result {
	return e.results
}

// Close stops consuming runner results. The client connection stays
// with its owner.
func (e *Executor) Close() {
	e.cancel()
}

func (e *Executor) consumeBindings(events <-chan *Event) {
	for ev := range events {
		bc, ok := ev.Data.(*runtime.EventBindingCalled)
		if !ok || bc.Name != resultBinding {
			continue
		}
		var res dom.Result
		if err := json.Unmarshal([]byte(bc.Payload), &res); err != nil {
			e.logger.Warnf("CDP:results", "cannot decode result payload: %v", err)
			continue
		}
		select {
		case e.results <- &res:
		default:
			e.logger.Warnf("CDP:results", "dropping result %s, consumer is lagging", res.RequestID)
		}
	}
}

// evaluate runs an expression in the session's page, surfacing thrown
// exceptions as errors.
func evaluate(ctx context.Context, expression string) error {
	_, exp, err := runtime.Evaluate(expression).Do(ctx)
	if err != nil {
		return err
	}
	if exp != nil {
		return exp
	}
	return nil
}
