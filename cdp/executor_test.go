package cdp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
)

// pageHandler scripts the command replies an Attach/Inject exchange
// needs. Sessions are derived from target ids so routing is visible in
// the received frames.
func pageHandler() func(msg *cdproto.Message) *wsReply {
	return func(msg *cdproto.Message) *wsReply {
		switch string(msg.Method) {
		case "Target.attachToTarget":
			var p struct {
				TargetID string `json:"targetId"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			return resultReply(map[string]any{"sessionId": "SESS-" + p.TargetID})
		case "Page.addScriptToEvaluateOnNewDocument":
			return resultReply(map[string]any{"identifier": "S1"})
		case "Runtime.evaluate":
			return resultReply(map[string]any{
				"result": map[string]any{"type": "boolean", "value": true},
			})
		}
		return resultReply(nil)
	}
}

// evaluateExpressions returns the expression of every Runtime.evaluate
// command received so far, in order.
func evaluateExpressions(t *testing.T, fb *fakeBrowser) []string {
	t.Helper()
	var out []string
	for _, m := range fb.messages() {
		if string(m.Method) != "Runtime.evaluate" {
			continue
		}
		var p struct {
			Expression string `json:"expression"`
		}
		require.NoError(t, json.Unmarshal(m.Params, &p))
		out = append(out, p.Expression)
	}
	return out
}

func newTestExecutor(t *testing.T, fb *fakeBrowser) *Executor {
	t.Helper()
	c := newTestClient(t, fb)
	ex := NewExecutor(c, log.NewNullLogger())
	t.Cleanup(ex.Close)
	return ex
}

func TestAttachInstallsRunner(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, pageHandler())
	ex := newTestExecutor(t, fb)

	require.NoError(t, ex.Attach(context.Background(), "T1"))

	assert.Equal(t, []string{
		"Target.attachToTarget",
		"Page.enable",
		"Runtime.enable",
		"Runtime.addBinding",
		"Page.addScriptToEvaluateOnNewDocument",
		"Runtime.evaluate",
	}, fb.methodsSeen())

	assert.Equal(t, map[string]any{"name": resultBinding}, fb.paramsOf("Runtime.addBinding"))

	// Everything after the attach itself runs inside the new session.
	for _, m := range fb.messages()[1:] {
		assert.Equal(t, "SESS-T1", string(m.SessionID), "method %s", m.Method)
	}

	exprs := evaluateExpressions(t, fb)
	require.Len(t, exprs, 1)
	assert.Contains(t, exprs[0], "window.__webpilotRun")

	install := fb.paramsOf("Page.addScriptToEvaluateOnNewDocument")
	assert.Contains(t, install["source"], "window.__webpilotRun")

	sid, ok := ex.Session("T1")
	require.True(t, ok)
	assert.Equal(t, "SESS-T1", sid)
}

func TestInjectDeliversProgramAndStreamsResult(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, pageHandler())
	ex := newTestExecutor(t, fb)
	ctx := context.Background()

	require.NoError(t, ex.Attach(ctx, "T1"))

	req := &dom.Request{
		RequestID: "r1",
		TabID:     "T1",
		Actions: []dom.Action{
			{Type: dom.KindClick, Selector: dom.CSSSelector("#buy")},
		},
	}
	require.NoError(t, ex.Inject(ctx, "T1", req))

	exprs := evaluateExpressions(t, fb)
	require.Len(t, exprs, 2)
	assert.True(t, strings.HasPrefix(exprs[1], "window.__webpilotRun({"), "got %q", exprs[1])
	assert.Contains(t, exprs[1], `"requestId":"r1"`)
	assert.Contains(t, exprs[1], `"type":"click"`)

	payload, err := json.Marshal(&dom.Result{
		RequestID: "r1",
		OK:        true,
		Results: []dom.ActionResult{
			{ActionIndex: 0, ActionType: dom.KindClick, OK: true},
		},
		DurationMs: 12,
	})
	require.NoError(t, err)
	fb.push(string(cdproto.EventRuntimeBindingCalled), map[string]any{
		"name":               resultBinding,
		"payload":            string(payload),
		"executionContextId": 1,
	}, "SESS-T1")

	select {
	case res := <-ex.Results():
		assert.Equal(t, "r1", res.RequestID)
		assert.True(t, res.OK)
		require.Len(t, res.Results, 1)
		assert.Equal(t, dom.KindClick, res.Results[0].ActionType)
		assert.Equal(t, int64(12), res.DurationMs)
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
	}
}

func TestInjectIgnoresForeignBindings(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, pageHandler())
	ex := newTestExecutor(t, fb)

	require.NoError(t, ex.Attach(context.Background(), "T1"))

	fb.push(string(cdproto.EventRuntimeBindingCalled), map[string]any{
		"name":               "somebodyElse",
		"payload":            `{"requestId":"rX","ok":true}`,
		"executionContextId": 1,
	}, "SESS-T1")

	select {
	case res := <-ex.Results():
		t.Fatalf("unexpected result %v", res)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInjectTargetsActiveTab(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, pageHandler())
	ex := newTestExecutor(t, fb)
	ctx := context.Background()

	require.NoError(t, ex.Attach(ctx, "T1"))
	require.NoError(t, ex.Attach(ctx, "T2"))

	req := &dom.Request{
		RequestID: "r2",
		Actions:   []dom.Action{{Type: dom.KindGetPageInfo}},
	}
	require.NoError(t, ex.Inject(ctx, "", req))

	msgs := fb.messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "Runtime.evaluate", string(last.Method))
	assert.Equal(t, "SESS-T1", string(last.SessionID))

	require.NoError(t, ex.SetActive("T2"))
	require.NoError(t, ex.Inject(ctx, "", req))
	msgs = fb.messages()
	last = msgs[len(msgs)-1]
	assert.Equal(t, "SESS-T2", string(last.SessionID))
}

func TestInjectErrors(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, pageHandler())
	ex := newTestExecutor(t, fb)
	ctx := context.Background()

	req := &dom.Request{
		RequestID: "r3",
		Actions:   []dom.Action{{Type: dom.KindGetPageInfo}},
	}

	var noTab *api.NoActiveTabError
	require.ErrorAs(t, ex.Inject(ctx, "", req), &noTab)

	require.NoError(t, ex.Attach(ctx, "T1"))
	assert.EqualError(t, ex.Inject(ctx, "T9", req), `tab "T9" is not attached`)
}

func TestInjectSurfacesPageExceptions(t *testing.T) {
	t.Parallel()

	base := pageHandler()
	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply {
		if string(msg.Method) == "Runtime.evaluate" {
			var p struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			if strings.HasPrefix(p.Expression, "window.__webpilotRun(") {
				return resultReply(map[string]any{
					"result": map[string]any{"type": "undefined"},
					"exceptionDetails": map[string]any{
						"exceptionId":  1,
						"text":         "Uncaught ReferenceError: run is not defined",
						"lineNumber":   0,
						"columnNumber": 7,
						"exception": map[string]any{
							"type":        "object",
							"subtype":     "error",
							"className":   "ReferenceError",
							"description": "Uncaught ReferenceError: run is not defined",
						},
					},
				})
			}
		}
		return base(msg)
	})
	ex := newTestExecutor(t, fb)
	ctx := context.Background()

	require.NoError(t, ex.Attach(ctx, "T1"))

	req := &dom.Request{
		RequestID: "r4",
		Actions:   []dom.Action{{Type: dom.KindGetPageInfo}},
	}
	err := ex.Inject(ctx, "T1", req)
	require.Error(t, err)
	var inj *api.InjectionError
	require.ErrorAs(t, err, &inj)
	assert.ErrorContains(t, err, "ReferenceError")
}

func TestDetachPromotesRemainingTab(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, pageHandler())
	ex := newTestExecutor(t, fb)
	ctx := context.Background()

	require.NoError(t, ex.Attach(ctx, "T1"))
	require.NoError(t, ex.Attach(ctx, "T2"))
	require.NoError(t, ex.SetActive("T2"))

	require.NoError(t, ex.Detach(ctx, "T2"))
	assert.Equal(t, map[string]any{"sessionId": "SESS-T2"}, fb.paramsOf("Target.detachFromTarget"))

	sid, ok := ex.Session("")
	require.True(t, ok)
	assert.Equal(t, "SESS-T1", sid)

	assert.EqualError(t, ex.Detach(ctx, "T2"), `tab "T2" is not attached`)
}
