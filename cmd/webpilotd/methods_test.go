package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/bridge"
	"github.com/webpilot/webpilot/config"
	"github.com/webpilot/webpilot/fallback"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
	"github.com/webpilot/webpilot/sidecar"
	"github.com/webpilot/webpilot/tabs"
	"github.com/webpilot/webpilot/trace"
)

// fakeProvider serves canned results; fail scripts every verb to fail.
type fakeProvider struct {
	name string
	fail error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Navigate(_ context.Context, url string) (*api.NavigateResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &api.NavigateResult{URL: url, Title: "Shop"}, nil
}

func (f *fakeProvider) Act(context.Context, string) (*api.ActResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &api.ActResult{Status: "ok"}, nil
}

func (f *fakeProvider) Extract(context.Context, string, map[string]any) (*api.ExtractResult, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &api.ExtractResult{Data: map[string]any{"total": "$42.00"}}, nil
}

func (f *fakeProvider) Observe(context.Context, string) ([]api.Observation, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return []api.Observation{{Selector: "#buy", Description: "Buy now button"}}, nil
}

func (f *fakeProvider) Screenshot(context.Context) (*api.Snapshot, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return &api.Snapshot{URL: "https://shop.example", Title: "Shop", Format: "png"}, nil
}

// newTestApp wires a daemon over the in-process backend: real host,
// bridge and trace store, a canned semantic provider, and cat standing
// in for the engine process.
func newTestApp(t *testing.T, semantic api.Provider) *app {
	t.Helper()
	logger := log.NewNullLogger()

	host := tabs.NewHost(tabs.NewLoader(), logger)
	t.Cleanup(host.Shutdown)

	gate := bridge.NewOriginGate(false)
	m := metrics.New(prometheus.NewRegistry())
	br := bridge.New(host, host, gate, logger,
		bridge.WithTimeout(2*time.Second),
		bridge.WithMetrics(m),
	)
	t.Cleanup(br.Close)

	store := trace.NewStore(t.TempDir(), logger)
	if semantic == nil {
		semantic = &fakeProvider{name: "stagehand"}
	}

	proc, err := sidecar.Start(context.Background(), []string{"cat"}, logger,
		sidecar.WithCloseGrace(100*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(proc.Close)

	return &app{
		cfg:     config.Default(),
		logger:  logger,
		version: "test",
		started: time.Now(),
		traceID: "session-trace",
		backend: "tabs",
		tabs:    host,
		gate:    gate,
		bridge:  br,
		orch:    fallback.New(semantic, store, logger),
		store:   store,
		metrics: m,
		engine:  proc,
		host:    host,
		notes:   &notifier{},
	}
}

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func testPage(title, body string) string {
	return "data:text/html,<html><head><title>" + title + "</title></head><body>" + body + "</body></html>"
}

func TestNavigateRoundtrip(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	res, err := a.rpcNavigate(context.Background(), mustParams(t, map[string]any{
		"stepId": "s1",
		"url":    "https://shop.example/cart",
	}))
	require.NoError(t, err)

	nav, ok := res.(*api.NavigateResult)
	require.True(t, ok)
	assert.Equal(t, "https://shop.example/cart", nav.URL)
	assert.Equal(t, "Shop", nav.Title)
}

func TestStepParamValidation(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	_, err := a.rpcNavigate(ctx, mustParams(t, map[string]any{"url": "https://shop.example"}))
	var invalid *invalidParamsError
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing stepId")

	_, err = a.rpcNavigate(ctx, mustParams(t, map[string]any{"stepId": "s1"}))
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing url")

	_, err = a.rpcAct(ctx, json.RawMessage(`{"stepId":[]}`))
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "malformed params")

	_, err = a.rpcObserve(ctx, mustParams(t, map[string]any{"stepId": "s1"}))
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing instruction")
}

func TestStepTraceDefaultsToSession(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)

	step, err := a.step(stepParams{StepID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "session-trace", step.TraceID)

	step, err = a.step(stepParams{TraceID: "tr-9", StepID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "tr-9", step.TraceID)
}

func TestActExtractObserve(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	res, err := a.rpcAct(ctx, mustParams(t, map[string]any{
		"stepId":      "s1",
		"instruction": "click the buy button",
	}))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.(*api.ActResult).Status)

	res, err = a.rpcExtract(ctx, mustParams(t, map[string]any{
		"stepId":      "s2",
		"instruction": "read the total",
		"schema":      map[string]any{"total": "string"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "$42.00", res.(*api.ExtractResult).Data["total"])

	res, err = a.rpcObserve(ctx, mustParams(t, map[string]any{
		"stepId":      "s3",
		"instruction": "find the checkout controls",
	}))
	require.NoError(t, err)
	obs := res.(map[string]any)["observations"].([]api.Observation)
	require.Len(t, obs, 1)
	assert.Equal(t, "#buy", obs[0].Selector)
}

// The semantic provider's first failure asks the host to reissue the
// step; the reissued step exhausts it. No deterministic provider is
// wired, so the second call is terminal.
func TestNavigateRetryLadder(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &fakeProvider{name: "stagehand", fail: errors.New("selector timeout")})
	ctx := context.Background()
	params := mustParams(t, map[string]any{"stepId": "s9", "url": "https://shop.example"})

	_, err := a.rpcNavigate(ctx, params)
	var retry *api.RetryStepError
	require.ErrorAs(t, err, &retry)
	assert.Equal(t, "s9", retry.StepID)

	_, err = a.rpcNavigate(ctx, params)
	var exhausted *api.ProviderExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "s9", exhausted.StepID)
	assert.True(t, exhausted.FallbackDisabled)

	rerr := asRPCError(err)
	assert.Equal(t, codeServerError, rerr.Code)
	data := rerr.Data.(map[string]any)
	assert.Equal(t, "s9", data["stepId"])
	assert.Equal(t, true, data["fallbackDisabled"])
}

func TestScreenshotInProcess(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	res, err := a.rpcScreenshot(ctx, mustParams(t, map[string]any{"stepId": "s1"}))
	require.NoError(t, err)

	buf, err := json.Marshal(res)
	require.NoError(t, err)
	var decoded struct {
		Snapshot *api.Snapshot `json:"snapshot"`
		Path     string        `json:"path"`
	}
	require.NoError(t, json.Unmarshal(buf, &decoded))
	require.NotNil(t, decoded.Snapshot)
	assert.Equal(t, "png", decoded.Snapshot.Format)
	assert.Empty(t, decoded.Path)

	_, err = a.rpcScreenshot(ctx, mustParams(t, map[string]any{
		"stepId": "s2",
		"path":   "/tmp/never.png",
	}))
	var invalid *invalidParamsError
	require.ErrorAs(t, err, &invalid)
	assert.Contains(t, err.Error(), "browser backend")
}

func TestTabLifecycle(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	res, err := a.rpcTabCreate(ctx, mustParams(t, map[string]any{"url": testPage("First", "<p>one</p>")}))
	require.NoError(t, err)
	first := res.(map[string]any)["tab"].(*api.TabInfo)
	assert.True(t, first.Active)
	assert.Equal(t, "First", first.Title)

	res, err = a.rpcTabCreate(ctx, mustParams(t, map[string]any{"url": testPage("Second", "<p>two</p>")}))
	require.NoError(t, err)
	second := res.(map[string]any)["tab"].(*api.TabInfo)
	assert.True(t, second.Active)

	res, err = a.rpcTabList(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, res.(map[string]any)["tabs"], 2)

	res, err = a.rpcTabSwitch(ctx, mustParams(t, map[string]any{"tabId": first.ID}))
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.(map[string]any)["tab"].(*api.TabInfo).ID)

	res, err = a.rpcTabActive(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.(map[string]any)["tab"].(*api.TabInfo).ID)

	_, err = a.rpcTabClose(ctx, mustParams(t, map[string]any{"tabId": first.ID}))
	require.NoError(t, err)

	res, err = a.rpcTabActive(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, res.(map[string]any)["tab"].(*api.TabInfo).ID)

	_, err = a.rpcTabClose(ctx, mustParams(t, map[string]any{"tabId": second.ID}))
	require.NoError(t, err)

	res, err = a.rpcTabActive(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, res.(map[string]any)["tab"])
}

func TestTabNavigate(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	res, err := a.rpcTabCreate(ctx, mustParams(t, map[string]any{"url": testPage("Start", "<p>one</p>")}))
	require.NoError(t, err)
	created := res.(map[string]any)["tab"].(*api.TabInfo)

	res, err = a.rpcTabNavigate(ctx, mustParams(t, map[string]any{
		"tabId": created.ID,
		"url":   testPage("Later", "<p>two</p>"),
	}))
	require.NoError(t, err)
	moved := res.(map[string]any)["tab"].(*api.TabInfo)
	assert.Equal(t, created.ID, moved.ID)
	assert.Equal(t, "Later", moved.Title)

	// Empty tabId means the active tab.
	res, err = a.rpcTabNavigate(ctx, mustParams(t, map[string]any{"url": testPage("Again", "<p>three</p>")}))
	require.NoError(t, err)
	assert.Equal(t, "Again", res.(map[string]any)["tab"].(*api.TabInfo).Title)

	_, err = a.rpcTabNavigate(ctx, mustParams(t, map[string]any{"tabId": created.ID}))
	var invalid *invalidParamsError
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing url")
}

func TestTabParamValidation(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()
	var invalid *invalidParamsError

	_, err := a.rpcTabClose(ctx, nil)
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing tabId")

	_, err = a.rpcTabSwitch(ctx, nil)
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing tabId")

	_, err = a.rpcTabSwitch(ctx, mustParams(t, map[string]any{"tabId": "T404"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "T404")

	_, err = a.rpcTabEvaluate(ctx, mustParams(t, map[string]any{"tabId": "T1"}))
	require.ErrorAs(t, err, &invalid)
	assert.EqualError(t, err, "missing expression")
}

func TestTabEvaluate(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	_, err := a.rpcTabCreate(ctx, mustParams(t, map[string]any{"url": testPage("Console", "<p>hello page</p>")}))
	require.NoError(t, err)

	res, err := a.rpcTabEvaluate(ctx, mustParams(t, map[string]any{"expression": "__wpText()"}))
	require.NoError(t, err)
	assert.Equal(t, "hello page", res.(map[string]any)["value"])

	_, err = a.rpcTabEvaluate(ctx, mustParams(t, map[string]any{"expression": "missingFunction()"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missingFunction")
}

// Pages on web origins stay blocked until the host grants the origin,
// and go back to blocked when it revokes.
func TestPermissionGateOnEvaluate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><head><title>Gated</title></head><body><p>secret</p></body></html>`)
	}))
	t.Cleanup(srv.Close)

	a := newTestApp(t, nil)
	ctx := context.Background()

	_, err := a.rpcTabCreate(ctx, mustParams(t, map[string]any{"url": srv.URL}))
	require.NoError(t, err)

	expr := mustParams(t, map[string]any{"expression": "__wpText()"})
	_, err = a.rpcTabEvaluate(ctx, expr)
	var denied *api.PermissionDeniedError
	require.ErrorAs(t, err, &denied)

	res, err := a.rpcPermissionGrant(ctx, mustParams(t, map[string]any{"origin": srv.URL}))
	require.NoError(t, err)
	assert.Len(t, res.(map[string]any)["origins"], 1)

	res, err = a.rpcTabEvaluate(ctx, expr)
	require.NoError(t, err)
	assert.Equal(t, "secret", res.(map[string]any)["value"])

	res, err = a.rpcPermissionRevoke(ctx, mustParams(t, map[string]any{"origin": srv.URL}))
	require.NoError(t, err)
	assert.Empty(t, res.(map[string]any)["origins"])

	_, err = a.rpcTabEvaluate(ctx, expr)
	require.ErrorAs(t, err, &denied)
}

func TestStatusShape(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	ctx := context.Background()

	_, err := a.rpcTabCreate(ctx, mustParams(t, map[string]any{"url": testPage("Only", "<p>x</p>")}))
	require.NoError(t, err)

	res, err := a.rpcStatus(ctx, nil)
	require.NoError(t, err)
	status := res.(map[string]any)

	assert.Equal(t, "test", status["version"])
	assert.Equal(t, "tabs", status["backend"])
	assert.Equal(t, "session-trace", status["traceId"])
	assert.Equal(t, 1, status["tabs"])
	assert.Equal(t, 0, status["inFlight"])
	assert.Empty(t, status["origins"])

	engine := status["engine"].(map[string]any)
	assert.Equal(t, true, engine["running"])
	assert.Greater(t, engine["pid"].(int), 0)
}

// One request through the whole stack: the server's framing, the
// method table and the in-process backend.
func TestServeMethodSurface(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	var buf bytes.Buffer
	srv := newServer(&buf, a.methods(), log.NewNullLogger())

	params := mustParams(t, map[string]any{"url": testPage("Wired", "<p>ok</p>")})
	input := `{"jsonrpc":"2.0","id":1,"method":"tabs.create","params":` + string(params) + "}\n" +
		`{"jsonrpc":"2.0","id":2,"method":"status"}` + "\n"
	require.NoError(t, srv.serve(context.Background(), strings.NewReader(input)))

	frames := decodeFrames(t, buf.Bytes())
	require.Len(t, frames, 2)

	created := frameByID(t, frames, 1)
	require.NotContains(t, created, "error")
	tab := created["result"].(map[string]any)["tab"].(map[string]any)
	assert.Equal(t, "Wired", tab["title"])
	assert.Equal(t, true, tab["active"])
	assert.NotEmpty(t, tab["id"])

	status := frameByID(t, frames, 2)["result"].(map[string]any)
	assert.Equal(t, "tabs", status["backend"])
	assert.Equal(t, float64(1), status["tabs"])
}
