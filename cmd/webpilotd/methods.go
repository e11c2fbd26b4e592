package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/cdp"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/fallback"
)

// methods binds the daemon's protocol surface to the app.
func (a *app) methods() map[string]methodFunc {
	return map[string]methodFunc{
		"navigate":   a.rpcNavigate,
		"act":        a.rpcAct,
		"extract":    a.rpcExtract,
		"observe":    a.rpcObserve,
		"screenshot": a.rpcScreenshot,

		"tabs.create":   a.rpcTabCreate,
		"tabs.close":    a.rpcTabClose,
		"tabs.switch":   a.rpcTabSwitch,
		"tabs.navigate": a.rpcTabNavigate,
		"tabs.list":     a.rpcTabList,
		"tabs.active":   a.rpcTabActive,
		"tabs.evaluate": a.rpcTabEvaluate,

		"permissions.grant":  a.rpcPermissionGrant,
		"permissions.revoke": a.rpcPermissionRevoke,

		"status": a.rpcStatus,
	}
}

// decodeParams unmarshals the request params. Absent params leave dst
// zero so handlers validate required fields themselves.
func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams("malformed params: %v", err)
	}
	return nil
}

// stepParams identify one journaled automation step. Every orchestrated
// method embeds them; traceId defaults to the daemon session's id so a
// host that never names traces still gets one journal per run.
type stepParams struct {
	TraceID string `json:"traceId"`
	StepID  string `json:"stepId"`
}

func (a *app) step(p stepParams) (fallback.Step, error) {
	if p.StepID == "" {
		return fallback.Step{}, invalidParams("missing stepId")
	}
	traceID := p.TraceID
	if traceID == "" {
		traceID = a.traceID
	}
	return fallback.Step{TraceID: traceID, StepID: p.StepID}, nil
}

func (a *app) rpcNavigate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		stepParams
		URL string `json:"url"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, invalidParams("missing url")
	}
	step, err := a.step(p.stepParams)
	if err != nil {
		return nil, err
	}
	return a.orch.Navigate(ctx, step, p.URL)
}

func (a *app) rpcAct(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		stepParams
		Instruction string `json:"instruction"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Instruction == "" {
		return nil, invalidParams("missing instruction")
	}
	step, err := a.step(p.stepParams)
	if err != nil {
		return nil, err
	}
	return a.orch.Act(ctx, step, p.Instruction)
}

func (a *app) rpcExtract(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		stepParams
		Instruction string         `json:"instruction"`
		Schema      map[string]any `json:"schema"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Instruction == "" {
		return nil, invalidParams("missing instruction")
	}
	step, err := a.step(p.stepParams)
	if err != nil {
		return nil, err
	}
	return a.orch.Extract(ctx, step, p.Instruction, p.Schema)
}

func (a *app) rpcObserve(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		stepParams
		Instruction string `json:"instruction"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Instruction == "" {
		return nil, invalidParams("missing instruction")
	}
	step, err := a.step(p.stepParams)
	if err != nil {
		return nil, err
	}
	obs, err := a.orch.Observe(ctx, step, p.Instruction)
	if err != nil {
		return nil, err
	}
	if obs == nil {
		obs = []api.Observation{}
	}
	return map[string]any{"observations": obs}, nil
}

// rpcScreenshot journals a snapshot through the orchestrator and, on
// the browser backend, attaches real pixels from the active tab. The
// in-process backend has no pixels to capture, so a path there is a
// caller error rather than a silently empty file.
func (a *app) rpcScreenshot(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		stepParams
		Format  string `json:"format"`
		Quality int64  `json:"quality"`
		Path    string `json:"path"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	step, err := a.step(p.stepParams)
	if err != nil {
		return nil, err
	}
	snap, err := a.orch.Screenshot(ctx, step)
	if err != nil {
		return nil, err
	}
	if a.shooter != nil {
		sid, ok := a.cdpExec.Session("")
		if !ok {
			return nil, &api.NoActiveTabError{}
		}
		buf, err := a.shooter.Take(cdp.WithSessionID(ctx, sid), &cdp.ScreenshotOptions{
			Format:  p.Format,
			Quality: p.Quality,
			Path:    p.Path,
		})
		if err != nil {
			return nil, err
		}
		snap.Image = buf
		snap.Format = p.Format
		if snap.Format == "" {
			snap.Format = cdp.FormatPNG
		}
	} else if p.Path != "" {
		return nil, invalidParams("path capture needs a browser backend")
	}
	result := struct {
		Snapshot *api.Snapshot `json:"snapshot"`
		Path     string        `json:"path,omitempty"`
	}{Snapshot: snap}
	if a.shooter != nil {
		result.Path = p.Path
	}
	return result, nil
}

func (a *app) rpcTabCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		URL string `json:"url"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	info, err := a.tabs.Create(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tab": info}, nil
}

func (a *app) rpcTabClose(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, invalidParams("missing tabId")
	}
	return nil, a.tabs.Close(ctx, p.TabID)
}

func (a *app) rpcTabSwitch(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TabID == "" {
		return nil, invalidParams("missing tabId")
	}
	info, err := a.tabs.Switch(ctx, p.TabID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tab": info}, nil
}

// rpcTabNavigate drives one tab to a url without going through the
// provider ladder: plain tab management, not a journaled step.
func (a *app) rpcTabNavigate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID string `json:"tabId"`
		URL   string `json:"url"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, invalidParams("missing url")
	}
	info, err := a.tabs.Navigate(ctx, p.TabID, p.URL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tab": info}, nil
}

func (a *app) rpcTabList(ctx context.Context, _ json.RawMessage) (any, error) {
	infos, err := a.tabs.List(ctx)
	if err != nil {
		return nil, err
	}
	if infos == nil {
		infos = []*api.TabInfo{}
	}
	return map[string]any{"tabs": infos}, nil
}

// rpcTabActive reports the active tab, null when no tab is open.
func (a *app) rpcTabActive(ctx context.Context, _ json.RawMessage) (any, error) {
	info, err := a.tabs.Resolve(ctx, "")
	var noTab *api.NoActiveTabError
	if errors.As(err, &noTab) {
		return map[string]any{"tab": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"tab": info}, nil
}

// rpcTabEvaluate runs one expression in a tab through the correlation
// bridge, so permission gating and timeouts apply the same as to any
// automation program.
func (a *app) rpcTabEvaluate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		TabID      string `json:"tabId"`
		Expression string `json:"expression"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Expression == "" {
		return nil, invalidParams("missing expression")
	}
	res, err := a.bridge.Execute(ctx, &dom.Request{
		RequestID:  uuid.NewString(),
		TabID:      p.TabID,
		Actions:    []dom.Action{{Type: dom.KindEvaluate, Expression: p.Expression}},
		ReturnMode: dom.ReturnLast,
	})
	if err != nil {
		return nil, err
	}
	if !res.OK {
		msg := "evaluation failed"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return nil, errors.New(msg)
	}
	var value any
	if len(res.Results) > 0 {
		value = res.Results[len(res.Results)-1].Value
	}
	return map[string]any{"value": value}, nil
}

func (a *app) rpcPermissionGrant(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Origin string `json:"origin"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Origin == "" {
		return nil, invalidParams("missing origin")
	}
	a.gate.Set(p.Origin, true)
	a.logger.Infof("Daemon:permissions", "granted origin:%s", p.Origin)
	return map[string]any{"origins": a.gate.Origins()}, nil
}

func (a *app) rpcPermissionRevoke(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Origin string `json:"origin"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Origin == "" {
		return nil, invalidParams("missing origin")
	}
	a.gate.Revoke(p.Origin)
	a.logger.Infof("Daemon:permissions", "revoked origin:%s", p.Origin)
	return map[string]any{"origins": a.gate.Origins()}, nil
}

func (a *app) rpcStatus(ctx context.Context, _ json.RawMessage) (any, error) {
	running := true
	select {
	case <-a.engine.Done():
		running = false
	default:
	}
	tabCount := 0
	if infos, err := a.tabs.List(ctx); err == nil {
		tabCount = len(infos)
	} else {
		a.logger.Debugf("Daemon:status", "listing tabs: %v", err)
	}
	return map[string]any{
		"version":  a.version,
		"pid":      os.Getpid(),
		"uptimeMs": time.Since(a.started).Milliseconds(),
		"traceId":  a.traceID,
		"backend":  a.backend,
		"engine":   map[string]any{"running": running, "pid": a.engine.Pid()},
		"inFlight": a.bridge.InFlight(),
		"origins":  a.gate.Origins(),
		"tabs":     tabCount,
	}, nil
}
