// Package tests runs the automation subsystem end to end: real pages
// in the in-process host, programs through the correlation bridge,
// verbs through the orchestrator's provider ladder.
package tests

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/bridge"
	"github.com/webpilot/webpilot/fallback"
	"github.com/webpilot/webpilot/llm"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
	"github.com/webpilot/webpilot/provider"
	"github.com/webpilot/webpilot/tabs"
	"github.com/webpilot/webpilot/trace"
)

// pipeline is a fully wired automation stack over the in-process
// backend.
type pipeline struct {
	host   *tabs.Host
	bridge *bridge.Bridge
	gate   *bridge.OriginGate
	store  *trace.Store
	orch   *fallback.Orchestrator
}

// newPipeline builds the stack: a real host, gate and bridge, a trace
// store under the test's tempdir, and an orchestrator falling back to
// the real webview provider planning through chat. A nil chat leaves
// the deterministic side unwired.
func newPipeline(t *testing.T, semantic api.Provider, chat llm.Client) *pipeline {
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

	opts := []fallback.Option{fallback.WithMetrics(m)}
	if chat != nil {
		opts = append(opts, fallback.WithDeterministic(
			provider.NewWebview(chat, br, host, logger, m)))
	}
	return &pipeline{
		host:   host,
		bridge: br,
		gate:   gate,
		store:  store,
		orch:   fallback.New(semantic, store, logger, opts...),
	}
}

// downProvider is a semantic provider whose engine is unreachable:
// every verb fails with the same error, with calls counted.
type downProvider struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *downProvider) Name() string { return "stagehand" }

func (p *downProvider) fail() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *downProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *downProvider) Navigate(context.Context, string) (*api.NavigateResult, error) {
	return nil, p.fail()
}

func (p *downProvider) Act(context.Context, string) (*api.ActResult, error) {
	return nil, p.fail()
}

func (p *downProvider) Extract(context.Context, string, map[string]any) (*api.ExtractResult, error) {
	return nil, p.fail()
}

func (p *downProvider) Observe(context.Context, string) ([]api.Observation, error) {
	return nil, p.fail()
}

// Screenshot also serves failure-evidence capture, which must not
// consume verb counts.
func (p *downProvider) Screenshot(context.Context) (*api.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return nil, p.err
}

// journalEvents reads a trace's journal back in append order.
func journalEvents(t *testing.T, store *trace.Store, traceID string) []trace.Event {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(store.Root(), "*", traceID, "attempt.jsonl"))
	require.NoError(t, err)
	require.Len(t, matches, 1, "expected exactly one journal for trace %s", traceID)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var events []trace.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev trace.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

// eventKinds projects a journal onto its event tags.
func eventKinds(events []trace.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Event
	}
	return out
}

func dataPage(title, body string) string {
	return "data:text/html,<html><head><title>" + title + "</title></head><body>" + body + "</body></html>"
}
