// Package bridge correlates automation requests with the results the
// page execution backend streams back. It owns request ids, the
// pending-request table, timeouts, tab resolution and the permission
// gate; everything below it only ever sees one program at a time.
package bridge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/metrics"
)

// DefaultTimeout bounds a request that carries no timeoutMs.
const DefaultTimeout = 30 * time.Second

// pending is one registered waiter. Exactly one settle path wins: the
// side that removes the entry from the table delivers the outcome.
type pending struct {
	ch       chan *dom.Result
	timedOut chan struct{}
	timer    *time.Timer
}

// Bridge mediates between callers and a page executor.
type Bridge struct {
	executor api.PageExecutor
	tabs     api.TabController
	gate     api.PermissionGate
	logger   *log.Logger
	metrics  *metrics.Metrics

	timeout  time.Duration
	activity func(active bool)

	pendingMu sync.Mutex
	pending   map[string]*pending

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithActivityFunc registers the busy-indicator callback, invoked with
// true on the 0 to 1 in-flight transition and false on 1 to 0.
func WithActivityFunc(f func(active bool)) Option {
	return func(b *Bridge) { b.activity = f }
}

// WithMetrics wires the instrument set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New builds a bridge over an executor and starts its dispatch loop.
// Close releases it.
func New(executor api.PageExecutor, tabs api.TabController, gate api.PermissionGate, logger *log.Logger, opts ...Option) *Bridge {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	b := &Bridge{
		executor: executor,
		tabs:     tabs,
		gate:     gate,
		logger:   logger,
		metrics:  metrics.NewNop(),
		timeout:  DefaultTimeout,
		pending:  make(map[string]*pending),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatchLoop()
	return b
}

// Close stops the dispatch loop. In-flight requests settle through
// their timers.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Execute runs one automation program end to end: validation, id
// assignment, tab resolution, permission check, registration,
// injection, and the wait for the correlated result.
func (b *Bridge) Execute(ctx context.Context, req *dom.Request) (*dom.Result, error) {
	start := time.Now()

	if err := req.Validate(); err != nil {
		b.count(metrics.OutcomeRejected)
		return nil, err
	}
	req.Normalize()

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	id := req.RequestID

	tab, err := b.tabs.Resolve(ctx, req.TabID)
	if err != nil {
		b.count(metrics.OutcomeRejected)
		return nil, err
	}
	req.TabID = tab.ID

	if origin, gated := gatedOrigin(tab.URL); gated && !b.gate.Allowed(ctx, origin) {
		b.count(metrics.OutcomeRejected)
		return nil, &api.PermissionDeniedError{Origin: origin}
	}

	timeout := b.timeout
	if req.TimeoutMs.Valid && req.TimeoutMs.Int64 > 0 {
		timeout = time.Duration(req.TimeoutMs.Int64) * time.Millisecond
	}

	// The waiter must exist before the program reaches the page, or a
	// fast completion would race registration and be dropped.
	pd, err := b.register(id, timeout)
	if err != nil {
		b.count(metrics.OutcomeRejected)
		return nil, err
	}

	b.logger.Debugf("Bridge:Execute", "requestID:%s tab:%s actions:%d timeout:%s",
		id, tab.ID, len(req.Actions), timeout)

	if err := b.executor.Inject(ctx, tab.ID, req); err != nil {
		if p := b.take(id); p != nil {
			p.timer.Stop()
		}
		b.count(metrics.OutcomeError)
		return nil, &api.InjectionError{Err: err}
	}

	select {
	case res := <-pd.ch:
		b.observe(start, metrics.OutcomeOK)
		return res, nil
	case <-pd.timedOut:
		b.observe(start, metrics.OutcomeTimeout)
		return nil, &api.TimeoutError{Op: "automation request", RequestID: id, Timeout: timeout}
	case <-ctx.Done():
		if p := b.take(id); p != nil {
			p.timer.Stop()
			b.observe(start, metrics.OutcomeError)
			return nil, fmt.Errorf("automation request %s aborted: %w", id, ctx.Err())
		}
		// The request settled while the context fired; report the
		// settled outcome.
		select {
		case res := <-pd.ch:
			b.observe(start, metrics.OutcomeOK)
			return res, nil
		case <-pd.timedOut:
			b.observe(start, metrics.OutcomeTimeout)
			return nil, &api.TimeoutError{Op: "automation request", RequestID: id, Timeout: timeout}
		}
	}
}

// InFlight returns the number of requests awaiting results.
func (b *Bridge) InFlight() int {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return len(b.pending)
}

// register installs the pending entry and arms its timeout.
func (b *Bridge) register(id string, timeout time.Duration) (*pending, error) {
	pd := &pending{
		ch:       make(chan *dom.Result, 1),
		timedOut: make(chan struct{}),
	}

	b.pendingMu.Lock()
	if _, exists := b.pending[id]; exists {
		b.pendingMu.Unlock()
		return nil, fmt.Errorf("request %q already in flight", id)
	}
	b.pending[id] = pd
	becameActive := len(b.pending) == 1
	b.pendingMu.Unlock()

	b.metrics.InFlightRequests.Inc()
	if becameActive && b.activity != nil {
		b.activity(true)
	}

	pd.timer = time.AfterFunc(timeout, func() {
		if p := b.take(id); p != nil {
			close(p.timedOut)
		}
	})
	return pd, nil
}

// take removes and returns the pending entry for id, nil when some
// other settle path already claimed it.
func (b *Bridge) take(id string) *pending {
	b.pendingMu.Lock()
	pd, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	becameIdle := ok && len(b.pending) == 0
	b.pendingMu.Unlock()

	if !ok {
		return nil
	}
	b.metrics.InFlightRequests.Dec()
	if becameIdle && b.activity != nil {
		b.activity(false)
	}
	return pd
}

// dispatchLoop feeds executor results to their waiters. Results with
// unknown or missing ids are dropped, logged at debug only.
func (b *Bridge) dispatchLoop() {
	results := b.executor.Results()
	for {
		select {
		case <-b.done:
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			if res == nil || res.RequestID == "" {
				b.logger.Debugf("Bridge:dispatch", "dropping result without request id")
				continue
			}
			pd := b.take(res.RequestID)
			if pd == nil {
				b.logger.Debugf("Bridge:dispatch", "dropping result for unknown request %q", res.RequestID)
				continue
			}
			pd.timer.Stop()
			pd.ch <- res
		}
	}
}

func (b *Bridge) count(outcome string) {
	b.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
}

func (b *Bridge) observe(start time.Time, outcome string) {
	b.count(outcome)
	b.metrics.RequestDurationSeconds.Observe(time.Since(start).Seconds())
}

// gatedOrigin extracts the permission-gate key for a page URL. Only
// http and https origins are gated; opaque and local schemes run
// ungated.
func gatedOrigin(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	return scheme + "://" + strings.ToLower(u.Host), true
}
