// Package tabs hosts in-process pages: a tab registry with active-tab
// tracking, a document loader, and a per-tab worker that runs injected
// automation programs against the tab's page.
package tabs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/engine"
	"github.com/webpilot/webpilot/log"
)

// navigationTimeout bounds loads triggered by page programs (link
// activations, form submissions).
const navigationTimeout = 30 * time.Second

// Host is the in-process tab registry and page execution backend.
type Host struct {
	loader  *Loader
	logger  *log.Logger
	emitter *emitter

	mu       sync.Mutex
	tabs     map[string]*Tab
	mru      []string
	activeID string
	seq      int

	results   chan *dom.Result
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ api.TabController = (*Host)(nil)
	_ api.PageExecutor  = (*Host)(nil)
)

// NewHost builds a host around a loader.
func NewHost(loader *Loader, logger *log.Logger) *Host {
	if loader == nil {
		loader = NewLoader()
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Host{
		loader:  loader,
		logger:  logger,
		emitter: newEmitter(logger),
		tabs:    make(map[string]*Tab),
		results: make(chan *dom.Result, 16),
		done:    make(chan struct{}),
	}
}

// Tab is one hosted page plus the worker that executes its programs.
type Tab struct {
	id   string
	seq  int
	host *Host

	mu   sync.Mutex
	page *engine.Page
	exec *engine.Executor

	programs  chan *program
	done      chan struct{}
	closeOnce sync.Once
}

type program struct {
	ctx context.Context
	req *dom.Request
}

func (t *Tab) info(active bool) *api.TabInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &api.TabInfo{
		ID:     t.id,
		URL:    t.page.URL(),
		Title:  t.page.Title(),
		Active: active,
	}
}

func (t *Tab) setPage(p *engine.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.page = p
	t.exec = engine.NewExecutor(p, t.host.logger)
}

func (t *Tab) takeNavigationIntent() *engine.NavigationIntent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page.TakeNavigationIntent()
}

func (t *Tab) stop() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *Tab) worker() {
	for {
		select {
		case <-t.done:
			return
		case prog := <-t.programs:
			t.mu.Lock()
			exec := t.exec
			t.mu.Unlock()
			res := exec.Run(prog.ctx, prog.req)
			t.host.deliver(t, res)
		}
	}
}

// Create opens a tab on rawURL (about:blank when empty) and makes it
// the active tab.
func (h *Host) Create(ctx context.Context, rawURL string) (*api.TabInfo, error) {
	if rawURL == "" {
		rawURL = "about:blank"
	}
	content, finalURL, err := h.loader.Load(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	page, err := engine.NewPage(content, finalURL, h.logger)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.seq++
	t := &Tab{
		id:       fmt.Sprintf("tab-%d", h.seq),
		seq:      h.seq,
		host:     h,
		programs: make(chan *program, 16),
		done:     make(chan struct{}),
	}
	t.setPage(page)
	h.tabs[t.id] = t
	h.touchLocked(t.id)
	h.activeID = t.id
	h.mu.Unlock()

	go t.worker()

	info := t.info(true)
	h.logger.Debugf("Tabs:Create", "tab:%s url:%s", t.id, info.URL)
	h.emitter.emit(Event{Type: EventCreated, Tab: info})
	return info, nil
}

// Close removes a tab. Closing the active tab promotes the most
// recently used remaining tab; closing the last leaves none active.
func (h *Host) Close(_ context.Context, tabID string) error {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("no tab with id %q", tabID)
	}
	delete(h.tabs, tabID)
	h.dropLocked(tabID)

	var promoted *Tab
	if h.activeID == tabID {
		h.activeID = ""
		if len(h.mru) > 0 {
			h.activeID = h.mru[0]
			promoted = h.tabs[h.activeID]
		}
	}
	h.mu.Unlock()

	t.stop()
	h.logger.Debugf("Tabs:Close", "tab:%s promoted:%v", tabID, promoted != nil)
	h.emitter.emit(Event{Type: EventClosed, Tab: t.info(false)})
	if promoted != nil {
		h.emitter.emit(Event{Type: EventSwitched, Tab: promoted.info(true)})
	}
	return nil
}

// Switch makes tabID the active tab.
func (h *Host) Switch(_ context.Context, tabID string) (*api.TabInfo, error) {
	h.mu.Lock()
	t, ok := h.tabs[tabID]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("no tab with id %q", tabID)
	}
	h.activeID = tabID
	h.touchLocked(tabID)
	h.mu.Unlock()

	info := t.info(true)
	h.emitter.emit(Event{Type: EventSwitched, Tab: info})
	return info, nil
}

// Resolve implements api.TabController.
func (h *Host) Resolve(_ context.Context, tabID string) (*api.TabInfo, error) {
	t, active, err := h.lookup(tabID)
	if err != nil {
		return nil, err
	}
	return t.info(active), nil
}

// Navigate loads a document into a tab and reports where it ended up.
func (h *Host) Navigate(ctx context.Context, tabID, rawURL string) (*api.TabInfo, error) {
	t, _, err := h.lookup(tabID)
	if err != nil {
		return nil, err
	}
	content, finalURL, err := h.loader.Load(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	page, err := engine.NewPage(content, finalURL, h.logger)
	if err != nil {
		return nil, err
	}
	t.setPage(page)

	h.mu.Lock()
	h.touchLocked(t.id)
	active := h.activeID == t.id
	h.mu.Unlock()

	info := t.info(active)
	h.logger.Debugf("Tabs:Navigate", "tab:%s url:%s", t.id, info.URL)
	h.emitter.emit(Event{Type: EventNavigated, Tab: info})
	return info, nil
}

// List returns every tab in creation order.
func (h *Host) List(_ context.Context) ([]*api.TabInfo, error) {
	h.mu.Lock()
	open := make([]*Tab, 0, len(h.tabs))
	for _, t := range h.tabs {
		open = append(open, t)
	}
	activeID := h.activeID
	h.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })
	infos := make([]*api.TabInfo, len(open))
	for i, t := range open {
		infos[i] = t.info(t.id == activeID)
	}
	return infos, nil
}

// Inject implements api.PageExecutor: the program is queued on the
// tab's worker and its result arrives on the Results stream.
func (h *Host) Inject(ctx context.Context, tabID string, req *dom.Request) error {
	t, _, err := h.lookup(tabID)
	if err != nil {
		return err
	}
	select {
	case t.programs <- &program{ctx: ctx, req: req}:
		return nil
	case <-t.done:
		return fmt.Errorf("tab %s is closed", t.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results implements api.PageExecutor.
func (h *Host) Results() <-chan *dom.Result {
	return h.results
}

// Subscribe registers a lifecycle event listener until ctx ends or the
// returned cancel runs.
func (h *Host) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return h.emitter.subscribe(ctx, 0)
}

// Shutdown stops every tab worker and the results stream.
func (h *Host) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		open := make([]*Tab, 0, len(h.tabs))
		for _, t := range h.tabs {
			open = append(open, t)
		}
		h.tabs = make(map[string]*Tab)
		h.mru = nil
		h.activeID = ""
		h.mu.Unlock()
		for _, t := range open {
			t.stop()
		}
	})
}

// deliver pushes a finished program's result to the stream, emits the
// result event, and follows any navigation intent the program left.
func (h *Host) deliver(t *Tab, res *dom.Result) {
	select {
	case h.results <- res:
	case <-h.done:
		return
	}
	h.emitter.emit(Event{Type: EventResult, Result: res, Tab: t.info(h.isActive(t.id))})

	if ni := t.takeNavigationIntent(); ni != nil {
		ctx, cancel := context.WithTimeout(context.Background(), navigationTimeout)
		defer cancel()
		if _, err := h.Navigate(ctx, t.id, ni.URL); err != nil {
			h.logger.Warnf("Tabs:Navigate", "cannot follow %s navigation to %s: %v",
				ni.Source, ni.URL, err)
		}
	}
}

func (h *Host) isActive(tabID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeID == tabID
}

// lookup resolves a tab id, empty meaning the active tab.
func (h *Host) lookup(tabID string) (*Tab, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tabID == "" {
		tabID = h.activeID
		if tabID == "" {
			return nil, false, &api.NoActiveTabError{}
		}
	}
	t, ok := h.tabs[tabID]
	if !ok {
		return nil, false, fmt.Errorf("no tab with id %q", tabID)
	}
	return t, tabID == h.activeID, nil
}

// touchLocked moves tabID to the front of the MRU order.
func (h *Host) touchLocked(tabID string) {
	h.dropLocked(tabID)
	h.mru = append([]string{tabID}, h.mru...)
}

func (h *Host) dropLocked(tabID string) {
	for i, id := range h.mru {
		if id == tabID {
			h.mru = append(h.mru[:i], h.mru[i+1:]...)
			return
		}
	}
}
