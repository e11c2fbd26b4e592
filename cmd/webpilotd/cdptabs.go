package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/target"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/cdp"
	"github.com/webpilot/webpilot/log"
	"github.com/webpilot/webpilot/tabs"
)

// tabSurface is what the daemon's tab methods need from an execution
// backend.
type tabSurface interface {
	api.TabController
	Create(ctx context.Context, url string) (*api.TabInfo, error)
	Close(ctx context.Context, tabID string) error
	Switch(ctx context.Context, tabID string) (*api.TabInfo, error)
}

var (
	_ tabSurface = (*tabs.Host)(nil)
	_ tabSurface = (*cdpTabs)(nil)
)

// cdpTabs projects the tab surface onto a live browser. Tab ids are
// DevTools target ids; attachment state lives in the executor, so a
// created or switched-to tab is always attached with the runner
// installed.
type cdpTabs struct {
	client *cdp.Client
	exec   *cdp.Executor
	logger *log.Logger
	notify func(tabs.Event)
}

func newCDPTabs(client *cdp.Client, exec *cdp.Executor, logger *log.Logger, notify func(tabs.Event)) *cdpTabs {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if notify == nil {
		notify = func(tabs.Event) {}
	}
	return &cdpTabs{client: client, exec: exec, logger: logger, notify: notify}
}

func (c *cdpTabs) emit(kind string, info *api.TabInfo) {
	c.notify(tabs.Event{Type: kind, Tab: info, Time: time.Now()})
}

// Create opens a page target, attaches to it and makes it the active
// tab, like a freshly opened tab in the original shell.
func (c *cdpTabs) Create(ctx context.Context, url string) (*api.TabInfo, error) {
	id, err := c.client.NewPage(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := c.exec.Attach(ctx, id); err != nil {
		return nil, err
	}
	if err := c.exec.SetActive(id); err != nil {
		return nil, err
	}
	info, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	c.logger.Debugf("Daemon:tabs", "created target:%s url:%s", id, info.URL)
	c.emit(tabs.EventCreated, info)
	return info, nil
}

// Close detaches from the target when attached and closes it. Closing
// the active tab promotes another attached tab through the executor.
func (c *cdpTabs) Close(ctx context.Context, tabID string) error {
	if tabID == "" {
		return fmt.Errorf("no tab with id %q", tabID)
	}
	if _, ok := c.exec.Session(tabID); ok {
		if err := c.exec.Detach(ctx, tabID); err != nil {
			return err
		}
	}
	if err := c.client.ClosePage(ctx, tabID); err != nil {
		return err
	}
	c.emit(tabs.EventClosed, &api.TabInfo{ID: tabID})
	return nil
}

// Switch makes the target the active tab, attaching first when the
// target was opened outside the daemon.
func (c *cdpTabs) Switch(ctx context.Context, tabID string) (*api.TabInfo, error) {
	if tabID == "" {
		return nil, fmt.Errorf("no tab with id %q", tabID)
	}
	if _, ok := c.exec.Session(tabID); !ok {
		if err := c.exec.Attach(ctx, tabID); err != nil {
			return nil, err
		}
	}
	if err := c.exec.SetActive(tabID); err != nil {
		return nil, err
	}
	info, err := c.Resolve(ctx, tabID)
	if err != nil {
		return nil, err
	}
	c.emit(tabs.EventSwitched, info)
	return info, nil
}

// Resolve implements api.TabController, empty meaning the active tab.
func (c *cdpTabs) Resolve(ctx context.Context, tabID string) (*api.TabInfo, error) {
	id := tabID
	if id == "" {
		id = c.exec.Active()
		if id == "" {
			return nil, &api.NoActiveTabError{}
		}
	}
	targets, err := c.client.Targets(ctx)
	if err != nil {
		return nil, err
	}
	for _, ti := range targets {
		if string(ti.TargetID) == id {
			return c.info(ti), nil
		}
	}
	return nil, fmt.Errorf("no tab with id %q", id)
}

// Navigate implements api.TabController against the tab's session.
func (c *cdpTabs) Navigate(ctx context.Context, tabID, url string) (*api.TabInfo, error) {
	id := tabID
	if id == "" {
		id = c.exec.Active()
		if id == "" {
			return nil, &api.NoActiveTabError{}
		}
	}
	sid, ok := c.exec.Session(id)
	if !ok {
		return nil, fmt.Errorf("tab %q is not attached", id)
	}
	if err := c.client.Navigate(cdp.WithSessionID(ctx, sid), url); err != nil {
		return nil, err
	}
	info, err := c.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	c.emit(tabs.EventNavigated, info)
	return info, nil
}

// List implements api.TabController over the browser's page targets.
func (c *cdpTabs) List(ctx context.Context) ([]*api.TabInfo, error) {
	targets, err := c.client.Targets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*api.TabInfo, 0, len(targets))
	for _, ti := range targets {
		if ti.Type != "page" {
			continue
		}
		out = append(out, c.info(ti))
	}
	return out, nil
}

func (c *cdpTabs) info(ti *target.Info) *api.TabInfo {
	id := string(ti.TargetID)
	return &api.TabInfo{
		ID:     id,
		URL:    ti.URL,
		Title:  ti.Title,
		Active: id == c.exec.Active(),
	}
}
