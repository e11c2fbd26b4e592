package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dop251/goja"

	"github.com/webpilot/webpilot/dom"
)

// vmHost wraps a goja runtime exposing a bounded page facade for
// evaluate and waitForFunction expressions. Scripts can read page
// state through it but never mutate the page.
type vmHost struct {
	vm   *goja.Runtime
	page *Page
}

func newVMHost(p *Page) *vmHost {
	h := &vmHost{vm: goja.New(), page: p}
	h.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	h.install()
	return h
}

// install binds the function facade once; plain values are refreshed
// per run.
func (h *vmHost) install() {
	p := h.page

	mustSet := func(name string, v any) {
		if err := h.vm.Set(name, v); err != nil {
			panic(fmt.Sprintf("cannot install %s binding: %v", name, err))
		}
	}

	mustSet("__wpQuery", func(css string) any {
		nodes, err := p.resolveAny(dom.CSSSelector(css))
		if err != nil || len(nodes) == 0 {
			return nil
		}
		return p.describe(nodes[0], dom.DescriptorCompact)
	})
	mustSet("__wpQueryAll", func(css string) any {
		nodes, err := p.resolveAny(dom.CSSSelector(css))
		if err != nil {
			return []any{}
		}
		return p.describeAll(nodes, dom.DescriptorCompact, maxQueryResults)
	})
	mustSet("__wpText", func() string {
		return dom.Truncate(p.pageText(), dom.MaxTextLen)
	})
	mustSet("__wpSnapshot", func() any { return p.snapshot() })
}

// refresh re-publishes the value facade before a run.
func (h *vmHost) refresh() error {
	p := h.page
	info := p.info()

	location := map[string]any{
		"href":     info.URL,
		"origin":   p.url.Scheme + "://" + p.url.Host,
		"pathname": p.url.Path,
		"hash":     p.url.Fragment,
	}
	document := map[string]any{
		"title":      info.Title,
		"readyState": info.ReadyState,
		"body":       map[string]any{"innerText": dom.Truncate(p.pageText(), dom.MaxTextLen)},
	}
	window := map[string]any{
		"innerWidth":  info.Viewport.Width,
		"innerHeight": info.Viewport.Height,
		"scrollX":     info.ScrollX,
		"scrollY":     info.ScrollY,
		"location":    location,
	}

	for name, v := range map[string]any{
		"document": document,
		"window":   window,
		"location": location,
	} {
		if err := h.vm.Set(name, v); err != nil {
			return fmt.Errorf("cannot refresh %s binding: %w", name, err)
		}
	}
	return nil
}

// run evaluates an expression with interruption wired to the context.
// Script exceptions come back as errors, never panics.
func (h *vmHost) run(ctx context.Context, expression string) (goja.Value, error) {
	if err := h.refresh(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			h.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	v, err := h.vm.RunString(expression)
	close(done)
	h.vm.ClearInterrupt()

	if err != nil {
		var iErr *goja.InterruptedError
		if errors.As(err, &iErr) {
			return nil, fmt.Errorf("evaluation interrupted: %w", ctx.Err())
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return nil, fmt.Errorf("script error: %s", exc.Value().String())
		}
		return nil, fmt.Errorf("cannot evaluate expression: %w", err)
	}
	return v, nil
}

// eval evaluates and exports a JSON-safe value.
func (h *vmHost) eval(ctx context.Context, expression string) (any, error) {
	v, err := h.run(ctx, expression)
	if err != nil {
		return nil, err
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	return v.Export(), nil
}

// evalBool evaluates and reports truthiness, for wait predicates.
func (h *vmHost) evalBool(ctx context.Context, expression string) (bool, error) {
	v, err := h.run(ctx, expression)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}
