package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/webpilot/webpilot/dom"
)

// target resolves a required selector to its first match.
func (e *Executor) target(a *dom.Action) (*html.Node, error) {
	return e.page.ResolveFirst(a.Selector)
}

// describeValue flattens the acted-on element into the run's
// descriptor shape; interaction handlers return the element's state
// after the action.
func (e *Executor) describeValue(n *html.Node, st *runState) any {
	return e.page.describe(n, st.mode)
}

// waitTimeout picks the wait budget: the action's own timeout when
// set, otherwise what remains of the request.
func waitTimeout(a *dom.Action, st *runState) time.Duration {
	if a.TimeoutMs.Valid && a.TimeoutMs.Int64 > 0 {
		return time.Duration(a.TimeoutMs.Int64) * time.Millisecond
	}
	return st.remaining()
}

// --- interaction ---

func handleClick(ctx context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	p := e.page
	p.scrollIntoView(n)

	button := a.Button
	if button == "" {
		button = dom.ButtonLeft
	}
	clicks := int(a.ClickCount.ValueOrZero())
	if clicks < 1 {
		clicks = 1
	}
	if a.Type == dom.KindDblClick && clicks < 2 {
		clicks = 2
	}
	delay := time.Duration(a.DelayMs.ValueOrZero()) * time.Millisecond

	p.emit(EventMouseOver, n, nil)
	p.emit(EventMouseMove, n, nil)
	for i := 1; i <= clicks; i++ {
		detail := map[string]any{"button": button, "clickCount": i}
		p.emit(EventMouseDown, n, detail)
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		p.emit(EventMouseUp, n, detail)
		p.emit(EventClick, n, detail)
		if button == dom.ButtonLeft {
			e.defaultActivate(n)
		}
	}
	if clicks >= 2 {
		p.emit(EventDblClick, n, map[string]any{"button": button})
	}
	return e.describeValue(n, st), nil
}

// defaultActivate runs the browser's post-click default action for the
// element: toggling checkables, submitting via submit controls, and
// recording link navigation.
func (e *Executor) defaultActivate(n *html.Node) {
	p := e.page
	switch tagName(n) {
	case "input":
		switch {
		case isCheckable(n):
			if strings.EqualFold(attrVal(n, "type"), "radio") {
				p.checkRadio(n)
			} else {
				p.setChecked(n, !p.isChecked(n))
			}
		case isSubmitControl(n):
			if f := p.formFor(n); f != nil {
				p.submitForm(f)
			}
		}
	case "button":
		if isSubmitControl(n) {
			if f := p.formFor(n); f != nil {
				p.submitForm(f)
			}
		}
	case "a":
		p.activateLink(n)
	}
}

func handleHover(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	e.page.scrollIntoView(n)
	e.page.emit(EventMouseOver, n, nil)
	e.page.emit(EventMouseMove, n, nil)
	return e.describeValue(n, st), nil
}

func handleFocus(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	e.page.scrollIntoView(n)
	e.page.focus(n)
	return e.describeValue(n, st), nil
}

func handleBlur(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	if e.page.focused == n {
		e.page.focus(nil)
	}
	return e.describeValue(n, st), nil
}

func handleType(ctx context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	p := e.page
	p.scrollIntoView(n)
	p.focus(n)

	if a.Clear {
		p.writeValue(n, "")
	}
	cur := p.valueOf(n)
	delay := time.Duration(a.DelayMs.ValueOrZero()) * time.Millisecond

	for _, r := range a.Text {
		text, err := e.pressKey(n, string(r))
		if err != nil {
			return nil, err
		}
		if text != "" {
			cur += text
			p.writeValue(n, cur)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	p.emit(EventChange, n, map[string]any{"value": cur})

	if a.PressEnter {
		if err := e.pressEnter(n); err != nil {
			return nil, err
		}
	}
	return e.describeValue(n, st), nil
}

// pressEnter presses Enter on a control with the implicit-submission
// rule: inputs submit their form, textareas take a newline.
func (e *Executor) pressEnter(n *html.Node) error {
	if _, err := e.pressKey(n, "Enter"); err != nil {
		return err
	}
	p := e.page
	switch tagName(n) {
	case "input":
		if f := p.formFor(n); f != nil {
			p.submitForm(f)
		}
	case "textarea":
		p.writeValue(n, p.valueOf(n)+"\n")
	}
	return nil
}

func handlePress(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	p := e.page
	n := p.focused
	if a.Selector != nil {
		var err error
		if n, err = e.target(a); err != nil {
			return nil, err
		}
		p.scrollIntoView(n)
		p.focus(n)
	}

	if a.Key == "Enter" && n != nil && isFormControl(n) {
		if err := e.pressEnter(n); err != nil {
			return nil, err
		}
	} else {
		text, err := e.pressKey(n, a.Key)
		if err != nil {
			return nil, err
		}
		if text != "" && n != nil && isFormControl(n) {
			p.writeValue(n, p.valueOf(n)+text)
		}
	}

	if n == nil {
		return map[string]any{"key": a.Key}, nil
	}
	return e.describeValue(n, st), nil
}

func handleSetValue(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	e.page.scrollIntoView(n)
	e.page.setValueNative(n, a.Value.String())
	return e.describeValue(n, st), nil
}

func handleClear(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	e.page.setValueNative(n, "")
	return e.describeValue(n, st), nil
}

func handleSelect(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	if tagName(n) != "select" {
		return nil, fmt.Errorf("element is not a select")
	}
	p := e.page
	p.scrollIntoView(n)

	want := a.Value.String()
	idx := -1
	for i, opt := range p.options(n) {
		label := dom.NormalizeText(htmlquery.InnerText(opt))
		if optionValue(opt) == want || label == want || strconv.Itoa(i) == want {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("no option matching %q", want)
	}
	p.selectOption(n, idx)
	return e.describeValue(n, st), nil
}

func handleSubmit(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	f := e.page.formFor(n)
	if f == nil {
		return nil, fmt.Errorf("element is not form-associated")
	}
	e.page.submitForm(f)
	return e.describeValue(f, st), nil
}

func handleCheck(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	if tagName(n) != "input" || !isCheckable(n) {
		return nil, fmt.Errorf("element is not a checkbox or radio")
	}
	p := e.page
	p.scrollIntoView(n)

	want := true
	if a.Checked.Valid {
		want = a.Checked.Bool
	}
	switch {
	case want && strings.EqualFold(attrVal(n, "type"), "radio"):
		p.checkRadio(n)
	case p.isChecked(n) != want:
		p.setChecked(n, want)
	}
	return e.describeValue(n, st), nil
}

func handleScroll(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	p := e.page
	if a.Selector != nil {
		n, err := e.target(a)
		if err != nil {
			return nil, err
		}
		p.scrollIntoView(n)
		p.emit(EventScroll, n, nil)
		return e.describeValue(n, st), nil
	}

	x, y := p.scrollX, p.scrollY
	if a.X.Valid {
		x = float64(a.X.Int64)
	}
	if a.Y.Valid {
		y = float64(a.Y.Int64)
	}
	if a.DeltaX.Valid {
		x += float64(a.DeltaX.Int64)
	}
	if a.DeltaY.Valid {
		y += float64(a.DeltaY.Int64)
	}
	p.scrollTo(x, y)
	return map[string]any{"scrollX": p.scrollX, "scrollY": p.scrollY}, nil
}

func handleScrollIntoView(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	e.page.scrollIntoView(n)
	e.page.emit(EventScroll, n, nil)
	return e.describeValue(n, st), nil
}

// --- waiting ---

func handleWaitFor(ctx context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	state := a.State
	if state == "" {
		state = dom.WaitStateAttached
	}
	var match *html.Node
	err := e.poll(ctx, "waitFor", waitTimeout(a, st), func() (bool, error) {
		nodes, err := e.page.resolveAny(a.Selector)
		if err != nil {
			return false, err
		}
		for _, n := range nodes {
			if state == dom.WaitStateAttached || e.page.visible(n) {
				match = n
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return e.describeValue(match, st), nil
}

func handleWaitForText(ctx context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	needle := dom.NormalizeText(a.Text)
	err := e.poll(ctx, "waitForText", waitTimeout(a, st), func() (bool, error) {
		if a.Selector == nil {
			return strings.Contains(e.page.pageText(), needle), nil
		}
		nodes, err := e.page.resolveAny(a.Selector)
		if err != nil {
			return false, err
		}
		for _, n := range nodes {
			if strings.Contains(dom.NormalizeText(e.page.textOf(n)), needle) {
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

func handleWaitForFunction(ctx context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	err := e.poll(ctx, "waitForFunction", waitTimeout(a, st), func() (bool, error) {
		return e.vm.evalBool(ctx, a.Expression)
	})
	if err != nil {
		return nil, err
	}
	return true, nil
}

// --- reading ---

func handleExists(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	nodes, err := e.page.resolveAny(a.Selector)
	if err != nil {
		return nil, err
	}
	return len(nodes) > 0, nil
}

func handleCount(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	nodes, err := e.page.resolveAny(a.Selector)
	if err != nil {
		return nil, err
	}
	return len(nodes), nil
}

func handleQuery(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	nodes, err := e.page.resolveAny(a.Selector)
	if err != nil {
		return nil, err
	}
	return e.page.describeAll(nodes, st.mode, maxQueryResults), nil
}

func handleGetText(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	if a.Selector == nil {
		return dom.Truncate(e.page.pageText(), dom.MaxTextLen), nil
	}
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	return dom.Truncate(dom.NormalizeText(e.page.textOf(n)), dom.MaxTextLen), nil
}

func handleGetHTML(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	n := e.page.doc
	if a.Selector != nil {
		var err error
		if n, err = e.target(a); err != nil {
			return nil, err
		}
	}
	return dom.Truncate(htmlquery.OutputHTML(n, true), dom.MaxHTMLLen), nil
}

func handleGetValue(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	return e.page.valueOf(n), nil
}

func handleGetAttribute(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	if v, ok := attr(n, a.Name); ok {
		return v, nil
	}
	return nil, nil
}

func handleGetProperty(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	return e.page.propertyOf(n, a.Name), nil
}

func handleGetBoundingBox(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	return e.page.boundingBox(n), nil
}

func handleGetPageInfo(_ context.Context, e *Executor, _ *dom.Action, _ *runState) (any, error) {
	return e.page.info(), nil
}

func handleGetLinks(_ context.Context, e *Executor, _ *dom.Action, _ *runState) (any, error) {
	return e.page.links(maxLinks), nil
}

// --- mutation ---

func handleSetAttribute(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	setAttr(n, a.Name, a.Value.String())
	return e.describeValue(n, st), nil
}

func handleRemoveAttribute(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	removeAttr(n, a.Name)
	return e.describeValue(n, st), nil
}

func handleDispatchEvent(_ context.Context, e *Executor, a *dom.Action, st *runState) (any, error) {
	n, err := e.target(a)
	if err != nil {
		return nil, err
	}
	var detail map[string]any
	if len(a.Detail) > 0 {
		if err := json.Unmarshal(a.Detail, &detail); err != nil {
			return nil, fmt.Errorf("cannot decode event detail: %w", err)
		}
	}
	e.page.emit(a.Event, n, detail)
	return e.describeValue(n, st), nil
}

// --- visual and diagnostic ---

func handleHighlight(_ context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	nodes, err := e.page.Resolve(a.Selector)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		e.page.highlight(n, a.Style)
	}
	return map[string]any{"highlighted": len(nodes)}, nil
}

func handleClearHighlights(_ context.Context, e *Executor, _ *dom.Action, _ *runState) (any, error) {
	return map[string]any{"cleared": e.page.clearHighlights()}, nil
}

func handleEvaluate(ctx context.Context, e *Executor, a *dom.Action, _ *runState) (any, error) {
	return e.vm.eval(ctx, a.Expression)
}
