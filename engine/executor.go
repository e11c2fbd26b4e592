package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/keyboard"
	"github.com/webpilot/webpilot/log"
)

// DefaultTimeout bounds a program run when the request carries no
// timeout of its own.
const DefaultTimeout = 30 * time.Second

// Executor interprets automation programs against one page. It is the
// single writer for that page; callers serialize programs through it.
type Executor struct {
	page   *Page
	vm     *vmHost
	layout keyboard.Layout
	logger *log.Logger
}

// NewExecutor builds an executor over a page.
func NewExecutor(p *Page, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Executor{
		page:   p,
		vm:     newVMHost(p),
		layout: keyboard.Default(),
		logger: logger,
	}
}

// Page returns the page this executor drives.
func (e *Executor) Page() *Page { return e.page }

// runState carries per-run settings into handlers.
type runState struct {
	mode     dom.DescriptorMode
	deadline time.Time
}

// remaining returns the time left until the run deadline, or the
// default wait timeout when the run is unbounded.
func (st *runState) remaining() time.Duration {
	if st.deadline.IsZero() {
		return DefaultTimeout
	}
	return time.Until(st.deadline)
}

type handlerFunc func(ctx context.Context, e *Executor, a *dom.Action, st *runState) (any, error)

// handlers maps every action kind to its implementation. The table is
// built once and checked for exhaustiveness, so a kind added to the
// protocol without a handler fails fast at startup, not at dispatch.
var handlers = newHandlerTable()

func newHandlerTable() map[dom.Kind]handlerFunc {
	t := map[dom.Kind]handlerFunc{
		dom.KindClick:           handleClick,
		dom.KindDblClick:        handleClick,
		dom.KindHover:           handleHover,
		dom.KindFocus:           handleFocus,
		dom.KindBlur:            handleBlur,
		dom.KindType:            handleType,
		dom.KindPress:           handlePress,
		dom.KindSetValue:        handleSetValue,
		dom.KindClear:           handleClear,
		dom.KindSelect:          handleSelect,
		dom.KindSubmit:          handleSubmit,
		dom.KindCheck:           handleCheck,
		dom.KindScroll:          handleScroll,
		dom.KindScrollIntoView:  handleScrollIntoView,
		dom.KindWaitFor:         handleWaitFor,
		dom.KindWaitForText:     handleWaitForText,
		dom.KindWaitForFunction: handleWaitForFunction,
		dom.KindExists:          handleExists,
		dom.KindCount:           handleCount,
		dom.KindQuery:           handleQuery,
		dom.KindGetText:         handleGetText,
		dom.KindGetHTML:         handleGetHTML,
		dom.KindGetValue:        handleGetValue,
		dom.KindGetAttribute:    handleGetAttribute,
		dom.KindGetProperty:     handleGetProperty,
		dom.KindSetAttribute:    handleSetAttribute,
		dom.KindRemoveAttribute: handleRemoveAttribute,
		dom.KindDispatchEvent:   handleDispatchEvent,
		dom.KindGetBoundingBox:  handleGetBoundingBox,
		dom.KindGetPageInfo:     handleGetPageInfo,
		dom.KindGetLinks:        handleGetLinks,
		dom.KindHighlight:       handleHighlight,
		dom.KindClearHighlights: handleClearHighlights,
		dom.KindEvaluate:        handleEvaluate,
	}
	for _, k := range dom.Kinds() {
		if _, ok := t[k]; !ok {
			panic(fmt.Sprintf("no handler registered for action kind %q", k))
		}
	}
	return t
}

// Run executes a program and returns its result envelope. Failures
// inside the program stop execution at the failing action and come
// back as OK=false; Run itself never fails.
func (e *Executor) Run(ctx context.Context, req *dom.Request) *dom.Result {
	start := time.Now()
	res := &dom.Result{RequestID: req.RequestID, OK: true}

	req.Normalize()
	if err := req.Validate(); err != nil {
		res.OK = false
		res.Error = &dom.ResultError{Message: err.Error(), ActionIndex: -1}
		res.Results = []dom.ActionResult{}
		res.DurationMs = time.Since(start).Milliseconds()
		return res
	}

	st := &runState{mode: req.DescriptorMode}
	if req.TimeoutMs.Valid && req.TimeoutMs.Int64 > 0 {
		var cancel context.CancelFunc
		st.deadline = start.Add(time.Duration(req.TimeoutMs.Int64) * time.Millisecond)
		ctx, cancel = context.WithDeadline(ctx, st.deadline)
		defer cancel()
	} else if d, ok := ctx.Deadline(); ok {
		st.deadline = d
	}

	e.logger.Debugf("Engine:Run", "requestID:%s actions:%d returnMode:%s",
		req.RequestID, len(req.Actions), req.ReturnMode)

	executed := make([]dom.ActionResult, 0, len(req.Actions))
	for i := range req.Actions {
		a := &req.Actions[i]
		v, err := e.dispatch(ctx, a, st)
		if err != nil {
			e.logger.Debugf("Engine:Run", "requestID:%s action:%d type:%s failed: %v",
				req.RequestID, i, a.Type, err)
			res.OK = false
			res.Error = resultError(i, a.Type, err)
			break
		}
		executed = append(executed, dom.ActionResult{
			ActionIndex: i,
			ActionType:  a.Type,
			OK:          true,
			Value:       v,
		})
	}

	res.Results = dom.TrimResults(req.ReturnMode, executed)
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

func (e *Executor) dispatch(ctx context.Context, a *dom.Action, st *runState) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, ok := handlers[a.Type]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
	return h(ctx, e, a, st)
}

// resultError flattens a handler failure into the wire error shape,
// capturing a stack when the cause carries one.
func resultError(index int, kind dom.Kind, err error) *dom.ResultError {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}
	var st stackTracer
	if !stderrors.As(err, &st) {
		err = errors.WithStack(err)
		stderrors.As(err, &st)
	}
	stack := ""
	if st != nil {
		stack = fmt.Sprintf("%+v", st.StackTrace())
	}
	return &dom.ResultError{
		Message:     err.Error(),
		ActionIndex: index,
		ActionType:  string(kind),
		Stack:       stack,
	}
}

// sleep waits for d or until the context ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
