// Package dom defines the typed automation protocol spoken between
// callers and page execution backends: a program of tagged actions,
// a multi-strategy selector model, and the result envelope. The wire
// encoding is JSON with camelCase field names; any client speaking
// this shape can drive a page through it.
package dom

import (
	"encoding/json"
	"fmt"

	"gopkg.in/guregu/null.v3"
)

// Kind tags one variant of the action union.
type Kind string

// The closed set of action kinds. Adding a kind here requires a
// handler registration in the engine; the handler table is checked
// for exhaustiveness on construction.
const (
	KindClick           Kind = "click"
	KindDblClick        Kind = "dblclick"
	KindHover           Kind = "hover"
	KindFocus           Kind = "focus"
	KindBlur            Kind = "blur"
	KindType            Kind = "type"
	KindPress           Kind = "press"
	KindSetValue        Kind = "setValue"
	KindClear           Kind = "clear"
	KindSelect          Kind = "select"
	KindSubmit          Kind = "submit"
	KindCheck           Kind = "check"
	KindScroll          Kind = "scroll"
	KindScrollIntoView  Kind = "scrollIntoView"
	KindWaitFor         Kind = "waitFor"
	KindWaitForText     Kind = "waitForText"
	KindWaitForFunction Kind = "waitForFunction"
	KindExists          Kind = "exists"
	KindCount           Kind = "count"
	KindQuery           Kind = "query"
	KindGetText         Kind = "getText"
	KindGetHTML         Kind = "getHTML"
	KindGetValue        Kind = "getValue"
	KindGetAttribute    Kind = "getAttribute"
	KindGetProperty     Kind = "getProperty"
	KindSetAttribute    Kind = "setAttribute"
	KindRemoveAttribute Kind = "removeAttribute"
	KindDispatchEvent   Kind = "dispatchEvent"
	KindGetBoundingBox  Kind = "getBoundingBox"
	KindGetPageInfo     Kind = "getPageInfo"
	KindGetLinks        Kind = "getLinks"
	KindHighlight       Kind = "highlight"
	KindClearHighlights Kind = "clearHighlights"
	KindEvaluate        Kind = "evaluate"
)

// Kinds returns every action kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindClick, KindDblClick, KindHover, KindFocus, KindBlur,
		KindType, KindPress, KindSetValue, KindClear, KindSelect,
		KindSubmit, KindCheck, KindScroll, KindScrollIntoView,
		KindWaitFor, KindWaitForText, KindWaitForFunction,
		KindExists, KindCount, KindQuery,
		KindGetText, KindGetHTML, KindGetValue, KindGetAttribute,
		KindGetProperty, KindSetAttribute, KindRemoveAttribute,
		KindDispatchEvent, KindGetBoundingBox, KindGetPageInfo,
		KindGetLinks, KindHighlight, KindClearHighlights, KindEvaluate,
	}
}

// knownKinds supports cheap validation lookups.
var knownKinds = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(Kinds()))
	for _, k := range Kinds() {
		m[k] = struct{}{}
	}
	return m
}()

// Valid reports whether the tag names a known action kind.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// Mouse button names accepted by click actions.
const (
	ButtonLeft   = "left"
	ButtonMiddle = "middle"
	ButtonRight  = "right"
)

// Wait states accepted by waitFor actions.
const (
	WaitStateAttached = "attached"
	WaitStateVisible  = "visible"
)

// Action is one step of an automation program. It is a closed tagged
// union: Type selects the variant and the fields that apply to it;
// fields belonging to other variants are ignored.
type Action struct {
	Type     Kind      `json:"type"`
	Selector *Selector `json:"selector,omitempty"`

	// click, dblclick
	Button     string   `json:"button,omitempty"`
	ClickCount null.Int `json:"clickCount,omitempty"`

	// type (per character), click (between down and up)
	DelayMs null.Int `json:"delayMs,omitempty"`

	// type, waitForText
	Text       string `json:"text,omitempty"`
	Clear      bool   `json:"clear,omitempty"`
	PressEnter bool   `json:"pressEnter,omitempty"`

	// press
	Key string `json:"key,omitempty"`

	// setValue, select, setAttribute
	Value FlexString `json:"value,omitempty"`

	// check: absent means true
	Checked null.Bool `json:"checked,omitempty"`

	// scroll: absolute x/y or relative deltas
	X      null.Int `json:"x,omitempty"`
	Y      null.Int `json:"y,omitempty"`
	DeltaX null.Int `json:"deltaX,omitempty"`
	DeltaY null.Int `json:"deltaY,omitempty"`

	// waitFor state; null timeout inherits the request timeout
	State     string   `json:"state,omitempty"`
	TimeoutMs null.Int `json:"timeoutMs,omitempty"`

	// waitForFunction, evaluate
	Expression string `json:"expression,omitempty"`

	// getAttribute, setAttribute, removeAttribute, getProperty
	Name string `json:"name,omitempty"`

	// dispatchEvent
	Event  string          `json:"event,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`

	// highlight
	Style string `json:"style,omitempty"`
}

// Selector requirement per action kind. Kinds absent from both sets
// take no selector at all.
var (
	selectorRequired = map[Kind]struct{}{
		KindClick: {}, KindDblClick: {}, KindHover: {}, KindFocus: {},
		KindBlur: {}, KindType: {}, KindSetValue: {}, KindClear: {},
		KindSelect: {}, KindSubmit: {}, KindCheck: {}, KindScrollIntoView: {},
		KindWaitFor: {}, KindGetValue: {}, KindGetAttribute: {},
		KindGetProperty: {}, KindSetAttribute: {}, KindRemoveAttribute: {},
		KindDispatchEvent: {}, KindGetBoundingBox: {}, KindHighlight: {},
		KindExists: {}, KindCount: {}, KindQuery: {},
	}
	selectorOptional = map[Kind]struct{}{
		KindPress: {}, KindScroll: {}, KindGetText: {}, KindGetHTML: {},
		KindWaitForText: {},
	}
)

// RequiresSelector reports whether the kind cannot run without a
// selector.
func (k Kind) RequiresSelector() bool {
	_, ok := selectorRequired[k]
	return ok
}

// TakesSelector reports whether the kind accepts a selector at all.
func (k Kind) TakesSelector() bool {
	if _, ok := selectorRequired[k]; ok {
		return true
	}
	_, ok := selectorOptional[k]
	return ok
}

// Validate checks the action's tag and the fields its variant needs.
func (a *Action) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if a.Type.RequiresSelector() && a.Selector == nil {
		return fmt.Errorf("%s action requires a selector", a.Type)
	}
	if a.Selector != nil && a.Type.TakesSelector() {
		if err := a.Selector.Validate(); err != nil {
			return fmt.Errorf("%s action: %w", a.Type, err)
		}
	}

	switch a.Type {
	case KindType:
		if a.Text == "" && !a.Clear && !a.PressEnter {
			return fmt.Errorf("type action requires text")
		}
	case KindPress:
		if a.Key == "" {
			return fmt.Errorf("press action requires a key")
		}
	case KindWaitForText:
		if a.Text == "" {
			return fmt.Errorf("waitForText action requires text")
		}
	case KindWaitForFunction, KindEvaluate:
		if a.Expression == "" {
			return fmt.Errorf("%s action requires an expression", a.Type)
		}
	case KindGetAttribute, KindSetAttribute, KindRemoveAttribute, KindGetProperty:
		if a.Name == "" {
			return fmt.Errorf("%s action requires an attribute name", a.Type)
		}
	case KindDispatchEvent:
		if a.Event == "" {
			return fmt.Errorf("dispatchEvent action requires an event name")
		}
	case KindSelect:
		if a.Value == "" {
			return fmt.Errorf("select action requires a value")
		}
	case KindWaitFor:
		if a.State != "" && a.State != WaitStateAttached && a.State != WaitStateVisible {
			return fmt.Errorf("waitFor action: unknown state %q", a.State)
		}
	case KindClick, KindDblClick:
		switch a.Button {
		case "", ButtonLeft, ButtonMiddle, ButtonRight:
		default:
			return fmt.Errorf("%s action: unknown button %q", a.Type, a.Button)
		}
	}

	return nil
}

// FlexString decodes from either a JSON string or a JSON number, so
// planner output like {"value": 2} keeps working where the protocol
// wants a string.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (s *FlexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot decode empty value")
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cannot decode %s as string", data)
	}
	*s = FlexString(n.String())
	return nil
}

// String returns the underlying string.
func (s FlexString) String() string { return string(s) }
