package engine

import (
	"time"
)

// Synthetic DOM event names journaled by the interpreter. Interactions
// emit the same sequences a real page would see.
const (
	EventMouseOver = "mouseover"
	EventMouseMove = "mousemove"
	EventMouseDown = "mousedown"
	EventMouseUp   = "mouseup"
	EventClick     = "click"
	EventDblClick  = "dblclick"
	EventKeyDown   = "keydown"
	EventKeyPress  = "keypress"
	EventKeyUp     = "keyup"
	EventInput     = "input"
	EventChange    = "change"
	EventFocus     = "focus"
	EventBlur      = "blur"
	EventSubmit    = "submit"
	EventScroll    = "scroll"
)

// PageEvent is one journaled event: what fired, where, and with what
// payload. The journal is what tests and observers read instead of a
// real event loop.
type PageEvent struct {
	Type   string         `json:"type"`
	Target string         `json:"target,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
	Time   time.Time      `json:"time"`
}

// NavigationIntent records that an interaction asked the page to go
// somewhere: a link activation or a form submission. The page host
// decides whether to follow it.
type NavigationIntent struct {
	URL    string `json:"url"`
	Method string `json:"method,omitempty"`
	Source string `json:"source"`
}

// Navigation intent sources.
const (
	NavSourceLink   = "link"
	NavSourceSubmit = "submit"
)
