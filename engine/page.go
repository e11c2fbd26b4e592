// Package engine interprets automation programs against an in-process
// page: an HTML document parsed into a DOM tree, a selector resolver,
// and one handler per action kind. It has no layout engine; visibility
// and geometry are computed from markup and document order, which is
// deterministic and good enough for automation semantics.
package engine

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/webpilot/webpilot/dom"
	"github.com/webpilot/webpilot/log"
)

// Page is one loaded document plus the mutable state automation
// changes: control values, focus, scroll position, highlights and the
// event journal. All methods are safe for one writer at a time; the
// executor serializes programs per page.
type Page struct {
	mu sync.Mutex

	url        *url.URL
	title      string
	readyState string

	doc *html.Node
	gq  *goquery.Document

	viewportW float64
	viewportH float64
	scrollX   float64
	scrollY   float64

	focused    *html.Node
	values     map[*html.Node]string
	checked    map[*html.Node]bool
	selected   map[*html.Node]int
	highlights map[*html.Node]string

	events    []PageEvent
	navIntent *NavigationIntent

	logger *log.Logger
}

// NewPage parses rawHTML into a page rooted at pageURL.
func NewPage(rawHTML, pageURL string, logger *log.Logger) (*Page, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse page URL %q: %w", pageURL, err)
	}
	doc, err := htmlquery.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("cannot parse document: %w", err)
	}

	p := &Page{
		url:        u,
		readyState: "complete",
		doc:        doc,
		gq:         goquery.NewDocumentFromNode(doc),
		viewportW:  1280,
		viewportH:  720,
		values:     make(map[*html.Node]string),
		checked:    make(map[*html.Node]bool),
		selected:   make(map[*html.Node]int),
		highlights: make(map[*html.Node]string),
		logger:     logger,
	}
	if tn := htmlquery.FindOne(doc, "//title"); tn != nil {
		p.title = dom.NormalizeText(htmlquery.InnerText(tn))
	}
	return p, nil
}

// URL returns the page URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url.String()
}

// Title returns the document title.
func (p *Page) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// Events returns a copy of the event journal.
func (p *Page) Events() []PageEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PageEvent, len(p.events))
	copy(out, p.events)
	return out
}

// TakeNavigationIntent returns and clears the pending navigation
// intent, if any.
func (p *Page) TakeNavigationIntent() *NavigationIntent {
	p.mu.Lock()
	defer p.mu.Unlock()
	ni := p.navIntent
	p.navIntent = nil
	return ni
}

// emit appends an event to the journal.
func (p *Page) emit(typ string, target *html.Node, detail map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PageEvent{
		Type:   typ,
		Target: nodePath(target),
		Detail: detail,
		Time:   time.Now(),
	})
}

func (p *Page) setNavIntent(ni *NavigationIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navIntent = ni
}

// --- node helpers ---

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func attrVal(n *html.Node, name string) string {
	v, _ := attr(n, name)
	return v
}

func hasAttr(n *html.Node, name string) bool {
	_, ok := attr(n, name)
	return ok
}

func setAttr(n *html.Node, name, value string) {
	for i := range n.Attr {
		if n.Attr[i].Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func removeAttr(n *html.Node, name string) {
	for i := range n.Attr {
		if n.Attr[i].Key == name {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func isElement(n *html.Node) bool { return n != nil && n.Type == html.ElementNode }

func tagName(n *html.Node) string {
	if !isElement(n) {
		return ""
	}
	return strings.ToLower(n.Data)
}

// walkElements visits every element under root in document order.
func walkElements(root *html.Node, visit func(*html.Node) bool) {
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			if !visit(n) {
				return false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(root)
}

// nodePath renders a short, stable CSS-ish path for a node, used as
// the event journal's target reference.
func nodePath(n *html.Node) string {
	if n == nil {
		return ""
	}
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		seg := tagName(cur)
		if id := attrVal(cur, "id"); id != "" {
			parts = append(parts, seg+"#"+id)
			break
		}
		idx := 1
		for sib := cur.PrevSibling; sib != nil; sib = sib.PrevSibling {
			if sib.Type == html.ElementNode && sib.Data == cur.Data {
				idx++
			}
		}
		if idx > 1 {
			seg = fmt.Sprintf("%s:nth-of-type(%d)", seg, idx)
		}
		parts = append(parts, seg)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

// --- visibility and geometry ---

var invisibleTags = map[string]struct{}{
	"script": {}, "style": {}, "head": {}, "meta": {}, "link": {},
	"title": {}, "template": {}, "noscript": {}, "base": {},
}

// visible reports whether a node would render: no hidden markers on it
// or any ancestor. Markup-only; there is no layout to consult.
func (p *Page) visible(n *html.Node) bool {
	if !isElement(n) {
		return false
	}
	if _, ok := invisibleTags[tagName(n)]; ok {
		return false
	}
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if hasAttr(cur, "hidden") {
			return false
		}
		if attrVal(cur, "aria-hidden") == "true" {
			return false
		}
		if tagName(cur) == "input" && strings.EqualFold(attrVal(cur, "type"), "hidden") {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(attrVal(cur, "style")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

// boundingBox synthesizes stable geometry from document order and
// depth: row per element, indent per ancestor.
func (p *Page) boundingBox(n *html.Node) *dom.Rect {
	if !p.visible(n) {
		return nil
	}
	order, depth := 0, 0
	found := false
	walkElements(p.doc, func(el *html.Node) bool {
		if el == n {
			found = true
			return false
		}
		order++
		return true
	})
	if !found {
		return nil
	}
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		depth++
	}
	text := dom.NormalizeText(p.textOf(n))
	w := float64(40 + 8*len(text))
	if w > p.viewportW {
		w = p.viewportW
	}
	return &dom.Rect{
		X:      float64(8 * depth),
		Y:      float64(20 * order),
		Width:  w,
		Height: 20,
	}
}

// --- text ---

// textOf collects the rendered text under n, skipping non-rendered
// subtrees.
func (p *Page) textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(cur *html.Node) {
		if cur.Type == html.ElementNode {
			if _, ok := invisibleTags[tagName(cur)]; ok {
				return
			}
		}
		if cur.Type == html.TextNode {
			b.WriteString(cur.Data)
			b.WriteString(" ")
		}
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// pageText returns the whole document's normalized text.
func (p *Page) pageText() string {
	body := htmlquery.FindOne(p.doc, "//body")
	if body == nil {
		body = p.doc
	}
	return dom.NormalizeText(p.textOf(body))
}

// --- control value model ---

var formControlTags = map[string]struct{}{
	"input": {}, "textarea": {}, "select": {}, "button": {},
}

func isFormControl(n *html.Node) bool {
	_, ok := formControlTags[tagName(n)]
	return ok
}

// valueOf reads a control's current value: automation writes win over
// markup.
func (p *Page) valueOf(n *html.Node) string {
	if v, ok := p.values[n]; ok {
		return v
	}
	switch tagName(n) {
	case "textarea":
		return htmlquery.InnerText(n)
	case "select":
		if opt := p.selectedOption(n); opt != nil {
			return optionValue(opt)
		}
		return ""
	default:
		return attrVal(n, "value")
	}
}

// writeValue is the canonical value write: it updates the engine's
// value record and fires input, bypassing whatever the page installed
// over the element's accessors.
func (p *Page) writeValue(n *html.Node, v string) {
	p.values[n] = v
	p.emit(EventInput, n, map[string]any{"value": v})
}

// setValueNative writes through the canonical setter and always fires
// input and change.
func (p *Page) setValueNative(n *html.Node, v string) {
	p.writeValue(n, v)
	p.emit(EventChange, n, map[string]any{"value": v})
}

// isChecked reads checkbox/radio state, automation writes first.
func (p *Page) isChecked(n *html.Node) bool {
	if v, ok := p.checked[n]; ok {
		return v
	}
	return hasAttr(n, "checked")
}

// setChecked writes checkbox/radio state and fires input and change.
func (p *Page) setChecked(n *html.Node, v bool) {
	p.checked[n] = v
	p.emit(EventInput, n, map[string]any{"checked": v})
	p.emit(EventChange, n, map[string]any{"checked": v})
}

// checkRadio checks a radio button and silently unchecks the rest of
// its group: same name, same form scope. Only the checked element
// fires events, as in a real DOM.
func (p *Page) checkRadio(n *html.Node) {
	name := attrVal(n, "name")
	scope := p.formFor(n)
	if scope == nil {
		scope = p.doc
	}
	if name != "" {
		walkElements(scope, func(sib *html.Node) bool {
			if sib != n && tagName(sib) == "input" && isCheckable(sib) &&
				strings.EqualFold(attrVal(sib, "type"), "radio") && attrVal(sib, "name") == name {
				p.checked[sib] = false
			}
			return true
		})
	}
	if !p.isChecked(n) {
		p.setChecked(n, true)
	}
}

// selectOption marks the idx-th option of a select as chosen and fires
// input and change with the new value.
func (p *Page) selectOption(sel *html.Node, idx int) {
	p.selected[sel] = idx
	v := p.valueOf(sel)
	p.emit(EventInput, sel, map[string]any{"value": v})
	p.emit(EventChange, sel, map[string]any{"value": v})
}

func (p *Page) options(sel *html.Node) []*html.Node {
	var opts []*html.Node
	walkElements(sel, func(n *html.Node) bool {
		if tagName(n) == "option" {
			opts = append(opts, n)
		}
		return true
	})
	return opts
}

func (p *Page) selectedOption(sel *html.Node) *html.Node {
	opts := p.options(sel)
	if len(opts) == 0 {
		return nil
	}
	if idx, ok := p.selected[sel]; ok && idx >= 0 && idx < len(opts) {
		return opts[idx]
	}
	for _, o := range opts {
		if hasAttr(o, "selected") {
			return o
		}
	}
	return opts[0]
}

func optionValue(opt *html.Node) string {
	if v, ok := attr(opt, "value"); ok {
		return v
	}
	return dom.NormalizeText(htmlquery.InnerText(opt))
}

// propertyOf reads the element property view exposed to callers: live
// control state first, then reflected attributes.
func (p *Page) propertyOf(n *html.Node, name string) any {
	switch name {
	case "value":
		return p.valueOf(n)
	case "checked":
		return p.isChecked(n)
	case "disabled":
		return hasAttr(n, "disabled")
	case "href", "src":
		if v, ok := attr(n, name); ok {
			return p.resolveHref(v)
		}
		return nil
	case "tagName":
		return strings.ToUpper(tagName(n))
	case "className":
		return attrVal(n, "class")
	case "innerText", "text", "textContent":
		return dom.Truncate(dom.NormalizeText(p.textOf(n)), dom.MaxTextLen)
	case "innerHTML":
		return dom.Truncate(htmlquery.OutputHTML(n, false), dom.MaxHTMLLen)
	case "outerHTML":
		return dom.Truncate(htmlquery.OutputHTML(n, true), dom.MaxHTMLLen)
	default:
		if v, ok := attr(n, name); ok {
			return v
		}
		return nil
	}
}

// --- forms and navigation ---

// formFor finds the form a control belongs to: the node itself, the
// form named by its form attribute, or the closest form ancestor.
func (p *Page) formFor(n *html.Node) *html.Node {
	if tagName(n) == "form" {
		return n
	}
	if id := attrVal(n, "form"); id != "" {
		var form *html.Node
		walkElements(p.doc, func(el *html.Node) bool {
			if tagName(el) == "form" && attrVal(el, "id") == id {
				form = el
				return false
			}
			return true
		})
		if form != nil {
			return form
		}
	}
	for cur := n.Parent; cur != nil; cur = cur.Parent {
		if tagName(cur) == "form" {
			return cur
		}
	}
	return nil
}

// submitForm runs native submission: the submit event first, then the
// navigation intent with the serialized form data.
func (p *Page) submitForm(form *html.Node) {
	p.emit(EventSubmit, form, nil)

	method := strings.ToUpper(attrVal(form, "method"))
	if method == "" {
		method = "GET"
	}
	action := attrVal(form, "action")
	target, err := p.url.Parse(action)
	if err != nil {
		target = p.url
	}

	if method == "GET" {
		q := url.Values{}
		for name, value := range p.serializeForm(form) {
			q.Set(name, value)
		}
		u := *target
		u.RawQuery = q.Encode()
		target = &u
	}

	p.setNavIntent(&NavigationIntent{
		URL:    target.String(),
		Method: method,
		Source: NavSourceSubmit,
	})
}

// serializeForm collects the successful controls of a form.
func (p *Page) serializeForm(form *html.Node) map[string]string {
	data := make(map[string]string)
	walkElements(form, func(n *html.Node) bool {
		if !isFormControl(n) {
			return true
		}
		name := attrVal(n, "name")
		if name == "" || hasAttr(n, "disabled") {
			return true
		}
		switch {
		case tagName(n) == "input" && isCheckable(n):
			if p.isChecked(n) {
				v := p.valueOf(n)
				if v == "" {
					v = "on"
				}
				data[name] = v
			}
		case tagName(n) == "button":
		default:
			data[name] = p.valueOf(n)
		}
		return true
	})
	return data
}

func isCheckable(n *html.Node) bool {
	t := strings.ToLower(attrVal(n, "type"))
	return t == "checkbox" || t == "radio"
}

func isSubmitControl(n *html.Node) bool {
	switch tagName(n) {
	case "button":
		t := strings.ToLower(attrVal(n, "type"))
		return t == "" || t == "submit"
	case "input":
		t := strings.ToLower(attrVal(n, "type"))
		return t == "submit" || t == "image"
	}
	return false
}

// activateLink records navigation intent for an anchor.
func (p *Page) activateLink(n *html.Node) {
	href := attrVal(n, "href")
	if href == "" || strings.HasPrefix(href, "#") {
		return
	}
	if u, err := p.url.Parse(href); err == nil {
		p.setNavIntent(&NavigationIntent{URL: u.String(), Source: NavSourceLink})
	}
}

// resolveHref resolves href against the page URL.
func (p *Page) resolveHref(href string) string {
	u, err := p.url.Parse(href)
	if err != nil {
		return href
	}
	return u.String()
}

// --- highlights ---

const highlightAttr = "data-wp-highlight"

// DefaultHighlightStyle marks highlighted elements.
const DefaultHighlightStyle = "outline: 2px solid #ff3b30"

func (p *Page) highlight(n *html.Node, style string) {
	if style == "" {
		style = DefaultHighlightStyle
	}
	p.highlights[n] = style
	setAttr(n, highlightAttr, style)
}

func (p *Page) clearHighlights() int {
	cleared := len(p.highlights)
	for n := range p.highlights {
		removeAttr(n, highlightAttr)
	}
	p.highlights = make(map[*html.Node]string)
	return cleared
}

// --- focus and scrolling ---

func (p *Page) focus(n *html.Node) {
	if p.focused == n {
		return
	}
	if p.focused != nil {
		p.emit(EventBlur, p.focused, nil)
	}
	p.focused = n
	if n != nil {
		p.emit(EventFocus, n, nil)
	}
}

func (p *Page) scrollIntoView(n *html.Node) {
	if box := p.boundingBox(n); box != nil {
		if box.Y < p.scrollY || box.Y > p.scrollY+p.viewportH {
			p.scrollY = box.Y
		}
	}
}

// scrollTo moves the page scroll position, clamped at the origin, and
// fires a document-level scroll event.
func (p *Page) scrollTo(x, y float64) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	p.scrollX, p.scrollY = x, y
	p.emit(EventScroll, nil, map[string]any{"scrollX": x, "scrollY": y})
}
