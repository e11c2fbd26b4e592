package engine

import (
	"errors"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/dom"
)

// implicitRoles maps ARIA roles to the elements that carry them
// without a role attribute.
var implicitRoles = map[string]func(*html.Node) bool{
	"button": func(n *html.Node) bool {
		if tagName(n) == "button" {
			return true
		}
		if tagName(n) == "input" {
			switch strings.ToLower(attrVal(n, "type")) {
			case "submit", "button", "reset", "image":
				return true
			}
		}
		return false
	},
	"link": func(n *html.Node) bool {
		return (tagName(n) == "a" || tagName(n) == "area") && hasAttr(n, "href")
	},
	"textbox": func(n *html.Node) bool {
		if tagName(n) == "textarea" {
			return true
		}
		if tagName(n) != "input" {
			return false
		}
		t := strings.ToLower(attrVal(n, "type"))
		switch t {
		case "", "text", "email", "search", "tel", "url", "password":
			return true
		}
		return false
	},
	"checkbox": func(n *html.Node) bool {
		return tagName(n) == "input" && strings.EqualFold(attrVal(n, "type"), "checkbox")
	},
	"radio": func(n *html.Node) bool {
		return tagName(n) == "input" && strings.EqualFold(attrVal(n, "type"), "radio")
	},
	"combobox": func(n *html.Node) bool { return tagName(n) == "select" },
	"img":      func(n *html.Node) bool { return tagName(n) == "img" },
	"heading": func(n *html.Node) bool {
		switch tagName(n) {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			return true
		}
		return false
	},
	"list": func(n *html.Node) bool {
		return tagName(n) == "ul" || tagName(n) == "ol"
	},
	"listitem": func(n *html.Node) bool { return tagName(n) == "li" },
}

// testIDAttrs are consulted in order; the first attribute producing
// any match wins.
var testIDAttrs = []string{"data-testid", "data-test", "data-qa"}

// nodeSet tracks the shrinking candidate set during resolution.
type nodeSet struct {
	narrowed bool
	members  map[*html.Node]struct{}
}

func (s *nodeSet) intersect(matches []*html.Node) {
	if !s.narrowed {
		s.narrowed = true
		s.members = make(map[*html.Node]struct{}, len(matches))
		for _, n := range matches {
			s.members[n] = struct{}{}
		}
		return
	}
	keep := make(map[*html.Node]struct{}, len(matches))
	for _, n := range matches {
		if _, ok := s.members[n]; ok {
			keep[n] = struct{}{}
		}
	}
	s.members = keep
}

func (s *nodeSet) empty() bool { return s.narrowed && len(s.members) == 0 }

// Resolve locates the elements a selector names, applying every
// strategy it carries in the fixed order and intersecting their
// matches, then the visible filter, then strict and index handling.
// The returned nodes are in document order.
func (p *Page) Resolve(sel *dom.Selector) ([]*html.Node, error) {
	if err := sel.Validate(); err != nil {
		return nil, &api.SelectorResolutionError{Selector: sel.String(), Reason: err.Error()}
	}

	set := &nodeSet{}
	type strategy struct {
		name  string
		runIf bool
		run   func() ([]*html.Node, error)
	}
	strategies := []strategy{
		{"xpath", sel.XPath != "", func() ([]*html.Node, error) { return p.matchXPath(sel.XPath) }},
		{"css", sel.CSS != "", func() ([]*html.Node, error) { return p.matchCSS(sel.CSS) }},
		{"id", sel.ID != "", func() ([]*html.Node, error) { return p.matchAttr("id", sel.ID, true), nil }},
		{"name", sel.Name != "", func() ([]*html.Node, error) { return p.matchAttr("name", sel.Name, true), nil }},
		{"role", sel.Role != "", func() ([]*html.Node, error) { return p.matchRole(sel.Role), nil }},
		{"testId", sel.TestID != "", func() ([]*html.Node, error) { return p.matchTestID(sel.TestID), nil }},
		{"placeholder", sel.Placeholder != "", func() ([]*html.Node, error) {
			return p.matchAttr("placeholder", sel.Placeholder, sel.Exact), nil
		}},
		{"ariaLabel", sel.AriaLabel != "", func() ([]*html.Node, error) {
			return p.matchAttr("aria-label", sel.AriaLabel, sel.Exact), nil
		}},
		{"label", sel.Label != "", func() ([]*html.Node, error) { return p.matchLabel(sel.Label, sel.Exact), nil }},
		{"text", sel.Text != "", func() ([]*html.Node, error) { return p.matchText(sel.Text, sel.Exact), nil }},
	}

	for _, st := range strategies {
		if !st.runIf {
			continue
		}
		matches, err := st.run()
		if err != nil {
			return nil, &api.SelectorResolutionError{
				Strategy: st.name,
				Selector: sel.String(),
				Reason:   err.Error(),
			}
		}
		set.intersect(matches)
		if set.empty() {
			return nil, &api.SelectorResolutionError{
				Strategy: st.name,
				Selector: sel.String(),
				Matches:  0,
			}
		}
	}

	ordered := p.inDocumentOrder(set.members)

	if sel.Visible {
		kept := ordered[:0]
		for _, n := range ordered {
			if p.visible(n) {
				kept = append(kept, n)
			}
		}
		ordered = kept
		if len(ordered) == 0 {
			return nil, &api.SelectorResolutionError{
				Strategy: "visible",
				Selector: sel.String(),
				Matches:  0,
			}
		}
	}

	if sel.Strict && len(ordered) != 1 {
		return nil, &api.SelectorResolutionError{
			Strategy: "strict",
			Selector: sel.String(),
			Matches:  len(ordered),
			Reason:   "strict selector requires exactly one match",
		}
	}

	if sel.Index.Valid {
		i := int(sel.Index.Int64)
		if i < 0 || i >= len(ordered) {
			return nil, &api.SelectorResolutionError{
				Strategy: "index",
				Selector: sel.String(),
				Matches:  len(ordered),
				Reason:   "index out of range",
			}
		}
		return ordered[i : i+1], nil
	}

	return ordered, nil
}

// ResolveFirst returns the first element a selector names.
func (p *Page) ResolveFirst(sel *dom.Selector) (*html.Node, error) {
	nodes, err := p.Resolve(sel)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// resolveAny is Resolve with empty results allowed, for kinds like
// exists and count where zero matches is an answer, not a failure.
// Strict and index violations still fail.
func (p *Page) resolveAny(sel *dom.Selector) ([]*html.Node, error) {
	nodes, err := p.Resolve(sel)
	if err != nil {
		var serr *api.SelectorResolutionError
		if errors.As(err, &serr) && serr.Matches == 0 && serr.Reason == "" {
			return nil, nil
		}
		return nil, err
	}
	return nodes, nil
}

func (p *Page) inDocumentOrder(members map[*html.Node]struct{}) []*html.Node {
	ordered := make([]*html.Node, 0, len(members))
	walkElements(p.doc, func(n *html.Node) bool {
		if _, ok := members[n]; ok {
			ordered = append(ordered, n)
		}
		return true
	})
	return ordered
}

// --- strategy matchers ---

func (p *Page) matchXPath(expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(p.doc, expr)
	if err != nil {
		return nil, err
	}
	elements := nodes[:0]
	for _, n := range nodes {
		if isElement(n) {
			elements = append(elements, n)
		}
	}
	return elements, nil
}

func (p *Page) matchCSS(expr string) ([]*html.Node, error) {
	matcher, err := cascadia.Compile(expr)
	if err != nil {
		return nil, err
	}
	return p.gq.FindMatcher(matcher).Nodes, nil
}

func (p *Page) matchAttr(name, value string, equal bool) []*html.Node {
	var out []*html.Node
	walkElements(p.doc, func(n *html.Node) bool {
		if v, ok := attr(n, name); ok {
			if (equal && v == value) || (!equal && strings.Contains(v, value)) {
				out = append(out, n)
			}
		}
		return true
	})
	return out
}

// matchRole unions explicit role attributes with the implicit role
// table.
func (p *Page) matchRole(role string) []*html.Node {
	implicit := implicitRoles[role]
	var out []*html.Node
	walkElements(p.doc, func(n *html.Node) bool {
		if attrVal(n, "role") == role {
			out = append(out, n)
			return true
		}
		if implicit != nil && implicit(n) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// matchTestID tries each test id attribute in order and stops at the
// first one with matches.
func (p *Page) matchTestID(value string) []*html.Node {
	for _, name := range testIDAttrs {
		if matches := p.matchAttr(name, value, true); len(matches) > 0 {
			return matches
		}
	}
	return nil
}

// matchLabel resolves label text to the controls the labels describe:
// for= references first, nested controls second.
func (p *Page) matchLabel(text string, exact bool) []*html.Node {
	var out []*html.Node
	seen := make(map[*html.Node]struct{})
	add := func(n *html.Node) {
		if n == nil {
			return
		}
		if _, ok := seen[n]; ok {
			return
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}

	walkElements(p.doc, func(n *html.Node) bool {
		if tagName(n) != "label" {
			return true
		}
		lt := dom.NormalizeText(htmlquery.InnerText(n))
		if exact {
			if lt != text {
				return true
			}
		} else if !strings.Contains(lt, text) {
			return true
		}

		if forID := attrVal(n, "for"); forID != "" {
			if targets := p.matchAttr("id", forID, true); len(targets) > 0 {
				add(targets[0])
				return true
			}
		}
		walkElements(n, func(c *html.Node) bool {
			switch tagName(c) {
			case "input", "select", "textarea", "button":
				add(c)
				return false
			}
			return true
		})
		return true
	})
	return out
}

// matchText matches normalized text nodes and maps each onto its
// nearest element ancestor.
func (p *Page) matchText(text string, exact bool) []*html.Node {
	want := dom.NormalizeText(text)
	var out []*html.Node
	seen := make(map[*html.Node]struct{})

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if _, skip := invisibleTags[tagName(n)]; skip {
				return
			}
		}
		if n.Type == html.TextNode {
			got := dom.NormalizeText(n.Data)
			matched := (exact && got == want) || (!exact && got != "" && strings.Contains(got, want))
			if matched {
				parent := n.Parent
				for parent != nil && parent.Type != html.ElementNode {
					parent = parent.Parent
				}
				if parent != nil {
					if _, ok := seen[parent]; !ok {
						seen[parent] = struct{}{}
						out = append(out, parent)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.doc)
	return out
}
