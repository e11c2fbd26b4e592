package engine

import (
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/webpilot/webpilot/dom"
)

// describe flattens a live node into the wire descriptor. Compact mode
// carries the fixed attribute allowlist; full mode adds the remaining
// attributes and the head of the outer HTML.
func (p *Page) describe(n *html.Node, mode dom.DescriptorMode) *dom.ElementDescriptor {
	d := &dom.ElementDescriptor{
		Tag:         tagName(n),
		ID:          attrVal(n, "id"),
		Visible:     p.visible(n),
		BoundingBox: p.boundingBox(n),
		Text:        dom.Truncate(dom.NormalizeText(p.textOf(n)), dom.MaxDescriptorTextLen),
	}
	if cls := attrVal(n, "class"); cls != "" {
		d.Classes = strings.Fields(cls)
	}

	attrs := make(map[string]string)
	for _, name := range dom.DescriptorAttrs() {
		if v, ok := attr(n, name); ok {
			if name == "href" || name == "src" {
				v = p.resolveHref(v)
			}
			attrs[name] = v
		}
	}
	if tagName(n) == "input" || tagName(n) == "textarea" || tagName(n) == "select" {
		attrs["value"] = p.valueOf(n)
	}
	if mode == dom.DescriptorFull {
		for _, a := range n.Attr {
			if _, ok := attrs[a.Key]; !ok && a.Key != "id" && a.Key != "class" {
				attrs[a.Key] = a.Val
			}
		}
		d.OuterHTML = dom.Truncate(htmlquery.OutputHTML(n, true), dom.MaxHTMLLen)
	}
	if len(attrs) > 0 {
		d.Attributes = attrs
	}
	return d
}

// describeAll flattens a node list, capped to keep payloads bounded.
func (p *Page) describeAll(nodes []*html.Node, mode dom.DescriptorMode, limit int) []*dom.ElementDescriptor {
	if limit > 0 && len(nodes) > limit {
		nodes = nodes[:limit]
	}
	out := make([]*dom.ElementDescriptor, len(nodes))
	for i, n := range nodes {
		out[i] = p.describe(n, mode)
	}
	return out
}
