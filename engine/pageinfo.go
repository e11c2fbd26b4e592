package engine

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/webpilot/webpilot/dom"
)

// maxQueryResults caps element lists returned to scripts and callers.
const maxQueryResults = 100

// maxLinks caps the link inventory in page info and getLinks results.
const maxLinks = 200

// PageInfo is the structural summary returned by getPageInfo and
// published to evaluated scripts.
type PageInfo struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	ReadyState string `json:"readyState"`
	Viewport   Size   `json:"viewport"`
	ScrollX    int    `json:"scrollX"`
	ScrollY    int    `json:"scrollY"`
	DocHeight  int    `json:"docHeight"`
	Links      int    `json:"links"`
	Forms      int    `json:"forms"`
	Inputs     int    `json:"inputs"`
	Images     int    `json:"images"`
}

type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Link is one entry of the page link inventory. Href is absolute.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

func (p *Page) info() *PageInfo {
	info := &PageInfo{
		URL:        p.url.String(),
		Title:      p.title,
		ReadyState: p.readyState,
		Viewport:   Size{Width: int(p.viewportW), Height: int(p.viewportH)},
		ScrollX:    int(p.scrollX),
		ScrollY:    int(p.scrollY),
	}

	elements := 0
	p.walkElements(p.doc, func(n *html.Node) bool {
		elements++
		switch tagName(n) {
		case "a":
			if strings.TrimSpace(attrVal(n, "href")) != "" {
				info.Links++
			}
		case "form":
			info.Forms++
		case "input", "textarea", "select":
			info.Inputs++
		case "img":
			info.Images++
		}
		return true
	})
	info.DocHeight = 20 * (elements + 1)
	return info
}

// links collects up to limit distinct links in document order, with
// hrefs resolved against the page URL.
func (p *Page) links(limit int) []Link {
	links := make([]Link, 0, 16)
	seen := make(map[string]struct{})
	p.walkElements(p.doc, func(n *html.Node) bool {
		if len(links) >= limit {
			return false
		}
		if tagName(n) != "a" {
			return true
		}
		raw := strings.TrimSpace(attrVal(n, "href"))
		if raw == "" {
			return true
		}
		href := p.resolveHref(raw)
		if _, ok := seen[href]; ok {
			return true
		}
		seen[href] = struct{}{}
		links = append(links, Link{
			Href: href,
			Text: dom.Truncate(dom.NormalizeText(p.textOf(n)), dom.MaxDescriptorTextLen),
		})
		return true
	})
	return links
}

// snapshot is the compact page digest handed to script callers and
// screenshot consumers.
func (p *Page) snapshot() map[string]any {
	const snapshotLinks = 20

	links := p.links(snapshotLinks)
	out := make([]map[string]any, len(links))
	for i, l := range links {
		out[i] = map[string]any{"href": l.Href, "text": l.Text}
	}
	return map[string]any{
		"page":  p.info(),
		"text":  dom.Truncate(p.pageText(), dom.MaxTextLen),
		"links": out,
	}
}
