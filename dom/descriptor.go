package dom

import "strings"

// Payload bounds. Live elements never cross the wire; they are
// flattened to descriptors with these limits applied.
const (
	MaxTextLen           = 4000
	MaxHTMLLen           = 8000
	MaxDescriptorTextLen = 200

	truncationMark = "…[truncated]"
)

// descriptorAttrs is the fixed attribute allowlist for compact
// descriptors.
var descriptorAttrs = []string{
	"href", "src", "alt", "title", "value", "name", "type",
	"placeholder", "role", "aria-label", "data-testid",
	"disabled", "checked", "selected",
}

// DescriptorAttrs returns the attribute allowlist for compact
// descriptors.
func DescriptorAttrs() []string {
	out := make([]string, len(descriptorAttrs))
	copy(out, descriptorAttrs)
	return out
}

// Rect is an axis-aligned box in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementDescriptor is the wire representation of a live element.
type ElementDescriptor struct {
	Tag         string            `json:"tag"`
	ID          string            `json:"id,omitempty"`
	Classes     []string          `json:"classes,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Text        string            `json:"text,omitempty"`
	Visible     bool              `json:"visible"`
	BoundingBox *Rect             `json:"boundingBox,omitempty"`

	// Full mode only.
	OuterHTML string `json:"outerHTML,omitempty"`
}

// Truncate caps s at max runes, marking the cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + truncationMark
}

// NormalizeText collapses runs of whitespace into single spaces and
// trims the ends, matching how rendered text compares on a page.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
