package dom

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/guregu/null.v3"
)

// Selector locates elements on a page. On the wire it is either a raw
// CSS string or a descriptor object combining strategies; when several
// strategies are present their matches are intersected, in the fixed
// resolution order the engine implements.
type Selector struct {
	CSS         string `json:"css,omitempty"`
	XPath       string `json:"xpath,omitempty"`
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	Role        string `json:"role,omitempty"`
	TestID      string `json:"testId,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	AriaLabel   string `json:"ariaLabel,omitempty"`
	Label       string `json:"label,omitempty"`
	Text        string `json:"text,omitempty"`

	// Exact switches text, label, ariaLabel and placeholder matching
	// from substring to equality.
	Exact bool `json:"exact,omitempty"`
	// Index picks the nth remaining match, 0-based.
	Index null.Int `json:"index,omitempty"`
	// Strict demands exactly one remaining match.
	Strict bool `json:"strict,omitempty"`
	// Visible drops elements that are not visible.
	Visible bool `json:"visible,omitempty"`
}

// CSSSelector returns a selector matching a raw CSS expression.
func CSSSelector(css string) *Selector { return &Selector{CSS: css} }

// Strategies returns the names of the location strategies the
// selector carries, in resolution order.
func (s *Selector) Strategies() []string {
	var out []string
	for _, st := range []struct {
		name  string
		value string
	}{
		{"xpath", s.XPath},
		{"css", s.CSS},
		{"id", s.ID},
		{"name", s.Name},
		{"role", s.Role},
		{"testId", s.TestID},
		{"placeholder", s.Placeholder},
		{"ariaLabel", s.AriaLabel},
		{"label", s.Label},
		{"text", s.Text},
	} {
		if st.value != "" {
			out = append(out, st.name)
		}
	}
	return out
}

// Validate checks that at least one strategy is present.
func (s *Selector) Validate() error {
	if len(s.Strategies()) == 0 {
		return fmt.Errorf("selector has no location strategy")
	}
	return nil
}

// String renders a compact human-readable form for logs and traces.
func (s *Selector) String() string {
	if s == nil {
		return "<nil>"
	}
	if s.shorthand() {
		return s.CSS
	}
	var parts []string
	for _, st := range []struct {
		name  string
		value string
	}{
		{"xpath", s.XPath}, {"css", s.CSS}, {"id", s.ID}, {"name", s.Name},
		{"role", s.Role}, {"testId", s.TestID}, {"placeholder", s.Placeholder},
		{"ariaLabel", s.AriaLabel}, {"label", s.Label}, {"text", s.Text},
	} {
		if st.value != "" {
			parts = append(parts, st.name+"="+st.value)
		}
	}
	if s.Exact {
		parts = append(parts, "exact")
	}
	if s.Strict {
		parts = append(parts, "strict")
	}
	if s.Visible {
		parts = append(parts, "visible")
	}
	if s.Index.Valid {
		parts = append(parts, fmt.Sprintf("index=%d", s.Index.Int64))
	}
	return strings.Join(parts, " ")
}

// shorthand reports whether the selector is a pure CSS selector that
// can travel as a bare string.
func (s *Selector) shorthand() bool {
	return s.CSS != "" &&
		s.XPath == "" && s.ID == "" && s.Name == "" && s.Role == "" &&
		s.TestID == "" && s.Placeholder == "" && s.AriaLabel == "" &&
		s.Label == "" && s.Text == "" &&
		!s.Exact && !s.Strict && !s.Visible && !s.Index.Valid
}

// selectorAlias avoids recursing into the custom codec.
type selectorAlias Selector

// selectorWire is the object wire form; Index shrinks to a pointer so
// absent stays absent.
type selectorWire struct {
	selectorAlias
	Index *int64 `json:"index,omitempty"`
}

// UnmarshalJSON accepts both the raw CSS shorthand and the descriptor
// object form. Both decodings of the same selector yield identical
// structs.
func (s *Selector) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var css string
		if err := json.Unmarshal(data, &css); err != nil {
			return fmt.Errorf("cannot decode selector shorthand: %w", err)
		}
		*s = Selector{CSS: css}
		return nil
	}
	var w selectorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("cannot decode selector: %w", err)
	}
	*s = Selector(w.selectorAlias)
	if w.Index != nil {
		s.Index = null.IntFrom(*w.Index)
	} else {
		s.Index = null.Int{}
	}
	return nil
}

// MarshalJSON emits the shorthand string for pure CSS selectors and
// the object form otherwise.
func (s *Selector) MarshalJSON() ([]byte, error) {
	if s.shorthand() {
		return json.Marshal(s.CSS)
	}
	// The outer Index pointer shadows the embedded null.Int on the
	// wire, so absent stays absent instead of encoding as null.
	w := selectorWire{selectorAlias: selectorAlias(*s)}
	if s.Index.Valid {
		v := s.Index.Int64
		w.Index = &v
	}
	return json.Marshal(w)
}
