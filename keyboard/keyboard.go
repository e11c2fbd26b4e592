// Package keyboard maps key names to the definitions needed to
// synthesize realistic key events: codes, keyCodes, shifted variants
// and the text a press produces.
package keyboard

import (
	"fmt"
	"sync"
)

// ModifierKey is a key modifier like ALT, CTRL, or Shift.
type ModifierKey int64

const (
	// ModifierKeyAlt is the ALT key modifier.
	ModifierKeyAlt ModifierKey = 1 << iota
	// ModifierKeyControl is the CTRL key modifier.
	ModifierKeyControl
	// ModifierKeyMeta is the meta key modifier.
	ModifierKeyMeta
	// ModifierKeyShift is the Shift key modifier.
	ModifierKeyShift
)

// Key is a keyboard key name.
type Key string

// Definition represents information about a keyboard key.
type Definition struct {
	Code         string
	Key          string
	KeyCode      int64
	ShiftKey     string
	ShiftKeyCode int64
	Text         string
	Location     int64
}

// Layout represents a keyboard layout, like US.
type Layout struct {
	Name      string
	Keys      map[Key]Definition
	validKeys map[Key]bool
}

// Definition resolves a key input to its definition and whether shift
// is needed to produce it. Input can be a code ("KeyA"), a key value
// ("a", "Enter") or a shifted value ("A", "$").
func (l *Layout) Definition(key Key) (Definition, bool, bool) {
	if d, ok := l.Keys[key]; ok {
		return d, false, true
	}
	for _, d := range l.Keys {
		if d.Key == string(key) {
			return d, false, true
		}
	}
	for _, d := range l.Keys {
		if d.ShiftKey == string(key) {
			return d, true, true
		}
	}
	return Definition{}, false, false
}

// ModifiedDefinition resolves a key under the given modifiers: shifted
// key value and keyCode apply under Shift, and any modifier besides
// Shift suppresses produced text.
func (l *Layout) ModifiedDefinition(key Key, m ModifierKey) (Definition, bool) {
	src, needShift, ok := l.Definition(key)
	if !ok {
		return Definition{}, false
	}
	if needShift {
		m |= ModifierKeyShift
	}

	out := src
	out.Text = src.Key
	if src.Text != "" {
		out.Text = src.Text
	}
	if m&ModifierKeyShift != 0 && src.ShiftKey != "" {
		out.Key = src.ShiftKey
		out.Text = src.ShiftKey
		if src.ShiftKeyCode != 0 {
			out.KeyCode = src.ShiftKeyCode
		}
	}
	// Non-printing keys produce no text.
	if len(out.Text) > 1 {
		out.Text = ""
	}
	// Any modifier besides shift suppresses text.
	if m & ^ModifierKeyShift != 0 {
		out.Text = ""
	}

	return out, true
}

// ModifierBitFromKey returns the modifier key value from string.
func (l *Layout) ModifierBitFromKey(key string) ModifierKey {
	switch key {
	case "Alt":
		return ModifierKeyAlt
	case "Control":
		return ModifierKeyControl
	case "Meta":
		return ModifierKeyMeta
	case "Shift":
		return ModifierKeyShift
	}
	return 0
}

// IsValidKey returns true if the layout can resolve the key.
func (l *Layout) IsValidKey(key Key) bool {
	return l.validKeys[key]
}

//nolint:gochecknoglobals
var (
	layouts = make(map[string]Layout)
	mu      sync.RWMutex
)

// LayoutFor returns the keyboard layout registered with name.
func LayoutFor(name string) Layout {
	mu.RLock()
	defer mu.RUnlock()
	return layouts[name]
}

// Default returns the US layout.
func Default() Layout { return LayoutFor("us") }

// register installs a keyboard layout, indexing every code, key value
// and shifted value as a valid key. It panics on duplicate names.
func register(lang string, keys map[Key]Definition) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := layouts[lang]; ok {
		panic(fmt.Sprintf("keyboard layout already registered: %s", lang))
	}

	valid := make(map[Key]bool, len(keys)*2)
	for code, d := range keys {
		valid[code] = true
		if d.Key != "" {
			valid[Key(d.Key)] = true
		}
		if d.ShiftKey != "" {
			valid[Key(d.ShiftKey)] = true
		}
	}
	layouts[lang] = Layout{
		Name:      lang,
		Keys:      keys,
		validKeys: valid,
	}
}
