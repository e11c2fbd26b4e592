package engine

import (
	"fmt"

	"golang.org/x/net/html"

	"github.com/webpilot/webpilot/keyboard"
)

// keyDef resolves a key name through the layout. Single runes the
// layout does not know still press as themselves; multi-character
// names must be real key names.
func (e *Executor) keyDef(name string) (keyboard.Definition, bool, error) {
	key := keyboard.Key(name)
	if def, ok := e.layout.ModifiedDefinition(key, 0); ok {
		_, needShift, _ := e.layout.Definition(key)
		return def, needShift, nil
	}
	if runes := []rune(name); len(runes) == 1 {
		return keyboard.Definition{Key: name, Text: name}, false, nil
	}
	return keyboard.Definition{}, false, fmt.Errorf("unknown key %q", name)
}

func keyDetail(def keyboard.Definition) map[string]any {
	detail := map[string]any{"key": def.Key}
	if def.Code != "" {
		detail["code"] = def.Code
	}
	if def.KeyCode != 0 {
		detail["keyCode"] = def.KeyCode
	}
	if def.Location != 0 {
		detail["location"] = def.Location
	}
	return detail
}

// pressKey journals the key event sequence for one named key against
// target, wrapping it in Shift presses when the layout needs them. It
// returns the text the press produces, empty for non-printing keys.
func (e *Executor) pressKey(target *html.Node, name string) (string, error) {
	def, needShift, err := e.keyDef(name)
	if err != nil {
		return "", err
	}

	p := e.page
	if needShift {
		if shift, _, ok := e.layout.Definition("ShiftLeft"); ok {
			p.emit(EventKeyDown, target, keyDetail(shift))
		}
	}

	detail := keyDetail(def)
	p.emit(EventKeyDown, target, detail)
	if def.Text != "" {
		p.emit(EventKeyPress, target, detail)
	}
	p.emit(EventKeyUp, target, detail)

	if needShift {
		if shift, _, ok := e.layout.Definition("ShiftLeft"); ok {
			p.emit(EventKeyUp, target, keyDetail(shift))
		}
	}

	return def.Text, nil
}
