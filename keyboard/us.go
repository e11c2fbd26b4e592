package keyboard

import "fmt"

//nolint:gochecknoinits
func init() {
	keys := map[Key]Definition{
		"Backspace":  {Code: "Backspace", Key: "Backspace", KeyCode: 8},
		"Tab":        {Code: "Tab", Key: "Tab", KeyCode: 9},
		"Enter":      {Code: "Enter", Key: "Enter", KeyCode: 13, Text: "\r"},
		"Escape":     {Code: "Escape", Key: "Escape", KeyCode: 27},
		"Space":      {Code: "Space", Key: " ", KeyCode: 32},
		"PageUp":     {Code: "PageUp", Key: "PageUp", KeyCode: 33},
		"PageDown":   {Code: "PageDown", Key: "PageDown", KeyCode: 34},
		"End":        {Code: "End", Key: "End", KeyCode: 35},
		"Home":       {Code: "Home", Key: "Home", KeyCode: 36},
		"ArrowLeft":  {Code: "ArrowLeft", Key: "ArrowLeft", KeyCode: 37},
		"ArrowUp":    {Code: "ArrowUp", Key: "ArrowUp", KeyCode: 38},
		"ArrowRight": {Code: "ArrowRight", Key: "ArrowRight", KeyCode: 39},
		"ArrowDown":  {Code: "ArrowDown", Key: "ArrowDown", KeyCode: 40},
		"Delete":     {Code: "Delete", Key: "Delete", KeyCode: 46},

		"ShiftLeft":    {Code: "ShiftLeft", Key: "Shift", KeyCode: 16, Location: 1},
		"ShiftRight":   {Code: "ShiftRight", Key: "Shift", KeyCode: 16, Location: 2},
		"ControlLeft":  {Code: "ControlLeft", Key: "Control", KeyCode: 17, Location: 1},
		"ControlRight": {Code: "ControlRight", Key: "Control", KeyCode: 17, Location: 2},
		"AltLeft":      {Code: "AltLeft", Key: "Alt", KeyCode: 18, Location: 1},
		"AltRight":     {Code: "AltRight", Key: "Alt", KeyCode: 18, Location: 2},
		"MetaLeft":     {Code: "MetaLeft", Key: "Meta", KeyCode: 91, Location: 1},
		"MetaRight":    {Code: "MetaRight", Key: "Meta", KeyCode: 92, Location: 2},

		"Semicolon":    {Code: "Semicolon", Key: ";", KeyCode: 186, ShiftKey: ":"},
		"Equal":        {Code: "Equal", Key: "=", KeyCode: 187, ShiftKey: "+"},
		"Comma":        {Code: "Comma", Key: ",", KeyCode: 188, ShiftKey: "<"},
		"Minus":        {Code: "Minus", Key: "-", KeyCode: 189, ShiftKey: "_"},
		"Period":       {Code: "Period", Key: ".", KeyCode: 190, ShiftKey: ">"},
		"Slash":        {Code: "Slash", Key: "/", KeyCode: 191, ShiftKey: "?"},
		"Backquote":    {Code: "Backquote", Key: "`", KeyCode: 192, ShiftKey: "~"},
		"BracketLeft":  {Code: "BracketLeft", Key: "[", KeyCode: 219, ShiftKey: "{"},
		"Backslash":    {Code: "Backslash", Key: `\`, KeyCode: 220, ShiftKey: "|"},
		"BracketRight": {Code: "BracketRight", Key: "]", KeyCode: 221, ShiftKey: "}"},
		"Quote":        {Code: "Quote", Key: "'", KeyCode: 222, ShiftKey: `"`},
	}

	const digitShift = `)!@#$%^&*(`
	for d := 0; d <= 9; d++ {
		code := fmt.Sprintf("Digit%d", d)
		keys[Key(code)] = Definition{
			Code:         code,
			Key:          fmt.Sprintf("%d", d),
			KeyCode:      int64(48 + d),
			ShiftKey:     string(digitShift[d]),
			ShiftKeyCode: int64(48 + d),
		}
	}
	for c := 'a'; c <= 'z'; c++ {
		upper := c - ('a' - 'A')
		code := "Key" + string(upper)
		keys[Key(code)] = Definition{
			Code:         code,
			Key:          string(c),
			KeyCode:      int64(upper),
			ShiftKey:     string(upper),
			ShiftKeyCode: int64(upper),
		}
	}
	for f := 1; f <= 12; f++ {
		code := fmt.Sprintf("F%d", f)
		keys[Key(code)] = Definition{Code: code, Key: code, KeyCode: int64(111 + f)}
	}

	register("us", keys)
}
