package hotkey

import (
	"fmt"
	"log"
	"strings"
	"sync"

	gohook "github.com/robotn/gohook"
)

// Listen registers a global hotkey and calls callback each time the whole
// combination is held down. It returns an error when the combination has
// no mappable keys.
func Listen(hotkeyConfig string, callback func()) error {
	c, err := newCombo(hotkeyConfig)
	if err != nil {
		return err
	}
	log.Printf("Hotkey listener configured for: %s", hotkeyConfig)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("PANIC in hotkey goroutine: %v", r)
			}
		}()

		evChan := gohook.Start()
		if evChan == nil {
			log.Printf("ERROR: gohook.Start() returned nil channel")
			return
		}
		defer gohook.End()

		for ev := range evChan {
			if c.handle(ev.Kind, ev.Rawcode) && callback != nil {
				log.Printf("Hotkey activated: %s", hotkeyConfig)
				callback()
			}
		}
		log.Printf("Event channel closed")
	}()
	return nil
}

type keyState struct {
	name     string
	rawcodes []uint16
	pressed  bool
}

// combo tracks which keys of a combination are currently held.
type combo struct {
	mu   sync.Mutex
	keys []keyState
}

func newCombo(hotkeyConfig string) (*combo, error) {
	c := &combo{}
	for _, name := range parseHotkey(hotkeyConfig) {
		rawcodes := keyNameToRawcodes(name)
		if len(rawcodes) == 0 {
			log.Printf("ERROR: Cannot map key '%s' to rawcodes, hotkey may not work correctly", name)
			continue
		}
		c.keys = append(c.keys, keyState{name: name, rawcodes: rawcodes})
	}
	if len(c.keys) == 0 {
		return nil, fmt.Errorf("no valid keys in hotkey configuration %q", hotkeyConfig)
	}
	return c, nil
}

// handle feeds one key event and reports whether the combination just fired.
func (c *combo) handle(kind uint8, rawcode uint16) bool {
	if kind != gohook.KeyDown && kind != gohook.KeyUp {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.keys {
		if !c.keys[i].matches(rawcode) {
			continue
		}
		c.keys[i].pressed = kind == gohook.KeyDown
	}
	if kind == gohook.KeyUp {
		return false
	}
	for i := range c.keys {
		if !c.keys[i].pressed {
			return false
		}
	}
	for i := range c.keys {
		c.keys[i].pressed = false
	}
	return true
}

func (k keyState) matches(rawcode uint16) bool {
	for _, rc := range k.rawcodes {
		if rc == rawcode {
			return true
		}
	}
	return false
}

// parseHotkey converts a hotkey string like "Ctrl+Alt+q" to normalized key names
func parseHotkey(hotkeyConfig string) []string {
	var keys []string
	for _, part := range strings.Split(strings.ToLower(hotkeyConfig), "+") {
		part = strings.TrimSpace(part)
		switch part {
		case "":
			continue
		case "win", "cmd", "super":
			keys = append(keys, "cmd")
		case "control":
			keys = append(keys, "ctrl")
		case "option":
			keys = append(keys, "alt")
		default:
			keys = append(keys, part)
		}
	}
	return keys
}

// Windows virtual key codes, which gohook reports as rawcodes.
var specialKeys = map[string][]uint16{
	"ctrl":  {162, 163}, // VK_LCONTROL, VK_RCONTROL
	"alt":   {164, 165}, // VK_LMENU, VK_RMENU
	"shift": {160, 161}, // VK_LSHIFT, VK_RSHIFT
	"cmd":   {91, 92},   // VK_LWIN, VK_RWIN

	"space": {32}, "enter": {13}, "return": {13},
	"esc": {27}, "escape": {27}, "tab": {9}, "backspace": {8},
	"delete": {46}, "del": {46}, "insert": {45}, "ins": {45},
	"home": {36}, "end": {35}, "pageup": {33}, "pgup": {33}, "pagedown": {34}, "pgdn": {34},
	"left": {37}, "up": {38}, "right": {39}, "down": {40},
}

// keyNameToRawcodes maps a key name to its rawcodes; modifiers map to both
// their left and right variants.
func keyNameToRawcodes(keyName string) []uint16 {
	keyName = strings.ToLower(strings.TrimSpace(keyName))
	switch keyName {
	case "win", "super":
		keyName = "cmd"
	}
	if codes, ok := specialKeys[keyName]; ok {
		return codes
	}

	if len(keyName) == 1 {
		switch ch := keyName[0]; {
		case ch >= 'a' && ch <= 'z':
			return []uint16{uint16(ch-'a') + 65} // VK_A..VK_Z
		case ch >= '0' && ch <= '9':
			return []uint16{uint16(ch-'0') + 48} // VK_0..VK_9
		}
	}

	var n int
	if _, err := fmt.Sscanf(keyName, "f%d", &n); err == nil && n >= 1 && n <= 24 && keyName == fmt.Sprintf("f%d", n) {
		return []uint16{uint16(111 + n)} // VK_F1 = 112
	}

	log.Printf("WARNING: Unknown key name '%s', cannot map to rawcode", keyName)
	return nil
}
