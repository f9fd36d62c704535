package browser

import (
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp/kb"
)

var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"Space":      " ",
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
	"Home":       kb.Home,
	"End":        kb.End,
}

var modifiers = map[string]input.Modifier{
	"Control": input.ModifierCtrl,
	"Shift":   input.ModifierShift,
	"Alt":     input.ModifierAlt,
	"Meta":    input.ModifierMeta,
}

// keyFor maps a DOM key name to the sequence chromedp.KeyEvent expects.
func keyFor(name string) string {
	if k, ok := namedKeys[name]; ok {
		return k
	}
	return name
}

// chordFor splits keys into modifiers and the final key. The last
// non-modifier wins.
func chordFor(keys []string) (string, []input.Modifier) {
	var mods []input.Modifier
	key := ""
	for _, k := range keys {
		if m, ok := modifiers[k]; ok {
			mods = append(mods, m)
			continue
		}
		key = keyFor(k)
	}
	return key, mods
}
