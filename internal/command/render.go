package command

import (
	"fmt"
	"strings"

	"github.com/ashureev/webpilot/internal/action"
)

// Render formats a normalized action as the command line ParseLine reads
// back into the same action. It is used for history in prompts.
func Render(a action.Action) string {
	switch a.Type {
	case action.KindGoto:
		return "GOTO " + a.URL
	case action.KindWait:
		return fmt.Sprintf("WAIT %d ms", a.Ms)
	case action.KindAskUser:
		return "ASK " + a.Question
	case action.KindClick:
		s := fmt.Sprintf("CLICK %d,%d", a.X, a.Y)
		if a.Button != "" && a.Button != "left" {
			s += " " + strings.ToUpper(a.Button)
		}
		return s
	case action.KindClickElement:
		return fmt.Sprintf("CLICK %d", deref(a.Index))
	case action.KindHover:
		if a.Index != nil {
			return fmt.Sprintf("HOVER %d", *a.Index)
		}
		return fmt.Sprintf("HOVER %d,%d", a.X, a.Y)
	case action.KindClickSelector:
		return "CLICKSEL " + quote(a.Selector)
	case action.KindHoverSelector:
		return "HOVERSEL " + quote(a.Selector)
	case action.KindFocusSelector:
		return "FOCUS " + quote(a.Selector)
	case action.KindClearSelector:
		return "CLEAR " + quote(a.Selector)
	case action.KindCheckSelector:
		return "CHECK " + quote(a.Selector)
	case action.KindUncheckSelector:
		return "UNCHECK " + quote(a.Selector)
	case action.KindSubmitSelector:
		return "SUBMIT " + quote(a.Selector)
	case action.KindPressKey:
		return "PRESS " + a.Key
	case action.KindKeyChord:
		return "CHORD " + strings.Join(a.Keys, "+")
	case action.KindScroll:
		return fmt.Sprintf("SCROLL %d %d", a.DX, a.DY)
	case action.KindType:
		return "TYPE " + quote(a.Text)
	case action.KindTypeElement:
		return withClear(fmt.Sprintf("TYPE %d %s", deref(a.Index), quote(a.Text)), a.Clear)
	case action.KindTypeInSelector:
		s := "TYPESEL " + quote(a.Selector)
		if a.Text != "" {
			s += " " + quote(a.Text)
		}
		return withClear(s, a.Clear)
	case action.KindSelect:
		switch {
		case a.Index != nil:
			return fmt.Sprintf("SELECT %s INDEX %d", quote(a.Selector), *a.Index)
		case a.Label != "":
			return fmt.Sprintf("SELECT %s LABEL %s", quote(a.Selector), quote(a.Label))
		default:
			return fmt.Sprintf("SELECT %s VALUE %s", quote(a.Selector), quote(a.Value))
		}
	case action.KindScreenshotRegion:
		return fmt.Sprintf("SCREENSHOT %d %d %d %d", a.X, a.Y, a.Width, a.Height)
	case action.KindExtractText:
		return fmt.Sprintf("EXTRACT %s MAXLEN %d", quote(a.Selector), a.MaxLen)
	case action.KindExtractHTML:
		return fmt.Sprintf("EXTRACTHTML %s MAXLEN %d", quote(a.Selector), a.MaxLen)
	}
	return string(a.Type)
}

// RenderDone formats a done signal.
func RenderDone(message string) string {
	if message == "" {
		return "DONE"
	}
	return "DONE " + message
}

func withClear(s string, clear bool) string {
	if clear {
		return s + " CLEAR"
	}
	return s
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
