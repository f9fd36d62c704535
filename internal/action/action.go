// Package action defines the closed set of browser actions and normalizes
// arbitrary input into safe, bounded action values.
package action

import (
	"encoding/json"
	"strings"
)

// Kind names one action variant.
type Kind string

// The closed set of action kinds.
const (
	KindGoto             Kind = "goto"
	KindWait             Kind = "wait"
	KindAskUser          Kind = "ask_user"
	KindClick            Kind = "click"
	KindClickSelector    Kind = "click_selector"
	KindClickElement     Kind = "click_element"
	KindHover            Kind = "hover"
	KindHoverSelector    Kind = "hover_selector"
	KindPressKey         Kind = "press_key"
	KindKeyChord         Kind = "key_chord"
	KindScroll           Kind = "scroll"
	KindType             Kind = "type"
	KindTypeInSelector   Kind = "type_in_selector"
	KindTypeElement      Kind = "type_element"
	KindFocusSelector    Kind = "focus_selector"
	KindClearSelector    Kind = "clear_selector"
	KindSelect           Kind = "select"
	KindCheckSelector    Kind = "check_selector"
	KindUncheckSelector  Kind = "uncheck_selector"
	KindSubmitSelector   Kind = "submit_selector"
	KindScreenshotRegion Kind = "screenshot_region"
	KindExtractText      Kind = "extract_text"
	KindExtractHTML      Kind = "extract_html"
)

// Action is a tagged variant: Type selects which of the remaining fields
// are meaningful. Normalize zeroes every field the kind does not use.
type Action struct {
	Type     Kind     `json:"type"`
	URL      string   `json:"url,omitempty"`
	Ms       int      `json:"ms,omitempty"`
	Question string   `json:"question,omitempty"`
	X        int      `json:"x,omitempty"`
	Y        int      `json:"y,omitempty"`
	Button   string   `json:"button,omitempty"`
	Index    *int     `json:"index,omitempty"`
	Selector string   `json:"selector,omitempty"`
	Text     string   `json:"text,omitempty"`
	Clear    bool     `json:"clear,omitempty"`
	Key      string   `json:"key,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	DX       int      `json:"dx,omitempty"`
	DY       int      `json:"dy,omitempty"`
	Value    string   `json:"value,omitempty"`
	Label    string   `json:"label,omitempty"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	MaxLen   int      `json:"maxLen,omitempty"`
}

// Wait returns a wait action of ms milliseconds.
func Wait(ms int) Action {
	return Action{Type: KindWait, Ms: ms}
}

// Index returns a pointer to i, for the optional Index field.
func Index(i int) *int {
	return &i
}

// RequiresApproval is the approval policy: only region screenshots need a
// human in the loop, because they can leak on-page content.
func RequiresApproval(k Kind) bool {
	return k == KindScreenshotRegion
}

// IsExtraction reports whether k reads page content instead of acting on it.
func IsExtraction(k Kind) bool {
	return k == KindExtractText || k == KindExtractHTML
}

// Fingerprint returns a structural identity for a, used for loop detection
// and proposal de-duplication. Two actions with equal fields share a
// fingerprint regardless of where they were allocated.
func Fingerprint(a Action) string {
	data, err := json.Marshal(a)
	if err != nil {
		return string(a.Type)
	}
	return string(data)
}

// aliases maps loose spellings onto canonical kinds.
var aliases = map[string]Kind{
	"press":       KindPressKey,
	"key":         KindPressKey,
	"keypress":    KindPressKey,
	"chord":       KindKeyChord,
	"hotkey":      KindKeyChord,
	"navigate":    KindGoto,
	"open":        KindGoto,
	"open_url":    KindGoto,
	"sleep":       KindWait,
	"ask":         KindAskUser,
	"clicksel":    KindClickSelector,
	"hoversel":    KindHoverSelector,
	"typesel":     KindTypeInSelector,
	"type_text":   KindType,
	"input":       KindType,
	"focus":       KindFocusSelector,
	"clear":       KindClearSelector,
	"check":       KindCheckSelector,
	"uncheck":     KindUncheckSelector,
	"submit":      KindSubmitSelector,
	"screenshot":  KindScreenshotRegion,
	"extract":     KindExtractText,
	"read":        KindExtractText,
	"extracthtml": KindExtractHTML,
}

// ResolveKind maps a raw type name onto a known kind.
func ResolveKind(raw string) (Kind, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
	if k, ok := aliases[name]; ok {
		return k, true
	}
	k := Kind(name)
	_, ok := rules[k]
	return k, ok
}

// Kinds lists every canonical kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(rules))
	for k := range rules {
		out = append(out, k)
	}
	return out
}
