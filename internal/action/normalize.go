package action

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/shared"
)

// Limits bounds every string and number Normalize lets through.
type Limits struct {
	MaxSelector    int
	MaxText        int
	MaxURL         int
	MaxQuestion    int
	MaxKey         int
	MaxChordKeys   int
	MaxScroll      int
	MaxWaitMs      int
	MinExtract     int
	MaxExtract     int
	DefaultExtract int
}

// DefaultLimits returns the stock limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSelector:    500,
		MaxText:        1000,
		MaxURL:         2000,
		MaxQuestion:    500,
		MaxKey:         32,
		MaxChordKeys:   4,
		MaxScroll:      5000,
		MaxWaitMs:      60000,
		MinExtract:     200,
		MaxExtract:     20000,
		DefaultExtract: 4000,
	}
}

// DefaultViewport is assumed when an observation carries no viewport.
var DefaultViewport = domain.Viewport{Width: 1280, Height: 720}

// Context is the page state an action is validated against.
type Context struct {
	Viewport domain.Viewport
	Elements []domain.Element
	Limits   Limits
}

// rule validates one kind and builds a fresh Action holding only the fields
// that kind uses.
type rule func(in Action, c *Context) (Action, error)

var rules = map[Kind]rule{
	KindGoto:             normalizeGoto,
	KindWait:             normalizeWait,
	KindAskUser:          normalizeAsk,
	KindClick:            normalizePointer(KindClick),
	KindClickElement:     normalizeClickElement,
	KindHover:            normalizePointer(KindHover),
	KindClickSelector:    selectorOnly(KindClickSelector),
	KindHoverSelector:    selectorOnly(KindHoverSelector),
	KindFocusSelector:    selectorOnly(KindFocusSelector),
	KindClearSelector:    selectorOnly(KindClearSelector),
	KindCheckSelector:    selectorOnly(KindCheckSelector),
	KindUncheckSelector:  selectorOnly(KindUncheckSelector),
	KindSubmitSelector:   selectorOnly(KindSubmitSelector),
	KindPressKey:         normalizePressKey,
	KindKeyChord:         normalizeChord,
	KindScroll:           normalizeScroll,
	KindType:             normalizeType,
	KindTypeInSelector:   normalizeTypeInSelector,
	KindTypeElement:      normalizeTypeElement,
	KindSelect:           normalizeSelect,
	KindScreenshotRegion: normalizeScreenshot,
	KindExtractText:      extraction(KindExtractText),
	KindExtractHTML:      extraction(KindExtractHTML),
}

// Normalize validates raw against c and returns a clamped, truncated copy.
// It is a pure function and idempotent: Normalize(Normalize(a)) == Normalize(a).
func Normalize(raw Action, c Context) (Action, error) {
	kind, ok := ResolveKind(string(raw.Type))
	if !ok {
		return Action{}, schemaErr("unknown action type %q", raw.Type)
	}
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = DefaultViewport
	}
	if c.Limits == (Limits{}) {
		c.Limits = DefaultLimits()
	}
	raw.Type = kind
	return rules[kind](raw, &c)
}

func schemaErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", shared.ErrSchema, fmt.Sprintf(format, args...))
}

func normalizeGoto(in Action, c *Context) (Action, error) {
	u, err := SanitizeURL(in.URL, c.Limits.MaxURL)
	if err != nil {
		return Action{}, err
	}
	return Action{Type: KindGoto, URL: u}, nil
}

// SanitizeURL strips wrapping quotes and trailing punctuation, prefixes a
// scheme onto bare hostnames, truncates to max and requires http(s).
func SanitizeURL(raw string, max int) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"'`<>")
	s = strings.TrimRight(s, ".,;:!?)]}'\"")
	if s == "" {
		return "", schemaErr("goto requires a url")
	}
	if !strings.Contains(s, "://") && looksLikeHost(s) {
		s = "https://" + s
	}
	s = strings.TrimRight(truncate(s, max), ".,;:!?)]}'\"")
	u, err := url.Parse(s)
	if err != nil {
		return "", schemaErr("invalid url %q", s)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", schemaErr("goto requires an http(s) url, got %q", s)
	}
	return s, nil
}

func looksLikeHost(s string) bool {
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "/") {
		return false
	}
	host := s
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	return strings.Contains(host, ".") && !strings.HasPrefix(host, ".") && !strings.Contains(host, ":")
}

func normalizeWait(in Action, c *Context) (Action, error) {
	ms := in.Ms
	if ms <= 0 {
		ms = 1000
	}
	return Action{Type: KindWait, Ms: clamp(ms, 0, c.Limits.MaxWaitMs)}, nil
}

func normalizeAsk(in Action, c *Context) (Action, error) {
	q := truncate(strings.TrimSpace(firstNonEmpty(in.Question, in.Text)), c.Limits.MaxQuestion)
	if q == "" {
		return Action{}, schemaErr("ask_user requires a question")
	}
	return Action{Type: KindAskUser, Question: q}, nil
}

// normalizePointer handles click and hover, which take either explicit
// coordinates or a 1-based element index.
func normalizePointer(kind Kind) rule {
	return func(in Action, c *Context) (Action, error) {
		x, y := in.X, in.Y
		if in.Index != nil {
			var err error
			if x, y, err = resolveElement(*in.Index, c); err != nil {
				return Action{}, err
			}
		}
		out := Action{Type: kind}
		out.X, out.Y = clampPoint(x, y, c.Viewport)
		if kind == KindClick {
			out.Button = normalizeButton(in.Button)
		}
		return out, nil
	}
}

func normalizeClickElement(in Action, c *Context) (Action, error) {
	if in.Index == nil {
		return Action{}, schemaErr("click_element requires an index")
	}
	in.Type = KindClick
	return normalizePointer(KindClick)(in, c)
}

func resolveElement(index int, c *Context) (int, int, error) {
	if index < 1 || index > len(c.Elements) {
		return 0, 0, schemaErr("element index %d out of range (1..%d)", index, len(c.Elements))
	}
	x, y := c.Elements[index-1].Center()
	return x, y, nil
}

func normalizeButton(b string) string {
	switch strings.ToLower(strings.TrimSpace(b)) {
	case "right":
		return "right"
	case "middle":
		return "middle"
	default:
		return "left"
	}
}

func selectorOnly(kind Kind) rule {
	return func(in Action, c *Context) (Action, error) {
		sel, err := requireSelector(kind, in.Selector, c)
		if err != nil {
			return Action{}, err
		}
		return Action{Type: kind, Selector: sel}, nil
	}
}

func requireSelector(kind Kind, raw string, c *Context) (string, error) {
	sel := truncate(strings.TrimSpace(raw), c.Limits.MaxSelector)
	if sel == "" {
		return "", schemaErr("%s requires a selector", kind)
	}
	return sel, nil
}

var keyNames = map[string]string{
	"enter":      "Enter",
	"return":     "Enter",
	"esc":        "Escape",
	"escape":     "Escape",
	"tab":        "Tab",
	"space":      "Space",
	"spacebar":   "Space",
	"backspace":  "Backspace",
	"delete":     "Delete",
	"up":         "ArrowUp",
	"down":       "ArrowDown",
	"left":       "ArrowLeft",
	"right":      "ArrowRight",
	"arrowup":    "ArrowUp",
	"arrowdown":  "ArrowDown",
	"arrowleft":  "ArrowLeft",
	"arrowright": "ArrowRight",
	"pageup":     "PageUp",
	"pagedown":   "PageDown",
	"home":       "Home",
	"end":        "End",
	"ctrl":       "Control",
	"control":    "Control",
	"cmd":        "Meta",
	"meta":       "Meta",
	"alt":        "Alt",
	"option":     "Alt",
	"shift":      "Shift",
}

// normalizeKeyName maps common spellings onto DOM key names.
func normalizeKeyName(raw string, max int) string {
	k := strings.TrimSpace(raw)
	if k == "" {
		return ""
	}
	if named, ok := keyNames[strings.ToLower(k)]; ok {
		return named
	}
	return truncate(k, max)
}

func normalizePressKey(in Action, c *Context) (Action, error) {
	key := normalizeKeyName(in.Key, c.Limits.MaxKey)
	if key == "" {
		return Action{}, schemaErr("press_key requires a key")
	}
	return Action{Type: KindPressKey, Key: key}, nil
}

func normalizeChord(in Action, c *Context) (Action, error) {
	raw := in.Keys
	if len(raw) == 0 && in.Key != "" {
		raw = strings.Split(in.Key, "+")
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if n := normalizeKeyName(k, c.Limits.MaxKey); n != "" {
			keys = append(keys, n)
		}
	}
	if len(keys) < 2 {
		return Action{}, schemaErr("key_chord requires at least two keys")
	}
	if len(keys) > c.Limits.MaxChordKeys {
		return Action{}, schemaErr("key_chord allows at most %d keys", c.Limits.MaxChordKeys)
	}
	return Action{Type: KindKeyChord, Keys: keys}, nil
}

func normalizeScroll(in Action, c *Context) (Action, error) {
	dx := clamp(in.DX, -c.Limits.MaxScroll, c.Limits.MaxScroll)
	dy := clamp(in.DY, -c.Limits.MaxScroll, c.Limits.MaxScroll)
	if dx == 0 && dy == 0 {
		dy = 600
	}
	return Action{Type: KindScroll, DX: dx, DY: dy}, nil
}

func normalizeType(in Action, c *Context) (Action, error) {
	text := truncate(in.Text, c.Limits.MaxText)
	if text == "" {
		return Action{}, schemaErr("type requires text")
	}
	return Action{Type: KindType, Text: text}, nil
}

func normalizeTypeInSelector(in Action, c *Context) (Action, error) {
	sel, err := requireSelector(KindTypeInSelector, in.Selector, c)
	if err != nil {
		return Action{}, err
	}
	text := truncate(in.Text, c.Limits.MaxText)
	if text == "" && !in.Clear {
		return Action{}, schemaErr("type_in_selector requires text")
	}
	return Action{Type: KindTypeInSelector, Selector: sel, Text: text, Clear: in.Clear}, nil
}

func normalizeTypeElement(in Action, c *Context) (Action, error) {
	if in.Index == nil {
		return Action{}, schemaErr("type_element requires an index")
	}
	x, y, err := resolveElement(*in.Index, c)
	if err != nil {
		return Action{}, err
	}
	text := truncate(in.Text, c.Limits.MaxText)
	if text == "" && !in.Clear {
		return Action{}, schemaErr("type_element requires text")
	}
	out := Action{Type: KindTypeElement, Index: Index(*in.Index), Text: text, Clear: in.Clear}
	out.X, out.Y = clampPoint(x, y, c.Viewport)
	return out, nil
}

func normalizeSelect(in Action, c *Context) (Action, error) {
	sel, err := requireSelector(KindSelect, in.Selector, c)
	if err != nil {
		return Action{}, err
	}
	out := Action{Type: KindSelect, Selector: sel}
	set := 0
	if v := truncate(in.Value, c.Limits.MaxText); v != "" {
		out.Value = v
		set++
	}
	if l := truncate(in.Label, c.Limits.MaxText); l != "" {
		out.Label = l
		set++
	}
	if in.Index != nil {
		if *in.Index < 0 {
			return Action{}, schemaErr("select index must be >= 0")
		}
		out.Index = Index(*in.Index)
		set++
	}
	if set != 1 {
		return Action{}, schemaErr("select requires exactly one of value, label or index")
	}
	return out, nil
}

func normalizeScreenshot(in Action, c *Context) (Action, error) {
	vp := c.Viewport
	x, y := clampPoint(in.X, in.Y, vp)
	w, h := in.Width, in.Height
	if w <= 0 {
		w = vp.Width - x
	}
	if h <= 0 {
		h = vp.Height - y
	}
	return Action{
		Type:   KindScreenshotRegion,
		X:      x,
		Y:      y,
		Width:  clamp(w, 1, vp.Width-x),
		Height: clamp(h, 1, vp.Height-y),
	}, nil
}

func extraction(kind Kind) rule {
	return func(in Action, c *Context) (Action, error) {
		sel := truncate(strings.TrimSpace(in.Selector), c.Limits.MaxSelector)
		if sel == "" {
			sel = "body"
		}
		maxLen := in.MaxLen
		if maxLen <= 0 {
			maxLen = c.Limits.DefaultExtract
		}
		return Action{
			Type:     kind,
			Selector: sel,
			MaxLen:   clamp(maxLen, c.Limits.MinExtract, c.Limits.MaxExtract),
		}, nil
	}
}

func clampPoint(x, y int, vp domain.Viewport) (int, int) {
	return clamp(x, 0, vp.Width-1), clamp(y, 0, vp.Height-1)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return max(lo, min(hi, v))
}

// truncate cuts s to at most max runes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

// Truncate is the exported form of truncate for other packages that share
// the same length caps.
func Truncate(s string, max int) string {
	return truncate(s, max)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
