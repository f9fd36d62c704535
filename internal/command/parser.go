// Package command converts one line of free-text model output into a
// structured action using a fixed token grammar.
package command

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/webpilot/internal/action"
)

// Result is a parsed command: either an action or a done signal.
type Result struct {
	Action  action.Action
	Done    bool
	Message string
	Line    string
}

// parseFunc builds a Result from the arguments following a keyword. rest is
// the raw remainder of the line after the keyword.
type parseFunc func(args []string, rest string) (Result, bool)

var commands = map[string]parseFunc{
	"GOTO":        parseGoto,
	"NAVIGATE":    parseGoto,
	"OPEN":        parseGoto,
	"WAIT":        parseWait,
	"ASK":         parseAsk,
	"DONE":        parseDone,
	"CLICK":       parsePointer(action.KindClick),
	"HOVER":       parsePointer(action.KindHover),
	"CLICKSEL":    parseSelector(action.KindClickSelector),
	"HOVERSEL":    parseSelector(action.KindHoverSelector),
	"FOCUS":       parseSelector(action.KindFocusSelector),
	"CLEAR":       parseSelector(action.KindClearSelector),
	"CHECK":       parseSelector(action.KindCheckSelector),
	"UNCHECK":     parseSelector(action.KindUncheckSelector),
	"SUBMIT":      parseSelector(action.KindSubmitSelector),
	"PRESS":       parsePress,
	"KEY":         parsePress,
	"CHORD":       parseChord,
	"SCROLL":      parseScroll,
	"TYPE":        parseType,
	"TYPESEL":     parseTypeSel,
	"SELECT":      parseSelect,
	"SCREENSHOT":  parseScreenshot,
	"EXTRACT":     parseExtract(action.KindExtractText),
	"READ":        parseExtract(action.KindExtractText),
	"EXTRACTHTML": parseExtract(action.KindExtractHTML),
}

var anyKeyword = buildKeywordPattern()

func buildKeywordPattern() *regexp.Regexp {
	names := make([]string, 0, len(commands))
	for k := range commands {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return regexp.MustCompile(`\b(?:` + strings.Join(names, "|") + `)\b`)
}

// lineStartOnly keywords end or pause the run, so they are never picked out
// of the middle of a sentence.
var lineStartOnly = map[string]bool{"DONE": true, "ASK": true}

// ParseLine returns the first recognizable command in raw. Keywords are
// matched in upper case only. Lines are tried in order after stripping
// decorations; if none starts with a keyword, each line is scanned for an
// embedded keyword and parsed from there.
func ParseLine(raw string) (Result, bool) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	for _, line := range lines {
		if res, ok := parseClean(cleanLine(line)); ok {
			return res, true
		}
	}
	for _, line := range lines {
		for _, loc := range anyKeyword.FindAllStringIndex(line, -1) {
			if lineStartOnly[line[loc[0]:loc[1]]] {
				continue
			}
			if res, ok := parseClean(cleanLine(line[loc[0]:])); ok {
				return res, true
			}
		}
	}
	return Result{}, false
}

func parseClean(line string) (Result, bool) {
	if line == "" {
		return Result{}, false
	}
	head, rest, _ := strings.Cut(line, " ")
	keyword := strings.TrimRight(head, ":")
	fn, ok := commands[keyword]
	if !ok {
		return Result{}, false
	}
	res, ok := fn(tokenize(rest), strings.TrimSpace(rest))
	if !ok {
		return Result{}, false
	}
	res.Line = line
	return res, true
}

func act(a action.Action) (Result, bool) {
	return Result{Action: a}, true
}

func parseGoto(args []string, _ string) (Result, bool) {
	if len(args) == 0 || !strings.ContainsAny(args[0], ".:/") {
		return Result{}, false
	}
	return act(action.Action{Type: action.KindGoto, URL: args[0]})
}

func parseWait(args []string, _ string) (Result, bool) {
	if len(args) == 0 {
		return act(action.Wait(1000))
	}
	numText, unit := args[0], ""
	if len(args) > 1 {
		unit = strings.ToLower(args[1])
	}
	// Accept glued units such as "2s" or "500ms".
	if m := gluedUnit.FindStringSubmatch(numText); m != nil {
		numText, unit = m[1], strings.ToLower(m[2])
	}
	n, err := strconv.ParseFloat(numText, 64)
	if err != nil || n < 0 {
		return Result{}, false
	}
	var ms float64
	switch unit {
	case "ms", "msec", "millis", "milliseconds":
		ms = n
	case "s", "sec", "secs", "second", "seconds":
		ms = n * 1000
	default:
		if n < 100 {
			ms = n * 1000
		} else {
			ms = n
		}
	}
	return act(action.Wait(int(ms)))
}

var gluedUnit = regexp.MustCompile(`^(\d+(?:\.\d+)?)(ms|s|sec)$`)

func parseAsk(_ []string, rest string) (Result, bool) {
	q := unquoteRest(rest)
	if q == "" {
		return Result{}, false
	}
	return act(action.Action{Type: action.KindAskUser, Question: q})
}

func parseDone(_ []string, rest string) (Result, bool) {
	return Result{Done: true, Message: unquoteRest(rest)}, true
}

var (
	bareIndex = regexp.MustCompile(`^#?\[?(\d+)\]?$`)
	commaPair = regexp.MustCompile(`^\(?(-?\d+)\s*,\s*(-?\d+)\)?$`)
	spacePair = regexp.MustCompile(`^(-?\d+)\s+(-?\d+)$`)
)

func isButton(tok string) bool {
	switch strings.ToUpper(tok) {
	case "LEFT", "RIGHT", "MIDDLE":
		return true
	}
	return false
}

// parsePointer handles CLICK and HOVER. The argument is, in order of
// precedence, a bare element index, an "x,y" pair, or two coordinate
// tokens. A single non-numeric argument is treated as a selector.
func parsePointer(kind action.Kind) parseFunc {
	return func(args []string, rest string) (Result, bool) {
		if len(args) == 0 {
			return Result{}, false
		}
		button := ""
		if len(args) > 1 && isButton(args[len(args)-1]) {
			button = strings.ToLower(args[len(args)-1])
			args = args[:len(args)-1]
		}
		joined := strings.Join(args, " ")
		switch {
		case bareIndex.MatchString(joined):
			idx, _ := strconv.Atoi(bareIndex.FindStringSubmatch(joined)[1])
			if kind == action.KindClick {
				return act(action.Action{Type: action.KindClickElement, Index: action.Index(idx), Button: button})
			}
			return act(action.Action{Type: kind, Index: action.Index(idx)})
		case commaPair.MatchString(joined):
			m := commaPair.FindStringSubmatch(joined)
			return pointAt(kind, m[1], m[2], button)
		case spacePair.MatchString(joined):
			m := spacePair.FindStringSubmatch(joined)
			return pointAt(kind, m[1], m[2], button)
		case len(args) == 1 && strings.ContainsAny(rest, `"'`):
			if kind == action.KindClick {
				return act(action.Action{Type: action.KindClickSelector, Selector: args[0]})
			}
			return act(action.Action{Type: action.KindHoverSelector, Selector: args[0]})
		}
		return Result{}, false
	}
}

func pointAt(kind action.Kind, xs, ys, button string) (Result, bool) {
	x, errX := strconv.Atoi(xs)
	y, errY := strconv.Atoi(ys)
	if errX != nil || errY != nil {
		return Result{}, false
	}
	a := action.Action{Type: kind, X: x, Y: y}
	if kind == action.KindClick {
		a.Button = button
	}
	return act(a)
}

func parseSelector(kind action.Kind) parseFunc {
	return func(args []string, _ string) (Result, bool) {
		if len(args) == 0 {
			return Result{}, false
		}
		return act(action.Action{Type: kind, Selector: args[0]})
	}
}

func parsePress(args []string, _ string) (Result, bool) {
	if len(args) == 0 {
		return Result{}, false
	}
	if strings.Contains(args[0], "+") && len(args[0]) > 1 {
		return act(action.Action{Type: action.KindKeyChord, Keys: strings.Split(args[0], "+")})
	}
	return act(action.Action{Type: action.KindPressKey, Key: args[0]})
}

func parseChord(args []string, _ string) (Result, bool) {
	var keys []string
	for _, a := range args {
		for _, k := range strings.Split(a, "+") {
			if k != "" {
				keys = append(keys, k)
			}
		}
	}
	if len(keys) == 0 {
		return Result{}, false
	}
	return act(action.Action{Type: action.KindKeyChord, Keys: keys})
}

const scrollStep = 600

func parseScroll(args []string, _ string) (Result, bool) {
	if len(args) == 0 {
		return act(action.Action{Type: action.KindScroll, DY: scrollStep})
	}
	amount := scrollStep
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			amount = n
		}
	}
	switch strings.ToUpper(args[0]) {
	case "DOWN":
		return act(action.Action{Type: action.KindScroll, DY: amount})
	case "UP":
		return act(action.Action{Type: action.KindScroll, DY: -amount})
	case "RIGHT":
		return act(action.Action{Type: action.KindScroll, DX: amount})
	case "LEFT":
		return act(action.Action{Type: action.KindScroll, DX: -amount})
	}
	joined := strings.Join(args, " ")
	if m := commaPair.FindStringSubmatch(joined); m != nil {
		return scrollBy(m[1], m[2])
	}
	if m := spacePair.FindStringSubmatch(joined); m != nil {
		return scrollBy(m[1], m[2])
	}
	if n, err := strconv.Atoi(args[0]); err == nil && len(args) == 1 {
		return act(action.Action{Type: action.KindScroll, DY: n})
	}
	return Result{}, false
}

func scrollBy(xs, ys string) (Result, bool) {
	dx, errX := strconv.Atoi(xs)
	dy, errY := strconv.Atoi(ys)
	if errX != nil || errY != nil {
		return Result{}, false
	}
	return act(action.Action{Type: action.KindScroll, DX: dx, DY: dy})
}

func hasFlag(args []string, flag string) ([]string, bool) {
	if len(args) > 0 && strings.EqualFold(args[len(args)-1], flag) {
		return args[:len(args)-1], true
	}
	return args, false
}

// parseType handles TYPE "text" and TYPE <index> "text" [CLEAR].
func parseType(args []string, _ string) (Result, bool) {
	args, clear := hasFlag(args, "CLEAR")
	if len(args) == 0 {
		return Result{}, false
	}
	if len(args) >= 2 && bareIndex.MatchString(args[0]) {
		idx, _ := strconv.Atoi(bareIndex.FindStringSubmatch(args[0])[1])
		return act(action.Action{
			Type:  action.KindTypeElement,
			Index: action.Index(idx),
			Text:  strings.Join(args[1:], " "),
			Clear: clear,
		})
	}
	return act(action.Action{Type: action.KindType, Text: strings.Join(args, " ")})
}

func parseTypeSel(args []string, _ string) (Result, bool) {
	args, clear := hasFlag(args, "CLEAR")
	if len(args) < 1 || (len(args) < 2 && !clear) {
		return Result{}, false
	}
	a := action.Action{Type: action.KindTypeInSelector, Selector: args[0], Clear: clear}
	if len(args) > 1 {
		a.Text = strings.Join(args[1:], " ")
	}
	return act(a)
}

func parseSelect(args []string, _ string) (Result, bool) {
	if len(args) < 3 {
		return Result{}, false
	}
	a := action.Action{Type: action.KindSelect, Selector: args[0]}
	val := strings.Join(args[2:], " ")
	switch strings.ToUpper(args[1]) {
	case "VALUE":
		a.Value = val
	case "LABEL", "TEXT":
		a.Label = val
	case "INDEX":
		n, err := strconv.Atoi(val)
		if err != nil {
			return Result{}, false
		}
		a.Index = action.Index(n)
	default:
		return Result{}, false
	}
	return act(a)
}

func parseScreenshot(args []string, _ string) (Result, bool) {
	fields := strings.FieldsFunc(strings.Join(args, " "), func(r rune) bool { return r == ',' || r == ' ' })
	if len(fields) != 4 {
		return act(action.Action{Type: action.KindScreenshotRegion})
	}
	n := make([]int, 4)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return Result{}, false
		}
		n[i] = v
	}
	return act(action.Action{Type: action.KindScreenshotRegion, X: n[0], Y: n[1], Width: n[2], Height: n[3]})
}

func parseExtract(kind action.Kind) parseFunc {
	return func(args []string, _ string) (Result, bool) {
		a := action.Action{Type: kind}
		for i := 0; i < len(args); i++ {
			if strings.EqualFold(args[i], "MAXLEN") && i+1 < len(args) {
				n, err := strconv.Atoi(args[i+1])
				if err != nil {
					return Result{}, false
				}
				a.MaxLen = n
				i++
				continue
			}
			if a.Selector == "" {
				a.Selector = args[i]
			}
		}
		return act(a)
	}
}
