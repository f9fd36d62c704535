package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
)

func mustParse(t *testing.T, raw string) Result {
	t.Helper()
	res, ok := ParseLine(raw)
	require.True(t, ok, "expected %q to parse", raw)
	return res
}

func TestParseLineForms(t *testing.T) {
	tests := []struct {
		raw  string
		want action.Action
	}{
		{"GOTO https://example.com", action.Action{Type: action.KindGoto, URL: "https://example.com"}},
		{"NAVIGATE example.com", action.Action{Type: action.KindGoto, URL: "example.com"}},
		{"WAIT 2 s", action.Wait(2000)},
		{"WAIT 3", action.Wait(3000)},
		{"WAIT 500", action.Wait(500)},
		{"WAIT 250 ms", action.Wait(250)},
		{"WAIT 2s", action.Wait(2000)},
		{"WAIT", action.Wait(1000)},
		{"CLICK 12", action.Action{Type: action.KindClickElement, Index: action.Index(12)}},
		{"CLICK [4]", action.Action{Type: action.KindClickElement, Index: action.Index(4)}},
		{"CLICK 120,340", action.Action{Type: action.KindClick, X: 120, Y: 340}},
		{"CLICK 120, 340 RIGHT", action.Action{Type: action.KindClick, X: 120, Y: 340, Button: "right"}},
		{"CLICK 120 340", action.Action{Type: action.KindClick, X: 120, Y: 340}},
		{`CLICK "#submit"`, action.Action{Type: action.KindClickSelector, Selector: "#submit"}},
		{`CLICKSEL "a.more"`, action.Action{Type: action.KindClickSelector, Selector: "a.more"}},
		{"HOVER 3", action.Action{Type: action.KindHover, Index: action.Index(3)}},
		{"HOVER 10,20", action.Action{Type: action.KindHover, X: 10, Y: 20}},
		{"PRESS Enter", action.Action{Type: action.KindPressKey, Key: "Enter"}},
		{"KEY ctrl+l", action.Action{Type: action.KindKeyChord, Keys: []string{"ctrl", "l"}}},
		{"CHORD Control+Shift+T", action.Action{Type: action.KindKeyChord, Keys: []string{"Control", "Shift", "T"}}},
		{"SCROLL DOWN", action.Action{Type: action.KindScroll, DY: 600}},
		{"SCROLL UP 300", action.Action{Type: action.KindScroll, DY: -300}},
		{"SCROLL 0 900", action.Action{Type: action.KindScroll, DY: 900}},
		{`TYPE "hello world"`, action.Action{Type: action.KindType, Text: "hello world"}},
		{`TYPE 2 "query" CLEAR`, action.Action{Type: action.KindTypeElement, Index: action.Index(2), Text: "query", Clear: true}},
		{`TYPESEL "#q" "hello" CLEAR`, action.Action{Type: action.KindTypeInSelector, Selector: "#q", Text: "hello", Clear: true}},
		{`TYPESEL "#q" CLEAR`, action.Action{Type: action.KindTypeInSelector, Selector: "#q", Clear: true}},
		{`SELECT "#color" INDEX 2`, action.Action{Type: action.KindSelect, Selector: "#color", Index: action.Index(2)}},
		{`SELECT "#color" VALUE red`, action.Action{Type: action.KindSelect, Selector: "#color", Value: "red"}},
		{`SELECT "#color" LABEL "Dark red"`, action.Action{Type: action.KindSelect, Selector: "#color", Label: "Dark red"}},
		{`CHECK "#terms"`, action.Action{Type: action.KindCheckSelector, Selector: "#terms"}},
		{`SUBMIT "form"`, action.Action{Type: action.KindSubmitSelector, Selector: "form"}},
		{"SCREENSHOT 0 0 400 300", action.Action{Type: action.KindScreenshotRegion, Width: 400, Height: 300}},
		{"EXTRACT", action.Action{Type: action.KindExtractText}},
		{`EXTRACT "main" MAXLEN 7000`, action.Action{Type: action.KindExtractText, Selector: "main", MaxLen: 7000}},
		{`READ "article"`, action.Action{Type: action.KindExtractText, Selector: "article"}},
		{`EXTRACTHTML "nav"`, action.Action{Type: action.KindExtractHTML, Selector: "nav"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res := mustParse(t, tt.raw)
			assert.False(t, res.Done)
			assert.Equal(t, tt.want, res.Action)
		})
	}
}

func TestParseLineDone(t *testing.T) {
	res := mustParse(t, "DONE task complete")
	assert.True(t, res.Done)
	assert.Equal(t, "task complete", res.Message)

	res = mustParse(t, "DONE")
	assert.True(t, res.Done)
	assert.Empty(t, res.Message)
}

func TestParseLineReasoningBeforeCommand(t *testing.T) {
	tests := []struct {
		raw  string
		want action.Action
	}{
		{"Type the query into the search field next.\nTYPE 3 \"shoes\"", action.Action{Type: action.KindTypeElement, Index: action.Index(3), Text: "shoes"}},
		{"Check the page for a login link.\nCLICK 2", action.Action{Type: action.KindClickElement, Index: action.Index(2)}},
		{"Read the results before choosing.\nCLICK 5", action.Action{Type: action.KindClickElement, Index: action.Index(5)}},
		{"Done with the cookie banner, now searching.\nCLICK 4", action.Action{Type: action.KindClickElement, Index: action.Index(4)}},
		{"Select the second option, then submit.\nSCROLL DOWN", action.Action{Type: action.KindScroll, DY: 600}},
		{"The goal is not DONE yet so CLICK 3", action.Action{Type: action.KindClickElement, Index: action.Index(3)}},
		{"I could ASK \"which one?\" but GOTO example.com first", action.Action{Type: action.KindGoto, URL: "example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			res := mustParse(t, tt.raw)
			assert.False(t, res.Done)
			assert.Equal(t, tt.want, res.Action)
		})
	}
}

func TestParseLineKeywordsAreUpperCase(t *testing.T) {
	for _, raw := range []string{
		"done",
		"Done with the banner.",
		"type hello",
		"Scroll down a bit",
		"The task is DONE",
		"Maybe I should ASK \"what now?\"",
	} {
		_, ok := ParseLine(raw)
		assert.False(t, ok, raw)
	}
}

func TestParseLineAsk(t *testing.T) {
	res := mustParse(t, `ASK "Which account should I use?"`)
	assert.Equal(t, action.KindAskUser, res.Action.Type)
	assert.Equal(t, "Which account should I use?", res.Action.Question)

	_, ok := ParseLine("ASK")
	assert.False(t, ok)
}

func TestParseLineStripsDecorations(t *testing.T) {
	for _, raw := range []string{
		"- CLICK 12",
		"* CLICK 12",
		"1. CLICK 12",
		"2) CLICK 12",
		"> CLICK 12",
		"`CLICK 12`",
		"Action: CLICK 12",
		"Next action - CLICK 12",
	} {
		res := mustParse(t, raw)
		assert.Equal(t, action.KindClickElement, res.Action.Type, raw)
		assert.Equal(t, 12, *res.Action.Index, raw)
	}
}

func TestParseLineScansWholeText(t *testing.T) {
	raw := "The search box is visible.\nI think the best move is to TYPE 3 \"weather\"\n"
	res := mustParse(t, raw)
	assert.Equal(t, action.KindTypeElement, res.Action.Type)
	assert.Equal(t, "weather", res.Action.Text)

	res = mustParse(t, "Looking at the page.\nGOTO https://news.ycombinator.com\nthen WAIT 2")
	assert.Equal(t, action.KindGoto, res.Action.Type)
}

func TestParseLineRejectsProse(t *testing.T) {
	for _, raw := range []string{
		"",
		"I am not sure what to do here.",
		"Click the big blue button",
		"Wait for the page to load",
		"Open the menu",
	} {
		_, ok := ParseLine(raw)
		assert.False(t, ok, raw)
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"TYPESEL", "#q", "hello world"}, tokenize(`TYPESEL #q "hello world"`))
	assert.Equal(t, []string{"a b", `c"d`}, tokenize(`'a b' "c\"d"`))
	assert.Equal(t, []string{"don't", "stop"}, tokenize(`don't stop`))
	assert.Equal(t, []string{"line\nbreak"}, tokenize(`"line\nbreak"`))
	assert.Equal(t, []string{"open ended"}, tokenize(`"open ended`))
}

func TestRenderRoundTrip(t *testing.T) {
	ctx := action.Context{
		Viewport: domain.Viewport{Width: 1024, Height: 768},
		Elements: []domain.Element{
			{Tag: "a", Box: domain.Box{X: 10, Y: 10, W: 20, H: 10}},
			{Tag: "input", Box: domain.Box{X: 100, Y: 70, W: 40, H: 20}},
		},
	}
	raws := []action.Action{
		{Type: action.KindGoto, URL: "https://example.com/path?q=1"},
		action.Wait(1500),
		{Type: action.KindAskUser, Question: "Which plan do you want?"},
		{Type: action.KindClick, X: 40, Y: 50, Button: "middle"},
		{Type: action.KindClickElement, Index: action.Index(2)},
		{Type: action.KindHover, Index: action.Index(1)},
		{Type: action.KindHoverSelector, Selector: "nav > li"},
		{Type: action.KindPressKey, Key: "space"},
		{Type: action.KindKeyChord, Keys: []string{"ctrl", "shift", "t"}},
		{Type: action.KindScroll, DX: -20, DY: 300},
		{Type: action.KindType, Text: `say "hi" \ bye`},
		{Type: action.KindTypeInSelector, Selector: `input[name="q"]`, Text: "golang", Clear: true},
		{Type: action.KindTypeElement, Index: action.Index(2), Text: "rome"},
		{Type: action.KindFocusSelector, Selector: "#email"},
		{Type: action.KindClearSelector, Selector: "#email"},
		{Type: action.KindUncheckSelector, Selector: "#newsletter"},
		{Type: action.KindSelect, Selector: "#size", Label: "Extra large"},
		{Type: action.KindSelect, Selector: "#size", Index: action.Index(0)},
		{Type: action.KindSelect, Selector: "#size", Value: "xl"},
		{Type: action.KindScreenshotRegion, X: 10, Y: 20, Width: 300, Height: 200},
		{Type: action.KindExtractText, Selector: "main"},
		{Type: action.KindExtractHTML, Selector: "table", MaxLen: 9000},
	}
	for _, raw := range raws {
		want, err := action.Normalize(raw, ctx)
		require.NoError(t, err, raw.Type)

		line := Render(want)
		res, ok := ParseLine(line)
		require.True(t, ok, line)
		got, err := action.Normalize(res.Action, ctx)
		require.NoError(t, err, line)
		assert.Equal(t, want, got, line)
	}
}

func TestRenderDone(t *testing.T) {
	assert.Equal(t, "DONE", RenderDone(""))
	res := mustParse(t, RenderDone("found it"))
	assert.True(t, res.Done)
	assert.Equal(t, "found it", res.Message)
}
