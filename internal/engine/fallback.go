package engine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/domain"
	"github.com/ashureev/webpilot/internal/session"
)

const fallbackScroll = 600

var (
	ctaPattern    = regexp.MustCompile(`(?i)\b(get started|continue|next|accept( all)?|agree|i agree|sign up|start|submit|search|go|ok|yes|allow|proceed|show more|load more)\b`)
	fieldPattern  = regexp.MustCompile(`(?i)\b(search|query|find|email|e-mail|user ?name|login|log in|sign in)\b`)
	navPattern    = regexp.MustCompile(`(?i)\b(menu|navigation|nav|home|more|browse|categories)\b`)
	clickableTags = map[string]bool{"a": true, "button": true, "summary": true}
	fieldTags     = map[string]bool{"input": true, "textarea": true}
)

type fallbackRule struct {
	name  string
	match func(el domain.Element) bool
}

var fallbackRules = []fallbackRule{
	{"call_to_action", func(el domain.Element) bool {
		return (clickableTags[strings.ToLower(el.Tag)] || el.Role == "button" || el.Role == "link") && ctaPattern.MatchString(el.Label)
	}},
	{"input_field", func(el domain.Element) bool {
		isField := fieldTags[strings.ToLower(el.Tag)] || el.Role == "searchbox" || el.Role == "textbox" || el.Role == "combobox"
		return isField && (fieldPattern.MatchString(el.Label) || el.Role == "searchbox")
	}},
	{"navigation", func(el domain.Element) bool {
		return el.Role == "navigation" || el.Role == "menuitem" || el.Role == "menu" || navPattern.MatchString(el.Label)
	}},
}

// fallback synthesizes a deterministic action from the current elements:
// a call to action, then a search or login field, then a navigation
// control, else a scroll down. Elements whose click would repeat the last
// recorded action are skipped.
func (e *Engine) fallback(st *session.State) Decision {
	ctx := e.actionContext(st)
	var last string
	if recent := st.Fingerprints.Last(1); len(recent) == 1 {
		last = recent[0]
	}

	for _, rule := range fallbackRules {
		for i, el := range ctx.Elements {
			if !rule.match(el) {
				continue
			}
			a, err := action.Normalize(action.Action{Type: action.KindClickElement, Index: action.Index(i + 1)}, ctx)
			if err != nil {
				continue
			}
			fp := action.Fingerprint(a)
			if fp == last {
				continue
			}
			st.Fingerprints.Push(fp)
			return Decision{
				Action:      a,
				Explanation: "fallback (" + rule.name + "): clicking element " + strconv.Itoa(i+1) + " " + quoteLabel(el.Label),
				Source:      SourceFallback,
			}
		}
	}

	a := action.Action{Type: action.KindScroll, DY: fallbackScroll}
	st.Fingerprints.Push(action.Fingerprint(a))
	return Decision{Action: a, Explanation: "fallback: scrolling down", Source: SourceFallback}
}

func quoteLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	return "\"" + action.Truncate(label, 60) + "\""
}
