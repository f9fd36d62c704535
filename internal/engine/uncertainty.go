package engine

import "strings"

// UncertaintyFunc reports whether raw model output hedges.
type UncertaintyFunc func(raw string) bool

var hedges = []string{
	"not sure",
	"unsure",
	"uncertain",
	"unclear",
	"i don't know",
	"i do not know",
	"i can't tell",
	"i cannot tell",
	"hard to tell",
	"cannot determine",
	"can't determine",
	"i guess",
	"might be",
	"maybe",
	"perhaps",
	"possibly",
	"not certain",
	"no idea",
}

// DefaultUncertainty matches a fixed list of hedging phrases.
func DefaultUncertainty(raw string) bool {
	s := strings.ToLower(raw)
	for _, h := range hedges {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
