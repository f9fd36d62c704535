package command

import (
	"regexp"
	"strings"
)

var (
	decoration = regexp.MustCompile("^\\s*(?:[-*•>]+|\\d+[.)]|`+)\\s*")
	labelled   = regexp.MustCompile(`(?i)^(?:action|command|next(?:\s+action)?|answer|output)\s*[:=-]\s*`)
)

// cleanLine strips list bullets, numbering, quote markers, code fences and
// "Action:" style labels from the start of a line.
func cleanLine(line string) string {
	s := strings.TrimSpace(line)
	for {
		next := decoration.ReplaceAllString(s, "")
		next = labelled.ReplaceAllString(next, "")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(strings.TrimRight(s, "`"))
}

// tokenize splits s on whitespace, keeping double- or single-quoted runs
// together. Double-quoted runs honour \" \\ \n and \t escapes; single-quoted
// runs are literal. An unterminated quote runs to the end of the input.
func tokenize(s string) []string {
	var (
		tokens []string
		cur    strings.Builder
		quote  rune
		inTok  bool
		escape bool
	)
	flush := func() {
		if inTok {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inTok = false
		}
	}
	for _, r := range s {
		switch {
		case escape:
			switch r {
			case 'n':
				cur.WriteRune('\n')
			case 't':
				cur.WriteRune('\t')
			default:
				cur.WriteRune(r)
			}
			escape = false
		case quote == '"' && r == '\\':
			escape = true
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			if inTok && r == '\'' {
				// apostrophe inside a bare word, e.g. don't
				cur.WriteRune(r)
				continue
			}
			quote = r
			inTok = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	flush()
	return tokens
}

// quote renders s as a double-quoted token that tokenize reads back as s.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\t", `\t`)
	return `"` + r.Replace(s) + `"`
}

// unquoteRest returns rest with one layer of wrapping quotes removed.
func unquoteRest(rest string) string {
	rest = strings.TrimSpace(rest)
	if toks := tokenize(rest); len(toks) == 1 && len(rest) >= 2 && (rest[0] == '"' || rest[0] == '\'') {
		return toks[0]
	}
	return rest
}
