package engine

import (
	"fmt"
	"strings"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/session"
)

// SystemPrompt describes the command grammar the model must answer in.
const SystemPrompt = `You control a web browser to accomplish the user's goal.
Reply with exactly ONE line containing one command. Commands are written in UPPER CASE as shown. Optionally add one short sentence of reasoning on a separate line before it.

Commands:
GOTO <url>
CLICK <element index> | CLICK <x>,<y> [LEFT|RIGHT|MIDDLE]
CLICKSEL "<css selector>"
HOVER <element index> | HOVER <x>,<y>
HOVERSEL "<css selector>"
TYPE "<text>"                  (types into the focused field)
TYPE <element index> "<text>" [CLEAR]
TYPESEL "<css selector>" "<text>" [CLEAR]
FOCUS | CLEAR | CHECK | UNCHECK | SUBMIT "<css selector>"
SELECT "<css selector>" VALUE <v> | LABEL <text> | INDEX <n>
PRESS <key>                    (Enter, Tab, Escape, ArrowDown, ...)
CHORD <key>+<key>              (Control+L, Shift+Tab, ...)
SCROLL DOWN | SCROLL UP | SCROLL <dx> <dy>
WAIT <n> [ms|s]
EXTRACT ["<css selector>"] [MAXLEN <n>]
EXTRACTHTML ["<css selector>"] [MAXLEN <n>]
SCREENSHOT <x> <y> <width> <height>
ASK <question for the user>
DONE <short summary of the result>

If you are unsure what is on the page, use EXTRACT "main" to read it instead of guessing.
Use DONE only when the goal is fully accomplished.`

// BuildPrompt renders the per-cycle prompt from a session snapshot.
func BuildPrompt(v session.View, cfg Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "GOAL: %s\n", v.Goal)
	if v.Observation != nil {
		fmt.Fprintf(&b, "URL: %s\n", v.Observation.URL)
		fmt.Fprintf(&b, "VIEWPORT: %dx%d\n", v.Observation.Viewport.Width, v.Observation.Viewport.Height)
	}

	notes := v.Corrections
	if len(notes) > cfg.PromptNotes {
		notes = notes[len(notes)-cfg.PromptNotes:]
	}
	if len(notes) > 0 {
		b.WriteString("\nNOTES (oldest first):\n")
		for _, c := range notes {
			fmt.Fprintf(&b, "- [%s] %s\n", c.Mode, c.Text)
		}
	}

	limit := cfg.MaxElements
	if v.Read.Active {
		limit = cfg.ReadModeElements
	}
	if v.Observation != nil && len(v.Observation.Elements) > 0 {
		b.WriteString("\nELEMENTS (index tag/role \"label\" @x,y):\n")
		for i, el := range v.Observation.Elements {
			if i >= limit {
				fmt.Fprintf(&b, "... %d more not shown\n", len(v.Observation.Elements)-limit)
				break
			}
			x, y := el.Center()
			kind := el.Tag
			if el.Role != "" && el.Role != el.Tag {
				kind += "/" + el.Role
			}
			fmt.Fprintf(&b, "%d %s %q @%d,%d", i+1, kind, action.Truncate(strings.Join(strings.Fields(el.Label), " "), cfg.LabelLen), x, y)
			if el.Href != "" {
				fmt.Fprintf(&b, " href=%s", action.Truncate(el.Href, 120))
			}
			if el.Value != "" {
				fmt.Fprintf(&b, " value=%q", action.Truncate(el.Value, 60))
			}
			b.WriteByte('\n')
		}
	} else {
		b.WriteString("\nELEMENTS: none detected\n")
	}

	b.WriteString("\nReply with exactly one command line.")
	return b.String()
}
