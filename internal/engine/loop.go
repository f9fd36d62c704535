package engine

import (
	"time"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/command"
	"github.com/ashureev/webpilot/internal/session"
)

// isLoop reports whether appending next to history would leave the last
// repeat entries identical, or the last alternation entries alternating
// between two distinct fingerprints.
func isLoop(history []string, next string, repeat, alternation int) bool {
	seq := append(append(make([]string, 0, len(history)+1), history...), next)

	if repeat > 1 && len(seq) >= repeat {
		tail := seq[len(seq)-repeat:]
		same := true
		for _, fp := range tail[1:] {
			if fp != tail[0] {
				same = false
				break
			}
		}
		if same {
			return true
		}
	}

	if alternation >= 4 && len(seq) >= alternation {
		tail := seq[len(seq)-alternation:]
		a, b := tail[0], tail[1]
		if a == b {
			return false
		}
		for i, fp := range tail {
			if (i%2 == 0 && fp != a) || (i%2 == 1 && fp != b) {
				return false
			}
		}
		return true
	}
	return false
}

// breakLoop replaces a repeating action with a read or a scroll.
func (e *Engine) breakLoop(st *session.State, repeated action.Action, now time.Time) Decision {
	st.AddCorrection("You are repeating yourself ("+command.Render(repeated)+"). It is not making progress; choose a different action.", session.ModeSystem, now)

	d, ok := e.readMode(st, now, "breaking a repeated action")
	if !ok {
		d = Decision{
			Action:      action.Action{Type: action.KindScroll, DY: fallbackScroll},
			Explanation: "scrolling to break a repeated action",
		}
	}
	d.Source = SourceLoopBreak
	st.Fingerprints.Push(action.Fingerprint(d.Action))
	return d
}
