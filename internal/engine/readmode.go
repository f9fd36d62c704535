package engine

import (
	"time"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/session"
)

// readMode proposes a text extraction in place of guessing. It alternates
// between main and body, widens maxLen after repeated reads and is
// unavailable while a prior read is pending or within ReadInterval of it.
func (e *Engine) readMode(st *session.State, now time.Time, reason string) (Decision, bool) {
	if !e.readAvailable(st, now) {
		return Decision{}, false
	}
	selector := "main"
	if st.Read.LastSelector == "main" {
		selector = "body"
	}
	maxLen := e.cfg.ReadMaxLen
	if st.Read.Streak >= e.cfg.ReadEscalateStreak {
		maxLen = e.cfg.ReadEscalatedMaxLen
	}
	a := action.Action{Type: action.KindExtractText, Selector: selector, MaxLen: maxLen}
	e.markRead(st, a, now)
	st.Read.Streak++
	return Decision{Action: a, Explanation: "reading the page: " + reason, Source: SourceReadMode}, true
}

func (e *Engine) readAvailable(st *session.State, now time.Time) bool {
	if st.Read.Pending && now.Sub(st.Read.PendingSince) < e.cfg.ReadPendingTimeout {
		return false
	}
	if !st.Read.LastAt.IsZero() && now.Sub(st.Read.LastAt) < e.cfg.ReadInterval {
		return false
	}
	return true
}

func (e *Engine) markRead(st *session.State, a action.Action, now time.Time) {
	st.Read.Active = true
	st.Read.Tried = true
	st.Read.LastSelector = a.Selector
	st.Read.LastKind = a.Type
	st.Read.LastAt = now
	st.Read.Pending = true
	st.Read.PendingSince = now
}
