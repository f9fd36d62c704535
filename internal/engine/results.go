package engine

import (
	"fmt"

	"github.com/ashureev/webpilot/internal/action"
	"github.com/ashureev/webpilot/internal/command"
	"github.com/ashureev/webpilot/internal/session"
	"github.com/ashureev/webpilot/internal/shared"
)

// NoteResult folds an executor result for stepID into the session's
// corrections and clears a pending read. An unknown stepID is a protocol
// error and leaves the session untouched.
func (e *Engine) NoteResult(s *session.Session, stepID string, ok bool, errText string, data *action.ResultData) error {
	now := e.now()
	var err error
	s.Update(func(st *session.State) {
		step, found := st.Dispatched[stepID]
		if !found {
			err = fmt.Errorf("%w: no dispatched step %q", shared.ErrProtocol, stepID)
			return
		}
		delete(st.Dispatched, stepID)

		if action.IsExtraction(step.Action.Type) {
			st.Read.Pending = false
		}
		if !ok {
			st.AddCorrection(fmt.Sprintf("%s failed: %s. Try a different approach.", command.Render(step.Action), errText), session.ModeError, now)
			return
		}
		if data == nil {
			return
		}
		switch {
		case data.Text != "" || data.HTML != "":
			src := data.Selector
			if src == "" {
				src = step.Action.Selector
			}
			st.AddCorrection(fmt.Sprintf("Content of %q:\n%s", src, data.Content()), session.ModeExtraction, now)
		case data.Image != "":
			st.AddCorrection("Screenshot captured and shown to the user.", session.ModeSystem, now)
		}
	})
	return err
}
