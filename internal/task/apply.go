package task

import (
	"encoding/json"
	"time"
)

// Apply folds one frame into a task state and reports whether anything
// changed. It is pure: s is never modified in place. Terminal states absorb
// every frame and unknown kinds are ignored.
func Apply(s State, f Frame, now time.Time) (State, bool) {
	if s.Status.Terminal() {
		return s, false
	}

	switch f.Kind {
	case KindProgress:
		history := make([]string, len(s.History), len(s.History)+1)
		copy(history, s.History)
		s.History = append(history, f.Message)
		s.Status = StatusRunning

	case KindPreview:
		if f.Preview == "" || (f.Preview == s.Preview && s.Status == StatusRunning) {
			return s, false
		}
		s.Preview = f.Preview
		s.Status = StatusRunning

	case KindResult:
		payload := f.Result
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		s.Result = append(json.RawMessage(nil), payload...)
		s.Status = StatusComplete
		s.Preview = ""
		s.CompletedAt = &now

	case KindFailure:
		reason := f.Reason
		if reason == "" {
			reason = "unknown error"
		}
		s.Error = reason
		s.Status = StatusError
		s.Preview = ""
		s.CompletedAt = &now

	default:
		return s, false
	}

	return s, true
}

// Connect marks a pending task as dispatched.
func Connect(s State) (State, bool) {
	if s.Status != StatusPending {
		return s, false
	}
	s.Status = StatusConnecting
	return s, true
}
