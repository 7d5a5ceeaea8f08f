package task

import "time"

// Phase is the lifecycle position of a whole run.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDispatching Phase = "dispatching"
	PhaseRunning     Phase = "running"
	PhaseComplete    Phase = "complete"
)

// RunState is the aggregate view over every task of one run. Order lists
// task identities in input order.
type RunState struct {
	ID          string           `json:"id"`
	Phase       Phase            `json:"phase"`
	Tasks       map[string]State `json:"tasks"`
	Order       []string         `json:"order"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Ordered returns the task states in input order.
func (rs RunState) Ordered() []State {
	out := make([]State, 0, len(rs.Order))
	for _, id := range rs.Order {
		if s, ok := rs.Tasks[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Counts tallies tasks by status.
func (rs RunState) Counts() map[Status]int {
	counts := make(map[Status]int, 5)
	for _, s := range rs.Tasks {
		counts[s.Status]++
	}
	return counts
}

// Clone returns a deep copy.
func (rs RunState) Clone() RunState {
	out := rs
	out.Order = append([]string(nil), rs.Order...)
	out.Tasks = make(map[string]State, len(rs.Tasks))
	for id, s := range rs.Tasks {
		out.Tasks[id] = s.Clone()
	}
	if rs.CompletedAt != nil {
		t := *rs.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
