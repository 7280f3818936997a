// Package progress defines the events long-running catalog jobs emit while they work.
package progress

// Type classifies a progress event.
type Type string

const (
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Phase names the stage of a job an event belongs to.
type Phase string

const (
	PhaseResolve  Phase = "resolve"
	PhaseSubmit   Phase = "submit"
	PhaseSearch   Phase = "search"
	PhaseStock    Phase = "stock"
	PhaseFinalize Phase = "finalize"
)

// Event is a single progress notification. Counts are only meaningful for the
// event types that carry them.
type Event struct {
	Type        Type   `json:"type"`
	Phase       Phase  `json:"phase,omitempty"`
	Message     string `json:"message,omitempty"`
	Current     int    `json:"current,omitempty"`
	Total       int    `json:"total,omitempty"`
	AddedCount  int    `json:"books_added_count,omitempty"`
	FailedCount int    `json:"books_failed_count,omitempty"`
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Reporter receives progress events. Implementations must be safe for concurrent use.
type Reporter func(Event)

// Emit sends ev to r, ignoring a nil reporter.
func (r Reporter) Emit(ev Event) {
	if r != nil {
		r(ev)
	}
}

// Status emits a status event.
func (r Reporter) Status(phase Phase, message string) {
	r.Emit(Event{Type: TypeStatus, Phase: phase, Message: message})
}

// Step emits a progress event for current out of total.
func (r Reporter) Step(phase Phase, message string, current, total int) {
	r.Emit(Event{Type: TypeProgress, Phase: phase, Message: message, Current: current, Total: total})
}

// Fanout returns a Reporter delivering every event to each non-nil reporter in order.
func Fanout(reporters ...Reporter) Reporter {
	return func(ev Event) {
		for _, r := range reporters {
			r.Emit(ev)
		}
	}
}
