package harness

import (
	"github.com/roach88/livesync/internal/ir"
)

// Trace event types.
const (
	TypeStep    = "step"
	TypeDeliver = "deliver"
	TypeEvent   = "event"
)

// TraceEvent is one observation recorded while a scenario runs: a step
// that was executed, a value delivered to a subscriber, or an engine event.
type TraceEvent struct {
	Type string `json:"type"` // "step", "deliver" or "event"

	// Step is the zero-based index of the step that produced this entry.
	Step int `json:"step"`

	// Action is the step action for steps and the event type for events.
	Action string `json:"action,omitempty"`

	Subscription string `json:"subscription,omitempty"`
	Query        string `json:"query,omitempty"`
	Table        string `json:"table,omitempty"`
	Mutation     string `json:"mutation,omitempty"`

	// Outcome is the result of a mutate or refresh step.
	Outcome string `json:"outcome,omitempty"`

	// Value is the delivered value.
	Value any `json:"value,omitempty"`

	// Optimistic is set on deliveries that include unconfirmed writes.
	Optimistic bool `json:"optimistic,omitempty"`
}

// Label returns the string trace assertions match against:
// "step:<action>", "deliver:<subscription>" or "event:<type>".
func (e TraceEvent) Label() string {
	if e.Type == TypeDeliver {
		return e.Type + ":" + e.Subscription
	}
	return e.Type + ":" + e.Action
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains all steps, deliveries and events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State contains the backend tables after the last step.
	State map[string][]ir.Record `json:"state,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string][]ir.Record),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Labels returns the label of every trace entry in order.
func (r *Result) Labels() []string {
	labels := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		labels[i] = ev.Label()
	}
	return labels
}

// Deliveries returns every value delivered to subscription, oldest first.
func (r *Result) Deliveries(subscription string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == TypeDeliver && ev.Subscription == subscription {
			out = append(out, ev)
		}
	}
	return out
}
