package harness

import (
	"github.com/roach88/rvdebug/internal/session"
	"github.com/roach88/rvdebug/internal/trace"
)

// Entry is one recorded instruction with the state right after it.
type Entry struct {
	Snapshot trace.Snapshot      `json:"snapshot"`
	Memory   []trace.MemoryAccess `json:"memory"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion and trace property held.
	Pass bool `json:"pass"`

	// Outcome is how the recording ended.
	Outcome session.Outcome `json:"outcome"`

	// Trace holds every recorded instruction in retirement order.
	Trace []Entry `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []Entry{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
