package model

import (
	"time"
)

// RunStatus tracks a reconciliation run through its state machine:
// init -> reading -> aligning -> evaluating -> emitting -> completed,
// with failed reachable from any non-terminal state.
type RunStatus string

const (
	RunStatusInit       RunStatus = "init"
	RunStatusReading    RunStatus = "reading"
	RunStatusAligning   RunStatus = "aligning"
	RunStatusEvaluating RunStatus = "evaluating"
	RunStatusEmitting   RunStatus = "emitting"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state. A
// non-terminal marker for the same target blocks new runs from starting.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunMarker is the persisted identity and audit record of one reconciliation
// run. CutoffUsed is captured at run start so a later change to the
// configured cutoff never rewrites history.
type RunMarker struct {
	RunID       string     `json:"run_id"`
	Target      string     `json:"target"`
	Status      RunStatus  `json:"status"`
	CutoffUsed  float64    `json:"cutoff_used"`
	Window      Window     `json:"window"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Degraded    bool       `json:"degraded,omitempty"`
	Error       string     `json:"error,omitempty"`
}
