package store

import (
	"time"

	"github.com/roach88/rvdebug/internal/trace"
)

// RunInfo describes how a recorded run ended. It is written once, inside
// the run's transaction, as the terminal marker of the trace.
type RunInfo struct {
	RunID      string       `json:"run_id"`
	Workload   string       `json:"workload"`
	StartedAt  time.Time    `json:"started_at"`
	FinalPhase trace.Phase  `json:"final_phase"`
	ExitCode   *int64       `json:"exit_code,omitempty"`
	TestPassed *bool        `json:"test_passed,omitempty"`
	StuckPC    *trace.Value `json:"stuck_pc,omitempty"`
	TimedOut   bool         `json:"timed_out"`
}

// Counts is the number of rows in each trace table.
type Counts struct {
	InitialRegisters int `json:"initial_registers"`
	Instructions     int `json:"instructions"`
	Changes          int `json:"changes"`
	MemoryAccesses   int `json:"memory_accesses"`
}
