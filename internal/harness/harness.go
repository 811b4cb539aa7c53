package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/rvdebug/internal/oracle"
	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/query"
	"github.com/roach88/rvdebug/internal/session"
	"github.com/roach88/rvdebug/internal/store"
	"github.com/roach88/rvdebug/internal/testutil"
)

// startedAt is the fixed start time of every scenario run.
var startedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Run records a scenario into a database under dir and evaluates its
// assertions.
//
// Execution flow:
// 1. Script a FakeSim from the program
// 2. Record it through session.Record with a fixed run id and clock
// 3. Reopen the database read-only and replay every instruction
// 4. Check the trace properties and the scenario's assertions
func Run(scenario *Scenario, dir string) (*Result, error) {
	ctx := context.Background()

	sim := testutil.NewFakeSim(scenario.Program...)
	for name, v := range scenario.Registers {
		sim.SetReg(name, v)
	}
	sim.ExitCode = scenario.ExitCode
	sim.UndecodableSkipsUID = scenario.UndecodableSkipsUID
	if scenario.TestPassed != nil {
		sim.TestPassed = *scenario.TestPassed
	}

	cfg := session.Config{
		Launch:   func(context.Context) (protocol.Requester, error) { return sim, nil },
		Workload: scenario.Name,
		Database: filepath.Join(dir, scenario.Name+".db"),
		KillCode: scenario.KillCode,
		RunIDs:   testutil.NewFixedRunIDGenerator(scenario.Name),
		Now:      func() time.Time { return startedAt },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if scenario.Oracle != "" {
		ix, err := oracle.Parse(strings.NewReader(scenario.Oracle))
		if err != nil {
			return nil, fmt.Errorf("parse oracle: %w", err)
		}
		cfg.Oracle = ix
	}

	out, err := session.Record(ctx, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("record scenario %s: %w", scenario.Name, err)
	}

	st, err := store.OpenReadOnly(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("reopen trace: %w", err)
	}
	defer st.Close()
	q := query.New(st)

	result := NewResult()
	result.Outcome = out
	if err := collectTrace(ctx, q, result); err != nil {
		return nil, err
	}

	for _, msg := range CheckTraceProperties(ctx, q, result.Trace) {
		result.AddError(msg)
	}

	actx := &AssertionContext{Store: st, Query: q, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// collectTrace replays every recorded instruction.
func collectTrace(ctx context.Context, q *query.StateQuery, result *Result) error {
	insts, err := q.Instructions(ctx)
	if err != nil {
		return fmt.Errorf("list instructions: %w", err)
	}
	for _, inst := range insts {
		snap, err := q.SnapshotAt(ctx, inst.UID)
		if err != nil {
			return fmt.Errorf("replay uid %d: %w", inst.UID, err)
		}
		mem, err := q.MemoryAccesses(ctx, inst.UID)
		if err != nil {
			return fmt.Errorf("memory at uid %d: %w", inst.UID, err)
		}
		result.Trace = append(result.Trace, Entry{Snapshot: snap, Memory: mem})
	}
	return nil
}
