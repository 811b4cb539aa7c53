// Package query reconstructs machine state from a recorded trace without
// re-running the simulator.
//
// A snapshot at an instruction is the initial register file with every
// recorded change up to and including that instruction applied in
// retirement (uid) order. PCs play no part in ordering, so loops and
// backward branches replay correctly.
package query

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/roach88/rvdebug/internal/store"
	"github.com/roach88/rvdebug/internal/trace"
)

// ErrNotFound is returned when no instruction matches a PC or uid.
var ErrNotFound = errors.New("query: instruction not found")

// StateQuery answers state questions about one recorded run. It must only
// be used after the recording session has committed.
type StateQuery struct {
	st    *store.Store
	owned bool

	initial map[string]trace.Value
}

// Open opens the trace database at path with its own read-only connection.
func Open(path string) (*StateQuery, error) {
	st, err := store.OpenReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &StateQuery{st: st, owned: true}, nil
}

// New queries an already open store. Close does not close st.
func New(st *store.Store) *StateQuery {
	return &StateQuery{st: st}
}

// Close releases the connection opened by Open.
func (q *StateQuery) Close() error {
	if !q.owned {
		return nil
	}
	return q.st.Close()
}

func (q *StateQuery) initialRegisters(ctx context.Context) (map[string]trace.Value, error) {
	if q.initial != nil {
		return q.initial, nil
	}
	regs, err := q.st.ReadInitialRegisters(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]trace.Value, len(regs))
	for _, r := range regs {
		m[r.Name] = r.Value
	}
	q.initial = m
	return m, nil
}

// InitialState returns the register file before the first instruction,
// at the PC of the first recorded instruction. It has no changes.
func (q *StateQuery) InitialState(ctx context.Context) (trace.Snapshot, error) {
	initial, err := q.initialRegisters(ctx)
	if err != nil {
		return trace.Snapshot{}, fmt.Errorf("initial state: %w", err)
	}

	snap := trace.Snapshot{
		Changes:   map[string]trace.Change{},
		Registers: maps.Clone(initial),
		Expected:  map[string]trace.Value{},
	}
	first, found, err := q.st.FirstInstruction(ctx)
	if err != nil {
		return trace.Snapshot{}, fmt.Errorf("initial state: %w", err)
	}
	if found {
		snap.PC = first.PC
	}
	return snap, nil
}

// Snapshot returns the state right after the first retirement at pc.
func (q *StateQuery) Snapshot(ctx context.Context, pc trace.Value) (trace.Snapshot, error) {
	inst, found, err := q.st.FirstInstructionAt(ctx, pc)
	if err != nil {
		return trace.Snapshot{}, fmt.Errorf("snapshot at pc %s: %w", pc, err)
	}
	if !found {
		return trace.Snapshot{}, fmt.Errorf("snapshot at pc %s: %w", pc, ErrNotFound)
	}
	return q.replay(ctx, inst)
}

// SnapshotAt returns the state right after the instruction with uid
// retired.
func (q *StateQuery) SnapshotAt(ctx context.Context, uid uint64) (trace.Snapshot, error) {
	inst, found, err := q.st.ReadInstruction(ctx, uid)
	if err != nil {
		return trace.Snapshot{}, fmt.Errorf("snapshot at uid %d: %w", uid, err)
	}
	if !found {
		return trace.Snapshot{}, fmt.Errorf("snapshot at uid %d: %w", uid, ErrNotFound)
	}
	return q.replay(ctx, inst)
}

func (q *StateQuery) replay(ctx context.Context, target trace.Instruction) (trace.Snapshot, error) {
	initial, err := q.initialRegisters(ctx)
	if err != nil {
		return trace.Snapshot{}, fmt.Errorf("replay: %w", err)
	}
	changes, err := q.st.ReadChangesThrough(ctx, target.UID)
	if err != nil {
		return trace.Snapshot{}, fmt.Errorf("replay: %w", err)
	}

	snap := trace.Snapshot{
		UID:       target.UID,
		PC:        target.PC,
		Opcode:    target.Opcode,
		Dasm:      target.Dasm,
		Changes:   map[string]trace.Change{},
		Registers: maps.Clone(initial),
		Expected:  map[string]trace.Value{},
	}
	for _, c := range changes {
		if c.UID == target.UID {
			snap.Changes[c.Name] = trace.Change{Previous: snap.Registers[c.Name], Current: c.Value}
			if c.Expected != nil {
				snap.Expected[c.Name] = *c.Expected
			}
		}
		snap.Registers[c.Name] = c.Value
	}
	return snap, nil
}

// Instructions lists every recorded instruction in retirement order.
func (q *StateQuery) Instructions(ctx context.Context) ([]trace.Instruction, error) {
	return q.st.ReadInstructions(ctx)
}

// Mnemonic returns the mnemonic of the first instruction retired at pc.
func (q *StateQuery) Mnemonic(ctx context.Context, pc trace.Value) (string, error) {
	inst, found, err := q.st.FirstInstructionAt(ctx, pc)
	if err != nil {
		return "", fmt.Errorf("mnemonic at pc %s: %w", pc, err)
	}
	if !found {
		return "", fmt.Errorf("mnemonic at pc %s: %w", pc, ErrNotFound)
	}
	return trace.Mnemonic(inst.Dasm), nil
}

// MemoryAccesses returns the loads and stores of one instruction.
func (q *StateQuery) MemoryAccesses(ctx context.Context, uid uint64) ([]trace.MemoryAccess, error) {
	return q.st.ReadMemoryAccesses(ctx, uid)
}

// RunInfo returns how the run ended. found is false for a run that was
// never finished.
func (q *StateQuery) RunInfo(ctx context.Context) (info store.RunInfo, found bool, err error) {
	return q.st.ReadRunInfo(ctx)
}
