package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/rvdebug/internal/trace"
)

// ReadInitialRegisters returns every initial register value, ordered by
// name.
//
// Returns an empty slice (not nil) if none were recorded.
func (s *Store) ReadInitialRegisters(ctx context.Context) ([]trace.InitialRegisterValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT RegName, RegValue
		FROM InitRegValues
		ORDER BY RegName COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query initial registers: %w", err)
	}
	defer rows.Close()

	regs := []trace.InitialRegisterValue{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan initial register: %w", err)
		}
		v, err := parseColumn("RegValue", value)
		if err != nil {
			return nil, err
		}
		regs = append(regs, trace.InitialRegisterValue{Name: name, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate initial registers: %w", err)
	}
	return regs, nil
}

// ReadInstructions returns every instruction in retirement (uid) order.
//
// Returns an empty slice (not nil) if none were recorded.
func (s *Store) ReadInstructions(ctx context.Context) ([]trace.Instruction, error) {
	return s.queryInstructions(ctx, `
		SELECT InstUID, PC, Opcode, Dasm
		FROM Instructions
		ORDER BY InstUID ASC
	`)
}

// ReadInstruction returns the instruction with the given uid.
// Returns found=false if it does not exist.
func (s *Store) ReadInstruction(ctx context.Context, uid uint64) (inst trace.Instruction, found bool, err error) {
	insts, err := s.queryInstructions(ctx, `
		SELECT InstUID, PC, Opcode, Dasm
		FROM Instructions
		WHERE InstUID = ?
	`, int64(uid))
	if err != nil || len(insts) == 0 {
		return trace.Instruction{}, false, err
	}
	return insts[0], true, nil
}

// FirstInstructionAt returns the earliest-retired instruction at pc.
// Returns found=false if no instruction retired at pc.
func (s *Store) FirstInstructionAt(ctx context.Context, pc trace.Value) (inst trace.Instruction, found bool, err error) {
	insts, err := s.queryInstructions(ctx, `
		SELECT InstUID, PC, Opcode, Dasm
		FROM Instructions
		WHERE PC = ?
		ORDER BY InstUID ASC
		LIMIT 1
	`, trace.FormatHex(pc))
	if err != nil || len(insts) == 0 {
		return trace.Instruction{}, false, err
	}
	return insts[0], true, nil
}

// FirstInstruction returns the first retired instruction of the run.
// Returns found=false if the run retired nothing.
func (s *Store) FirstInstruction(ctx context.Context) (inst trace.Instruction, found bool, err error) {
	insts, err := s.queryInstructions(ctx, `
		SELECT InstUID, PC, Opcode, Dasm
		FROM Instructions
		ORDER BY InstUID ASC
		LIMIT 1
	`)
	if err != nil || len(insts) == 0 {
		return trace.Instruction{}, false, err
	}
	return insts[0], true, nil
}

func (s *Store) queryInstructions(ctx context.Context, query string, args ...any) ([]trace.Instruction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query instructions: %w", err)
	}
	defer rows.Close()

	insts := []trace.Instruction{}
	for rows.Next() {
		var (
			uid         int64
			pc, opcode  string
			inst        trace.Instruction
			errPC, errO error
		)
		if err := rows.Scan(&uid, &pc, &opcode, &inst.Dasm); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		inst.UID = uint64(uid)
		inst.PC, errPC = parseColumn("PC", pc)
		inst.Opcode, errO = parseColumn("Opcode", opcode)
		if err := errors.Join(errPC, errO); err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instructions: %w", err)
	}
	return insts, nil
}

// ReadChangesThrough returns every register change of instructions with
// uid <= through, in replay order: by uid, then by register name.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadChangesThrough(ctx context.Context, through uint64) ([]trace.RegisterChange, error) {
	return s.queryChanges(ctx, `
		SELECT InstUID, ElemName, ElemVal, ExpectedElemVal
		FROM InstChanges
		WHERE InstUID <= ?
		ORDER BY InstUID ASC, ElemName COLLATE BINARY ASC
	`, int64(through))
}

// ReadChanges returns the register changes of one instruction, ordered by
// register name.
func (s *Store) ReadChanges(ctx context.Context, uid uint64) ([]trace.RegisterChange, error) {
	return s.queryChanges(ctx, `
		SELECT InstUID, ElemName, ElemVal, ExpectedElemVal
		FROM InstChanges
		WHERE InstUID = ?
		ORDER BY ElemName COLLATE BINARY ASC
	`, int64(uid))
}

func (s *Store) queryChanges(ctx context.Context, query string, args ...any) ([]trace.RegisterChange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []trace.RegisterChange{}
	for rows.Next() {
		var (
			uid      int64
			value    string
			expected sql.NullString
			c        trace.RegisterChange
		)
		if err := rows.Scan(&uid, &c.Name, &value, &expected); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.UID = uint64(uid)
		if c.Value, err = parseColumn("ElemVal", value); err != nil {
			return nil, err
		}
		if c.Expected, err = parseNullable("ExpectedElemVal", expected); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// ReadMemoryAccesses returns the memory accesses of one instruction in the
// order they were performed.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadMemoryAccesses(ctx context.Context, uid uint64) ([]trace.MemoryAccess, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT Kind, Addr, Value, Prior
		FROM MemoryAccesses
		WHERE InstUID = ?
		ORDER BY Seq ASC
	`, int64(uid))
	if err != nil {
		return nil, fmt.Errorf("query memory accesses: %w", err)
	}
	defer rows.Close()

	accesses := []trace.MemoryAccess{}
	for rows.Next() {
		var (
			kind, addr, value string
			prior             sql.NullString
		)
		if err := rows.Scan(&kind, &addr, &value, &prior); err != nil {
			return nil, fmt.Errorf("scan memory access: %w", err)
		}
		a := trace.MemoryAccess{UID: uid, Kind: trace.AccessKind(kind)}
		if a.Addr, err = parseColumn("Addr", addr); err != nil {
			return nil, err
		}
		if a.Value, err = parseColumn("Value", value); err != nil {
			return nil, err
		}
		if a.Prior, err = parseNullable("Prior", prior); err != nil {
			return nil, err
		}
		accesses = append(accesses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory accesses: %w", err)
	}
	return accesses, nil
}

// ReadRunInfo returns the run's terminal record.
// Returns found=false if the run was never finished.
func (s *Store) ReadRunInfo(ctx context.Context) (info RunInfo, found bool, err error) {
	var (
		phase, started string
		exitCode       sql.NullInt64
		passed         sql.NullInt64
		stuck          sql.NullString
		timedOut       int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT RunID, Workload, StartedAt, FinalPhase, ExitCode, TestPassed, StuckPC, TimedOut
		FROM RunInfo
		ORDER BY StartedAt ASC, RunID COLLATE BINARY ASC
		LIMIT 1
	`).Scan(&info.RunID, &info.Workload, &started, &phase, &exitCode, &passed, &stuck, &timedOut)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, false, nil
	}
	if err != nil {
		return RunInfo{}, false, fmt.Errorf("read run info: %w", err)
	}

	if info.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return RunInfo{}, false, fmt.Errorf("read run info: StartedAt: %w", err)
	}
	if info.FinalPhase, err = trace.ParsePhase(phase); err != nil {
		return RunInfo{}, false, fmt.Errorf("read run info: %w", err)
	}
	if exitCode.Valid {
		info.ExitCode = &exitCode.Int64
	}
	if passed.Valid {
		b := passed.Int64 != 0
		info.TestPassed = &b
	}
	if info.StuckPC, err = parseNullable("StuckPC", stuck); err != nil {
		return RunInfo{}, false, err
	}
	info.TimedOut = timedOut != 0
	return info, true, nil
}

// Count returns the number of rows in each trace table.
func (s *Store) Count(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM InitRegValues),
			(SELECT COUNT(*) FROM Instructions),
			(SELECT COUNT(*) FROM InstChanges),
			(SELECT COUNT(*) FROM MemoryAccesses)
	`).Scan(&c.InitialRegisters, &c.Instructions, &c.Changes, &c.MemoryAccesses)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

func parseColumn(column, s string) (trace.Value, error) {
	v, err := trace.ParseHex(s)
	if err != nil {
		return 0, fmt.Errorf("column %s: %w", column, err)
	}
	return v, nil
}

func parseNullable(column string, ns sql.NullString) (*trace.Value, error) {
	if !ns.Valid {
		return nil, nil
	}
	v, err := parseColumn(column, ns.String)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
