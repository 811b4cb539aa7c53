package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/roach88/rvdebug/internal/trace"
)

// Session is the single write transaction of one recording run. All rows
// of the run become visible together at Commit; Rollback (or a crash)
// discards them all.
//
// A Session is not safe for concurrent use. It is driven from the
// recorder's single-threaded observer hooks.
type Session struct {
	tx     *sql.Tx
	closed bool

	lastUID  uint64
	haveUID  bool
	inserted map[uint64]bool

	insInit   *sql.Stmt
	insInst   *sql.Stmt
	insChange *sql.Stmt
	insMem    *sql.Stmt
}

// Begin opens the run's transaction.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}

	ss := &Session{tx: tx, inserted: make(map[uint64]bool)}
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&ss.insInit, `INSERT INTO InitRegValues (RegName, RegValue) VALUES (?, ?)`},
		{&ss.insInst, `INSERT INTO Instructions (InstUID, PC, Opcode, Dasm) VALUES (?, ?, ?, ?)`},
		{&ss.insChange, `INSERT INTO InstChanges (InstUID, ElemName, ElemVal, ExpectedElemVal) VALUES (?, ?, ?, ?)`},
		{&ss.insMem, `INSERT INTO MemoryAccesses (InstUID, Seq, Kind, Addr, Value, Prior) VALUES (?, ?, ?, ?, ?, ?)`},
	}
	for _, st := range stmts {
		*st.dst, err = tx.PrepareContext(ctx, st.query)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("begin session: prepare: %w", err)
		}
	}
	return ss, nil
}

// SetInitialRegisterValue records a register's value before the first
// instruction. Each name may be set once.
func (ss *Session) SetInitialRegisterValue(ctx context.Context, name string, v trace.Value) error {
	if ss.closed {
		return ErrSessionClosed
	}
	if _, err := ss.insInit.ExecContext(ctx, name, trace.FormatHex(v)); err != nil {
		return fmt.Errorf("set initial register %s: %w", name, err)
	}
	return nil
}

// AppendInstruction appends one retired instruction. Its uid must be
// greater than every uid appended before it in this session.
func (ss *Session) AppendInstruction(ctx context.Context, inst trace.Instruction) error {
	if ss.closed {
		return ErrSessionClosed
	}
	if inst.UID > math.MaxInt64 {
		return &InvariantError{Code: ErrCodeUIDRange, Message: "uid exceeds 63 bits", UID: inst.UID}
	}
	if ss.haveUID && inst.UID <= ss.lastUID {
		return &InvariantError{
			Code:    ErrCodeUIDOrder,
			Message: fmt.Sprintf("uid not greater than previous uid %d", ss.lastUID),
			UID:     inst.UID,
		}
	}

	_, err := ss.insInst.ExecContext(ctx,
		int64(inst.UID),
		trace.FormatHex(inst.PC),
		trace.FormatHex(inst.Opcode),
		inst.Dasm,
	)
	if err != nil {
		return fmt.Errorf("append instruction %d: %w", inst.UID, err)
	}
	ss.lastUID, ss.haveUID = inst.UID, true
	ss.inserted[inst.UID] = true
	return nil
}

// AppendRegisterChange appends a changed register for an instruction
// already appended in this session.
func (ss *Session) AppendRegisterChange(ctx context.Context, c trace.RegisterChange) error {
	if ss.closed {
		return ErrSessionClosed
	}
	if !ss.inserted[c.UID] {
		return &InvariantError{Code: ErrCodeOrphanRow, Message: "register change for unknown instruction " + c.Name, UID: c.UID}
	}
	if _, err := ss.insChange.ExecContext(ctx, int64(c.UID), c.Name, trace.FormatHex(c.Value), nullableHex(c.Expected)); err != nil {
		return fmt.Errorf("append change %s at uid %d: %w", c.Name, c.UID, err)
	}
	return nil
}

// AppendMemoryAccesses appends the loads and stores of an instruction
// already appended in this session, in the order performed. The UID field
// of each access is ignored in favour of uid.
func (ss *Session) AppendMemoryAccesses(ctx context.Context, uid uint64, accesses []trace.MemoryAccess) error {
	if ss.closed {
		return ErrSessionClosed
	}
	if len(accesses) == 0 {
		return nil
	}
	if !ss.inserted[uid] {
		return &InvariantError{Code: ErrCodeOrphanRow, Message: "memory access for unknown instruction", UID: uid}
	}
	for i, a := range accesses {
		_, err := ss.insMem.ExecContext(ctx,
			int64(uid), i, string(a.Kind),
			trace.FormatHex(a.Addr), trace.FormatHex(a.Value), nullableHex(a.Prior),
		)
		if err != nil {
			return fmt.Errorf("append memory access %d at uid %d: %w", i, uid, err)
		}
	}
	return nil
}

// AppendRetirement appends an instruction together with its register
// changes and memory accesses.
func (ss *Session) AppendRetirement(ctx context.Context, r trace.Retirement) error {
	if err := ss.AppendInstruction(ctx, r.Instruction); err != nil {
		return err
	}
	for _, c := range r.Changes {
		c.UID = r.Instruction.UID
		if err := ss.AppendRegisterChange(ctx, c); err != nil {
			return err
		}
	}
	return ss.AppendMemoryAccesses(ctx, r.Instruction.UID, r.Memory)
}

// Finish records how the run ended. It is written at most once per
// session.
func (ss *Session) Finish(ctx context.Context, info RunInfo) error {
	if ss.closed {
		return ErrSessionClosed
	}

	var exitCode, passed sql.NullInt64
	if info.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: *info.ExitCode, Valid: true}
	}
	if info.TestPassed != nil {
		passed = sql.NullInt64{Int64: boolToInt(*info.TestPassed), Valid: true}
	}

	_, err := ss.tx.ExecContext(ctx, `
		INSERT INTO RunInfo
		(RunID, Workload, StartedAt, FinalPhase, ExitCode, TestPassed, StuckPC, TimedOut)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.RunID,
		info.Workload,
		info.StartedAt.UTC().Format(time.RFC3339Nano),
		info.FinalPhase.String(),
		exitCode,
		passed,
		nullableHex(info.StuckPC),
		boolToInt(info.TimedOut),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Commit makes the run visible. The session is closed afterwards.
func (ss *Session) Commit() error {
	if ss.closed {
		return ErrSessionClosed
	}
	ss.closed = true
	if err := ss.tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Rollback discards every row of the run. It is a no-op on a closed
// session, so it can be deferred unconditionally.
func (ss *Session) Rollback() error {
	if ss.closed {
		return nil
	}
	ss.closed = true
	if err := ss.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}

func nullableHex(v *trace.Value) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: trace.FormatHex(*v), Valid: true}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
