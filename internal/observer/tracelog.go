package observer

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/trace"
)

var trapCauses = map[int64]string{
	0:  "INST_ADDR_MISALIGNED",
	1:  "INST_ACCESS_FAULT",
	2:  "ILLEGAL_INST",
	3:  "BREAKPOINT",
	4:  "LOAD_ADDR_MISALIGNED",
	5:  "LOAD_ACCESS_FAULT",
	6:  "STORE_ADDR_MISALIGNED",
	7:  "STORE_ACCESS_FAULT",
	8:  "USER_ECALL",
	9:  "SUPERVISOR_ECALL",
	11: "MACHINE_ECALL",
	12: "INST_PAGE_FAULT",
	13: "LOAD_PAGE_FAULT",
	15: "STORE_PAGE_FAULT",
}

// TrapCauseName names a RISC-V synchronous exception cause.
func TrapCauseName(cause int64) string {
	if name, ok := trapCauses[cause]; ok {
		return name
	}
	return fmt.Sprintf("CAUSE_%d", cause)
}

// TraceLog writes a human-readable execution log: one line per retired
// instruction with its operands and destination change, plus CSR changes
// made by traps.
type TraceLog struct {
	Base

	w    io.Writer
	err  error
	csrs []string

	rd        string
	rdBefore  trace.Value
	csrBefore map[string]trace.Value
}

// NewTraceLog creates a TraceLog writing to w.
func NewTraceLog(w io.Writer) *TraceLog {
	return &TraceLog{w: w}
}

func (l *TraceLog) printf(format string, args ...any) {
	if l.err != nil {
		return
	}
	_, l.err = fmt.Fprintf(l.w, format+"\n", args...)
}

func (l *TraceLog) OnPreSimulation(ctx context.Context, sim *protocol.Client) error {
	csrs, err := sim.RegisterNames(ctx, protocol.GroupCSR)
	if err != nil {
		return fmt.Errorf("list csrs: %w", err)
	}
	l.csrs = csrs
	pc, err := sim.PC(ctx)
	if err != nil {
		return err
	}
	l.printf("BEGIN SIMULATION (starting pc: %s)", pc)
	return l.err
}

func (l *TraceLog) OnPreExecute(ctx context.Context, sim *protocol.Client) error {
	l.rd, l.csrBefore = "", nil
	inst, err := sim.CurrentInst(ctx)
	if err != nil || inst == nil {
		return err
	}

	pc, err := sim.PC(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  uid:%d  %s", pc, inst.UID, inst.Dasm)
	for _, op := range []struct{ label, name string }{{"rs1", inst.Rs1}, {"rs2", inst.Rs2}} {
		if op.name == "" {
			continue
		}
		v, err := sim.RegValue(ctx, op.name)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, "  %s(%s):%s", op.label, op.name, v)
	}
	if inst.Immediate != nil {
		fmt.Fprintf(&b, "  imm:%s", *inst.Immediate)
	}
	if inst.Rd != "" {
		v, err := sim.RegValue(ctx, inst.Rd)
		if err != nil {
			return err
		}
		l.rd, l.rdBefore = inst.Rd, v
	}
	l.printf("%s", b.String())
	return l.err
}

func (l *TraceLog) OnPreException(ctx context.Context, sim *protocol.Client) error {
	cause, err := sim.ActiveException(ctx)
	if err != nil {
		return err
	}
	l.printf("----> exception %s", TrapCauseName(cause))

	l.csrBefore = make(map[string]trace.Value, len(l.csrs))
	for _, name := range l.csrs {
		v, err := sim.RegValue(ctx, name)
		if err != nil {
			return err
		}
		l.csrBefore[name] = v
	}
	return l.err
}

func (l *TraceLog) OnPostExecute(ctx context.Context, sim *protocol.Client) error {
	if l.rd != "" {
		v, err := sim.RegValue(ctx, l.rd)
		if err != nil {
			return err
		}
		if v != l.rdBefore {
			l.printf("      %s: %s -> %s", l.rd, l.rdBefore, v)
		}
	}
	for _, name := range l.csrs {
		before, ok := l.csrBefore[name]
		if !ok {
			continue
		}
		v, err := sim.RegValue(ctx, name)
		if err != nil {
			return err
		}
		if v != before {
			l.printf("      %s: %s -> %s", name, before, v)
		}
	}
	l.rd, l.csrBefore = "", nil
	return l.err
}

func (l *TraceLog) OnSimulationStuck(ctx context.Context, sim *protocol.Client) error {
	pc, err := sim.PC(ctx)
	if err != nil {
		return err
	}
	l.printf("----> infinite loop detected at pc %s", pc)
	return l.err
}

func (l *TraceLog) OnSimFinished(ctx context.Context, sim *protocol.Client) error {
	st, err := sim.Status(ctx)
	if err != nil {
		return err
	}
	l.printf("END SIMULATION")
	l.printf("  workload exit code: %d", st.WorkloadExitCode)
	l.printf("  test passed:        %t", st.TestPassed)
	l.printf("  instructions:       %d", st.InstCount)
	return l.err
}

func (l *TraceLog) OnSimulationDead(_ context.Context, lastPC trace.Value) error {
	l.printf("----> simulation dead (last pc %s)", lastPC)
	return l.err
}
