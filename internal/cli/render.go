package cli

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/roach88/rvdebug/internal/oracle"
	"github.com/roach88/rvdebug/internal/session"
	"github.com/roach88/rvdebug/internal/trace"
)

// accessView is the printed form of a memory access.
type accessView struct {
	Kind  trace.AccessKind `json:"kind"`
	Addr  trace.Value      `json:"addr"`
	Value trace.Value      `json:"value"`
	Prior *trace.Value     `json:"prior,omitempty"`
}

// snapshotView is a snapshot plus the memory traffic of its instruction.
type snapshotView struct {
	trace.Snapshot
	Memory []accessView `json:"memory"`
}

// instructionView is one line of the instruction listing.
type instructionView struct {
	UID      uint64      `json:"uid"`
	PC       trace.Value `json:"pc"`
	Opcode   trace.Value `json:"opcode"`
	Mnemonic string      `json:"mnemonic"`
	Dasm     string      `json:"dasm"`
}

func newSnapshotView(snap trace.Snapshot, accesses []trace.MemoryAccess) snapshotView {
	v := snapshotView{Snapshot: snap, Memory: make([]accessView, 0, len(accesses))}
	for _, a := range accesses {
		v.Memory = append(v.Memory, accessView{Kind: a.Kind, Addr: a.Addr, Value: a.Value, Prior: a.Prior})
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func widest(names []string) int {
	w := 0
	for _, n := range names {
		w = max(w, len(n))
	}
	return w
}

func renderSnapshot(w io.Writer, v snapshotView) error {
	var b strings.Builder

	fmt.Fprintf(&b, "uid:     %d\n", v.UID)
	fmt.Fprintf(&b, "pc:      %s\n", v.PC)
	fmt.Fprintf(&b, "opcode:  %s\n", v.Opcode)
	fmt.Fprintf(&b, "dasm:    %s\n", v.Dasm)

	b.WriteString("\nchanges:\n")
	names := sortedKeys(v.Changes)
	if len(names) == 0 {
		b.WriteString("  (none)\n")
	}
	width := widest(names)
	for _, name := range names {
		c := v.Changes[name]
		fmt.Fprintf(&b, "  %-*s  %s -> %s", width, name, c.Previous, c.Current)
		if exp, ok := v.Expected[name]; ok {
			fmt.Fprintf(&b, "  (expected %s)", exp)
		}
		b.WriteString("\n")
	}

	if len(v.Memory) > 0 {
		b.WriteString("\nmemory:\n")
		for _, a := range v.Memory {
			fmt.Fprintf(&b, "  %s  %s  %s", a.Kind, a.Addr, a.Value)
			if a.Prior != nil {
				fmt.Fprintf(&b, "  (prior %s)", *a.Prior)
			}
			b.WriteString("\n")
		}
	}

	renderRegisters(&b, v.Registers)
	_, err := io.WriteString(w, b.String())
	return err
}

func renderRegisters(b *strings.Builder, regs map[string]trace.Value) {
	b.WriteString("\nregisters:\n")
	names := sortedKeys(regs)
	width := widest(names)
	for _, name := range names {
		fmt.Fprintf(b, "  %-*s  %s\n", width, name, regs[name])
	}
}

func renderInitial(w io.Writer, snap trace.Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "pc:      %s\n", snap.PC)
	renderRegisters(&b, snap.Registers)
	_, err := io.WriteString(w, b.String())
	return err
}

func renderInstructions(w io.Writer, insts []instructionView) error {
	var b strings.Builder
	if len(insts) == 0 {
		b.WriteString("no instructions recorded\n")
	}
	for _, in := range insts {
		fmt.Fprintf(&b, "%6d  %s  %s  %s\n", in.UID, in.PC, in.Opcode, in.Dasm)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderHits(w io.Writer, pc trace.Value, hart int, hits []oracle.Hit) error {
	var b strings.Builder
	fmt.Fprintf(&b, "pc %s on hart %d: %d retirement(s)\n", pc, hart, len(hits))
	for i, h := range hits {
		fmt.Fprintf(&b, "\n#%d  priv %d  opcode %s\n", i+1, uint64(h.Priv), h.Opcode)
		for _, r := range h.Regs {
			fmt.Fprintf(&b, "  %-8s %s\n", r.Name, r.Value)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func renderOutcome(w io.Writer, out session.Outcome) error {
	var b strings.Builder
	fmt.Fprintf(&b, "run:          %s\n", out.Run.RunID)
	fmt.Fprintf(&b, "workload:     %s\n", out.Run.Workload)
	fmt.Fprintf(&b, "final phase:  %s\n", out.Run.FinalPhase)
	fmt.Fprintf(&b, "retired:      %d\n", out.Retired)
	if out.Run.ExitCode != nil {
		fmt.Fprintf(&b, "exit code:    %d\n", *out.Run.ExitCode)
	}
	if out.Run.TestPassed != nil {
		fmt.Fprintf(&b, "test passed:  %t\n", *out.Run.TestPassed)
	}
	if out.Run.StuckPC != nil {
		fmt.Fprintf(&b, "stuck at:     %s\n", *out.Run.StuckPC)
	}
	if out.Run.TimedOut {
		b.WriteString("timed out:    true\n")
	}
	fmt.Fprintf(&b, "database:     %s (%d instructions, %d changes, %d memory accesses)\n",
		out.Database, out.Counts.Instructions, out.Counts.Changes, out.Counts.MemoryAccesses)
	_, err := io.WriteString(w, b.String())
	return err
}
