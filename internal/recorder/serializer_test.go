package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rvdebug/internal/observer"
	"github.com/roach88/rvdebug/internal/oracle"
	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/testutil"
	"github.com/roach88/rvdebug/internal/trace"
)

// memSink keeps the recorded trace in memory.
type memSink struct {
	initial     map[string]trace.Value
	retirements []trace.Retirement
	failAt      int
}

func newMemSink() *memSink {
	return &memSink{initial: make(map[string]trace.Value)}
}

func (m *memSink) SetInitialRegisterValue(_ context.Context, name string, v trace.Value) error {
	m.initial[name] = v
	return nil
}

func (m *memSink) AppendRetirement(_ context.Context, r trace.Retirement) error {
	if m.failAt > 0 && len(m.retirements)+1 == m.failAt {
		return errors.New("disk full")
	}
	m.retirements = append(m.retirements, r)
	return nil
}

type progressLog []string

func (p *progressLog) Post(msg string) { *p = append(*p, msg) }

type fixedOracle map[trace.Value][]oracle.Hit

func (f fixedOracle) GetRegisterInfoAtPC(pc trace.Value, _ int) []oracle.Hit { return f[pc] }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func record(t *testing.T, sim *testutil.FakeSim, sink *memSink, opts Options) *StateSerializer {
	t.Helper()
	opts.Logger = quiet()
	ser := New(sink, opts)
	_, err := observer.NewDriver(protocol.NewClient(sim), observer.Options{Logger: quiet()}).
		Run(context.Background(), ser)
	require.NoError(t, err)
	return ser
}

func changeMap(r trace.Retirement) map[string]trace.Value {
	m := make(map[string]trace.Value, len(r.Changes))
	for _, c := range r.Changes {
		m[c.Name] = c.Value
	}
	return m
}

func TestStateSerializer_InitialState(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim()
	sim.SetReg("x3", 0x80)
	sim.SetReg("mstatus", 0x1800)

	record(t, sim, sink, Options{})

	// 32 integer + 32 FP + 7 implemented CSRs + privilege.
	assert.Len(t, sink.initial, 72)
	assert.Equal(t, trace.Value(0x80), sink.initial["x3"])
	assert.Equal(t, trace.Value(0x1800), sink.initial["mstatus"])
	assert.Equal(t, trace.Value(3), sink.initial[trace.PrivRegName])
	assert.NotContains(t, sink.initial, "")
}

func TestStateSerializer_NoChangesRecordsNoDiffs(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x1004, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
	)

	ser := record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 2)
	assert.Equal(t, 2, ser.Retired())
	for _, r := range sink.retirements {
		assert.Empty(t, r.Changes)
		assert.Empty(t, r.Memory)
	}
}

func TestStateSerializer_DestinationRegisterChange(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x02a00293, Mnemonic: "addi", Dasm: "addi\tx5, x0, 42", Rd: "x5",
			Writes: map[string]trace.Value{"x5": 0x2a}},
		// Writes x6 to its current value: not a change.
		testutil.Step{PC: 0x1004, Opcode: 0x00000313, Mnemonic: "addi", Dasm: "addi x6, x0, 0", Rd: "x6",
			Writes: map[string]trace.Value{"x6": 0}},
	)

	record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 2)
	want := trace.Retirement{
		Instruction: trace.Instruction{UID: 1, PC: 0x1000, Opcode: 0x02a00293, Dasm: "addi    x5, x0, 42"},
		Changes:     []trace.RegisterChange{{UID: 1, Name: "x5", Value: 0x2a}},
	}
	if diff := cmp.Diff(want, sink.retirements[0]); diff != "" {
		t.Errorf("retirement mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, sink.retirements[1].Changes)
}

func TestStateSerializer_ExceptionRecordsCSRChanges(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x2000, Opcode: 0x0002a303, Mnemonic: "lw", Dasm: "lw x6, 0(x5)", Rd: "x6",
			Exception: &testutil.Exception{Cause: 2, Writes: map[string]trace.Value{"mcause": 2, "mepc": 0x2000}}},
	)

	record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 1)
	assert.Equal(t, map[string]trace.Value{"mcause": 2, "mepc": 0x2000}, changeMap(sink.retirements[0]))
}

func TestStateSerializer_UndecodableGetsPlaceholder(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x3000, Undecodable: true,
			Exception: &testutil.Exception{Cause: 2, Writes: map[string]trace.Value{"mcause": 2}, Priv: trace.Ptr(3)}},
		testutil.Step{PC: 0x3004, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
	)

	record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 3)
	ph := sink.retirements[1]
	assert.Equal(t, trace.Instruction{UID: 2, PC: 0x3000}, ph.Instruction)
	assert.Equal(t, map[string]trace.Value{"mcause": 2}, changeMap(ph))
	assert.Equal(t, uint64(3), sink.retirements[2].Instruction.UID)
}

func TestStateSerializer_PlaceholderWithoutSimulatorUID(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x3000, Undecodable: true,
			Exception: &testutil.Exception{Cause: 1, Writes: map[string]trace.Value{"mcause": 1}}},
		testutil.Step{PC: 0x3004, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x3008, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
	)
	sim.UndecodableSkipsUID = true

	record(t, sim, sink, Options{})

	// The simulator numbers the decoded instructions 1, 2, 3; the
	// placeholder takes 2 and the later ones move up by one.
	require.Len(t, sink.retirements, 4)
	var uids []uint64
	for _, r := range sink.retirements {
		uids = append(uids, r.Instruction.UID)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, uids)
	assert.Equal(t, trace.Instruction{UID: 2, PC: 0x3000}, sink.retirements[1].Instruction)
	assert.Equal(t, trace.Value(0x3004), sink.retirements[2].Instruction.PC)
}

func TestStateSerializer_UnreadableCSRIsNotTracked(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x73, Mnemonic: "ecall", Dasm: "ecall",
			Exception: &testutil.Exception{Cause: 11, Writes: map[string]trace.Value{"mcause": 11, "mtvec": 0x200}}},
		testutil.Step{PC: 0x2000, Opcode: 0x30529073, Mnemonic: "csrrw", Dasm: "csrrw x0, mtvec, x5",
			Writes: map[string]trace.Value{"mtvec": 0x300}},
	)
	sim.Unreadable = map[string]bool{"mtvec": true}

	record(t, sim, sink, Options{})

	assert.NotContains(t, sink.initial, "mtvec")
	assert.Contains(t, sink.initial, "mcause")
	require.Len(t, sink.retirements, 2)
	assert.Equal(t, map[string]trace.Value{"mcause": 11}, changeMap(sink.retirements[0]))
	assert.Empty(t, changeMap(sink.retirements[1]))
}

func TestStateSerializer_CSRMnemonicSnapshotsCSRs(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x30529073, Mnemonic: "csrrw", Dasm: "csrrw x1, mtvec, x5", Rd: "x1",
			Writes: map[string]trace.Value{"mtvec": 0x100, "x1": 0x0}},
		// A plain ALU op is not expected to touch CSRs, so this write is not seen.
		testutil.Step{PC: 0x1004, Opcode: 0x13, Mnemonic: "addi", Dasm: "addi x2, x2, 1", Rd: "x2",
			Writes: map[string]trace.Value{"x2": 1, "mscratch": 1}},
	)

	record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 2)
	assert.Equal(t, map[string]trace.Value{"mtvec": 0x100}, changeMap(sink.retirements[0]))
	assert.Equal(t, map[string]trace.Value{"x2": 1}, changeMap(sink.retirements[1]))
}

func TestStateSerializer_PrivilegeChange(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x73, Mnemonic: "ecall", Dasm: "ecall",
			Exception: &testutil.Exception{Cause: 8, Writes: map[string]trace.Value{"mcause": 8}, Priv: trace.Ptr(1)}},
	)

	record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 1)
	assert.Equal(t, map[string]trace.Value{"mcause": 8, trace.PrivRegName: 1}, changeMap(sink.retirements[0]))
}

func TestStateSerializer_MemoryAccesses(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x0062b023, Mnemonic: "sd", Dasm: "sd x6, 0(x5)",
			Memory: []trace.MemoryAccess{{Kind: trace.AccessWrite, Addr: 0x8000, Value: 0x2a, Prior: trace.Ptr(0)}}},
	)

	record(t, sim, sink, Options{})

	require.Len(t, sink.retirements, 1)
	want := []trace.MemoryAccess{{UID: 1, Kind: trace.AccessWrite, Addr: 0x8000, Value: 0x2a, Prior: trace.Ptr(0)}}
	if diff := cmp.Diff(want, sink.retirements[0].Memory); diff != "" {
		t.Errorf("memory mismatch (-want +got):\n%s", diff)
	}
}

func TestStateSerializer_OracleOccurrences(t *testing.T) {
	sink := newMemSink()
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "addi", Dasm: "addi x5, x5, 1", Rd: "x5",
			Writes: map[string]trace.Value{"x5": 1}},
		testutil.Step{PC: 0x1004, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "addi", Dasm: "addi x5, x5, 1", Rd: "x5",
			Writes: map[string]trace.Value{"x5": 2}},
	)
	orc := fixedOracle{
		0x1000: {
			{Regs: []oracle.RegValue{{Name: "x5", Value: 1}}},
			{Regs: []oracle.RegValue{{Name: "x5", Value: 9}}},
		},
	}

	record(t, sim, sink, Options{Oracle: orc})

	require.Len(t, sink.retirements, 3)
	first := sink.retirements[0].Changes[0]
	require.NotNil(t, first.Expected)
	assert.Equal(t, trace.Value(1), *first.Expected)

	second := sink.retirements[2].Changes[0]
	require.NotNil(t, second.Expected)
	assert.Equal(t, trace.Value(9), *second.Expected)
	assert.Equal(t, trace.Value(2), second.Value)
}

func TestStateSerializer_StuckPostsStatus(t *testing.T) {
	sink := newMemSink()
	var progress progressLog
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x6f, Mnemonic: "jal", Dasm: "j 0x1000", Goto: testutil.To(0)},
	)

	ser := record(t, sim, sink, Options{Progress: &progress})

	assert.Len(t, sink.retirements, 1)
	require.NotNil(t, ser.StuckPC())
	assert.Equal(t, trace.Value(0x1000), *ser.StuckPC())
	assert.Equal(t, []string{"recording", StatusStuck, StatusDead}, []string(progress))
}

func TestStateSerializer_SinkFailureAbortsRun(t *testing.T) {
	sink := newMemSink()
	sink.failAt = 2
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x1004, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x1008, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
	)

	ser := New(sink, Options{Logger: quiet()})
	_, err := observer.NewDriver(protocol.NewClient(sim), observer.Options{Logger: quiet()}).
		Run(context.Background(), ser)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Len(t, sink.retirements, 1)
}

func TestTouchesCSRs(t *testing.T) {
	for _, m := range []string{"ecall", "mret", "fence.i", "csrrw", "csrrsi", "csrr", "fadd.d", "fcvt.w.s", "FLT.S", "frflags"} {
		assert.True(t, touchesCSRs(m), m)
	}
	for _, m := range []string{"addi", "fsd", "flw", "fmv.x.w", "fsgnj.d", "jal"} {
		assert.False(t, touchesCSRs(m), m)
	}
}
