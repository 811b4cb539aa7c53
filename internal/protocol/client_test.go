package protocol

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rvdebug/internal/testutil"
	"github.com/roach88/rvdebug/internal/trace"
	"github.com/roach88/rvdebug/internal/transport"
)

// stubRequester replies from a fixed table.
type stubRequester struct {
	replies map[string]transport.Response
	err     error
}

func (s stubRequester) Request(_ context.Context, command string) (transport.Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	if r, ok := s.replies[command]; ok {
		return r, nil
	}
	return transport.ErrorReply{Message: "unknown command"}, nil
}

func twoStepProgram() []testutil.Step {
	return []testutil.Step{
		{PC: 0x1000, Opcode: 0x02a00293, Mnemonic: "addi", Dasm: "addi\tx5, x0, 42", Rd: "x5",
			Writes: map[string]trace.Value{"x5": 0x2a}},
		{PC: 0x1004, Opcode: 0x00000073, Mnemonic: "ecall", Dasm: "ecall"},
	}
}

func TestClient_ContinueStopsAtArmedPhases(t *testing.T) {
	ctx := context.Background()
	sim := testutil.NewFakeSim(twoStepProgram()...)
	c := NewClient(sim)

	require.NoError(t, c.Break(ctx, trace.PhasePreExecute))
	require.NoError(t, c.Break(ctx, trace.PhasePostExecute))

	var phases []trace.Phase
	for {
		p, err := c.Continue(ctx)
		require.NoError(t, err)
		phases = append(phases, p)
		if p.Terminal() {
			break
		}
	}

	assert.Equal(t, []trace.Phase{
		trace.PhasePreExecute, trace.PhasePostExecute,
		trace.PhasePreExecute, trace.PhasePostExecute,
		trace.PhaseSimFinished,
	}, phases)
}

func TestClient_BreakRejectsTerminalPhase(t *testing.T) {
	c := NewClient(testutil.NewFakeSim())
	err := c.Break(context.Background(), trace.PhaseSimFinished)
	require.Error(t, err)
}

func TestClient_PCAndPrevPC(t *testing.T) {
	ctx := context.Background()
	sim := testutil.NewFakeSim(twoStepProgram()...)
	c := NewClient(sim)
	require.NoError(t, c.Break(ctx, trace.PhasePostExecute))

	p, err := c.Continue(ctx)
	require.NoError(t, err)
	require.Equal(t, trace.PhasePostExecute, p)

	pc, err := c.PC(ctx)
	require.NoError(t, err)
	prev, err := c.PrevPC(ctx)
	require.NoError(t, err)
	assert.Equal(t, trace.Value(0x1004), pc)
	assert.Equal(t, trace.Value(0x1000), prev)
}

func TestClient_CurrentInst(t *testing.T) {
	ctx := context.Background()
	sim := testutil.NewFakeSim(twoStepProgram()...)
	c := NewClient(sim)

	// No instruction before the first step begins.
	inst, err := c.CurrentInst(ctx)
	require.NoError(t, err)
	assert.Nil(t, inst)

	require.NoError(t, c.Break(ctx, trace.PhasePreExecute))
	_, err = c.Continue(ctx)
	require.NoError(t, err)

	inst, err = c.CurrentInst(ctx)
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, uint64(1), inst.UID)
	assert.Equal(t, "addi", inst.Mnemonic)
	assert.Equal(t, "addi    x5, x0, 42", inst.Dasm)
	assert.Equal(t, trace.Value(0x02a00293), inst.Opcode)
	assert.Equal(t, "x5", inst.Rd)
	assert.Empty(t, inst.Rs1)
	assert.Nil(t, inst.Immediate)
}

func TestClient_RegisterNamesSkipsUnimplementedSlots(t *testing.T) {
	c := NewClient(testutil.NewFakeSim())

	names, err := c.RegisterNames(context.Background(), GroupCSR)
	require.NoError(t, err)
	assert.Equal(t, []string{"mstatus", "misa", "mtvec", "mepc", "mcause", "mtval", "fflags"}, names)

	ints, err := c.RegisterNames(context.Background(), GroupInt)
	require.NoError(t, err)
	assert.Len(t, ints, 32)
	assert.Equal(t, "x31", ints[31])
}

func TestClient_RegWriteRoundTrip(t *testing.T) {
	ctx := context.Background()
	sim := testutil.NewFakeSim()
	c := NewClient(sim)

	require.NoError(t, c.WriteReg(ctx, "x7", 0x10))
	v, err := c.RegValue(ctx, "x7")
	require.NoError(t, err)
	assert.Equal(t, trace.Value(0x10), v)

	require.NoError(t, c.DMIWriteReg(ctx, "mstatus", 0x8))
	assert.Equal(t, trace.Value(0x8), sim.Reg("mstatus"))
	assert.Contains(t, sim.Commands, "reg.write x7 0x0000000000000010")
}

func TestClient_UnknownRegisterIsCommandError(t *testing.T) {
	c := NewClient(testutil.NewFakeSim())

	_, err := c.RegValue(context.Background(), "q9")
	require.Error(t, err)
	assert.True(t, IsCommandError(err))
	assert.False(t, IsWarning(err))
}

func TestClient_KillReportsStatus(t *testing.T) {
	ctx := context.Background()
	sim := testutil.NewFakeSim(twoStepProgram()...)
	c := NewClient(sim)
	require.NoError(t, c.Break(ctx, trace.PhasePreExecute))
	_, err := c.Continue(ctx)
	require.NoError(t, err)

	p, err := c.Kill(ctx, 77)
	require.NoError(t, err)
	assert.Equal(t, trace.PhaseSimDead, p)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(77), st.WorkloadExitCode)
	assert.False(t, st.TestPassed)
	assert.True(t, st.SimStopped)

	p, err = c.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, trace.PhaseSimDead, p)
}

func TestClient_FinishExecuteSkipsBody(t *testing.T) {
	ctx := context.Background()
	sim := testutil.NewFakeSim(twoStepProgram()...)
	c := NewClient(sim)
	require.NoError(t, c.Break(ctx, trace.PhasePreExecute))
	_, err := c.Continue(ctx)
	require.NoError(t, err)

	p, err := c.FinishExecute(ctx)
	require.NoError(t, err)
	assert.Equal(t, trace.PhasePreExecute, p)
	assert.Equal(t, trace.Value(0), sim.Reg("x5"), "addi body must not have run")

	pc, err := c.PC(ctx)
	require.NoError(t, err)
	assert.Equal(t, trace.Value(0x1004), pc)
}

func TestClient_BrokenPipeIsSimDeadForStepping(t *testing.T) {
	ctx := context.Background()
	c := NewClient(stubRequester{replies: map[string]transport.Response{
		"sim.continue": transport.BrokenPipe{},
		"state.pc":     transport.BrokenPipe{},
	}})

	p, err := c.Continue(ctx)
	require.NoError(t, err)
	assert.Equal(t, trace.PhaseSimDead, p)

	_, err = c.PC(ctx)
	assert.True(t, errors.Is(err, ErrBrokenPipe))
	assert.False(t, c.Alive(ctx))
}

func TestClient_UnknownPhaseIsDesync(t *testing.T) {
	c := NewClient(stubRequester{replies: map[string]transport.Response{
		"sim.continue": transport.Ack{Payload: transport.Payload{Type: transport.TypeStr, Str: "post_init"}},
	}})

	_, err := c.Continue(context.Background())
	require.Error(t, err)
	assert.True(t, IsDesync(err))
}

func TestClient_WrongPayloadTypeIsDesync(t *testing.T) {
	c := NewClient(stubRequester{replies: map[string]transport.Response{
		"state.pc": transport.Ack{Payload: transport.Payload{Type: transport.TypeBool, Bool: true}},
	}})

	_, err := c.PC(context.Background())
	assert.True(t, IsDesync(err))
}

func TestClient_ImmediateWarningMeansAbsent(t *testing.T) {
	c := NewClient(stubRequester{replies: map[string]transport.Response{
		"inst.immediate": transport.WarningReply{Message: "no immediate"},
	}})

	_, ok, err := c.InstImmediate(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_TransportErrorPropagates(t *testing.T) {
	c := NewClient(stubRequester{err: context.DeadlineExceeded})

	_, err := c.Continue(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// silentRequester never answers; every request waits for its context.
type silentRequester struct {
	closed bool
}

func (s *silentRequester) Request(ctx context.Context, _ string) (transport.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *silentRequester) Close() error {
	s.closed = true
	return nil
}

func shortExitTimeout(t *testing.T) {
	t.Helper()
	saved := exitTimeout
	exitTimeout = 100 * time.Millisecond
	t.Cleanup(func() { exitTimeout = saved })
}

func TestClient_CloseGivesUpOnSilentSimulator(t *testing.T) {
	shortExitTimeout(t)
	r := &silentRequester{}

	require.NoError(t, NewClient(r).Close())
	assert.True(t, r.closed, "requester must be closed after sim.exit times out")
}

func TestClient_CloseTerminatesHungProcess(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	shortExitTimeout(t)

	p, err := transport.Start(context.Background(), sh,
		[]string{"-c", "echo SIM_IDE_READY; while read l; do :; done"},
		transport.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- NewClient(p).Close() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return for a simulator that never replies")
	}
	assert.False(t, p.Alive())
}

func TestParseMemAccesses(t *testing.T) {
	got, err := ParseMemAccesses("r 0x80001000 0x5; w 0x80001008 0x7 0x0 ;")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, trace.AccessRead, got[0].Kind)
	assert.Equal(t, trace.Value(0x80001000), got[0].Addr)
	assert.Nil(t, got[0].Prior)

	assert.Equal(t, trace.AccessWrite, got[1].Kind)
	require.NotNil(t, got[1].Prior)
	assert.Equal(t, trace.Value(0), *got[1].Prior)

	empty, err := ParseMemAccesses("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ParseMemAccesses("x 0x1 0x2")
	assert.Error(t, err)
	_, err = ParseMemAccesses("w 0x1 0x2")
	assert.Error(t, err)
}
