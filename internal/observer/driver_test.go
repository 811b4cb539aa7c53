package observer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/testutil"
	"github.com/roach88/rvdebug/internal/trace"
)

// recorder logs every hook it receives.
type recorder struct {
	Base
	noPost bool
	failOn string
	events []string
	deadPC trace.Value
}

func (r *recorder) BreakOnPostExecute() bool { return !r.noPost }

func (r *recorder) hit(name string) error {
	r.events = append(r.events, name)
	if name == r.failOn {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) OnPreSimulation(context.Context, *protocol.Client) error { return r.hit("pre_sim") }
func (r *recorder) OnPreExecute(context.Context, *protocol.Client) error    { return r.hit("pre") }
func (r *recorder) OnPreException(context.Context, *protocol.Client) error  { return r.hit("exc") }
func (r *recorder) OnPostExecute(context.Context, *protocol.Client) error   { return r.hit("post") }
func (r *recorder) OnSimulationStuck(context.Context, *protocol.Client) error {
	return r.hit("stuck")
}
func (r *recorder) OnSimFinished(context.Context, *protocol.Client) error { return r.hit("finished") }
func (r *recorder) OnSimulationDead(_ context.Context, pc trace.Value) error {
	r.deadPC = pc
	return r.hit("dead")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func straightLine(n int) []testutil.Step {
	steps := make([]testutil.Step, n)
	for i := range steps {
		steps[i] = testutil.Step{PC: trace.Value(0x1000 + 4*i), Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"}
	}
	return steps
}

func TestDriver_RunsToFinish(t *testing.T) {
	sim := testutil.NewFakeSim(straightLine(2)...)
	sim.ExitCode = 0
	obs := &recorder{}

	res, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).Run(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, []string{"pre_sim", "pre", "post", "pre", "post", "finished"}, obs.events)
	assert.Equal(t, trace.PhaseSimFinished, res.Final)
	assert.False(t, res.Stuck)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, trace.Value(0x1004), res.LastPC)
	require.True(t, res.StatusKnown)
	assert.True(t, res.Status.TestPassed)
	assert.Equal(t, uint64(2), res.Status.InstCount)
}

func TestDriver_ExceptionPhase(t *testing.T) {
	sim := testutil.NewFakeSim(testutil.Step{
		PC: 0x1000, Opcode: 0x73, Mnemonic: "ecall", Dasm: "ecall",
		Exception: &testutil.Exception{Cause: 11, Writes: map[string]trace.Value{"mcause": 11}},
	})
	obs := &recorder{}

	_, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).Run(context.Background(), obs)
	require.NoError(t, err)
	assert.Equal(t, []string{"pre_sim", "pre", "exc", "post", "finished"}, obs.events)
}

func TestDriver_StuckLoopIsKilledOnce(t *testing.T) {
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x13, Mnemonic: "nop", Dasm: "nop"},
		testutil.Step{PC: 0x1004, Opcode: 0x6f, Mnemonic: "jal", Dasm: "j 0x1004", Goto: testutil.To(1)},
	)
	obs := &recorder{}

	res, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).Run(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, []string{"pre_sim", "pre", "post", "pre", "post", "stuck", "dead"}, obs.events)
	assert.True(t, res.Stuck)
	assert.Equal(t, trace.PhaseSimDead, res.Final)
	assert.Equal(t, trace.Value(0x1004), obs.deadPC)
	require.True(t, res.StatusKnown)
	assert.Equal(t, int64(DefaultKillCode), res.Status.WorkloadExitCode)
	assert.False(t, res.Status.TestPassed)
}

func TestDriver_TimeoutKills(t *testing.T) {
	sim := testutil.NewFakeSim(straightLine(50)...)
	obs := &recorder{noPost: true}

	now := time.Unix(0, 0)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	res, err := NewDriver(protocol.NewClient(sim), Options{
		Timeout:  2500 * time.Millisecond,
		KillCode: 9,
		Logger:   quietLogger(),
		Now:      clock,
	}).Run(context.Background(), obs)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Stuck)
	assert.Equal(t, trace.PhaseSimDead, res.Final)
	assert.Equal(t, []string{"pre_sim", "pre", "pre", "pre", "stuck", "dead"}, obs.events)
	assert.Contains(t, sim.Commands, "sim.kill 9")
}

func TestDriver_UnrequestedPhasesAreNotArmed(t *testing.T) {
	sim := testutil.NewFakeSim(straightLine(1)...)
	obs := &recorder{noPost: true}

	_, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).Run(context.Background(), obs)
	require.NoError(t, err)

	assert.Equal(t, []trace.Phase{trace.PhasePreExecute, trace.PhasePreException}, sim.Armed())
	assert.NotContains(t, obs.events, "post")
}

func TestDriver_ObserverErrorAbortsAndKills(t *testing.T) {
	sim := testutil.NewFakeSim(straightLine(3)...)
	obs := &recorder{failOn: "post"}

	res, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).Run(context.Background(), obs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, trace.PhaseSimDead, res.Final)
	assert.Contains(t, sim.Commands, "sim.kill 555")
}

func TestDriver_CrashIsSimDead(t *testing.T) {
	sim := testutil.NewFakeSim(straightLine(10)...)
	sim.CrashAfter = 6
	obs := &recorder{}

	res, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).Run(context.Background(), obs)
	require.NoError(t, err)
	assert.Equal(t, trace.PhaseSimDead, res.Final)
	assert.Equal(t, "dead", obs.events[len(obs.events)-1])
	assert.False(t, res.StatusKnown)
}

func TestDriver_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDriver(protocol.NewClient(testutil.NewFakeSim(straightLine(1)...)), Options{Logger: quietLogger()}).
		Run(ctx, &recorder{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMulti_OnlyRequestingMembersReceivePhases(t *testing.T) {
	all := &recorder{}
	pre := &recorder{noPost: true}
	sim := testutil.NewFakeSim(straightLine(1)...)

	_, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).
		Run(context.Background(), Multi{all, pre})
	require.NoError(t, err)

	assert.Equal(t, []string{"pre_sim", "pre", "post", "finished"}, all.events)
	assert.Equal(t, []string{"pre_sim", "pre", "finished"}, pre.events)
}

func TestTraceLog_WritesRetirements(t *testing.T) {
	sim := testutil.NewFakeSim(
		testutil.Step{PC: 0x1000, Opcode: 0x02a00293, Mnemonic: "addi", Dasm: "addi\tx5, x0, 42", Rd: "x5",
			Writes: map[string]trace.Value{"x5": 0x2a}},
		testutil.Step{PC: 0x1004, Opcode: 0x73, Mnemonic: "ecall", Dasm: "ecall",
			Exception: &testutil.Exception{Cause: 11, Writes: map[string]trace.Value{"mcause": 11}}},
	)
	var buf bytes.Buffer

	_, err := NewDriver(protocol.NewClient(sim), Options{Logger: quietLogger()}).
		Run(context.Background(), NewTraceLog(&buf))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "BEGIN SIMULATION (starting pc: 0x0000000000001000)")
	assert.Contains(t, out, "uid:1  addi    x5, x0, 42")
	assert.Contains(t, out, "x5: 0x0000000000000000 -> 0x000000000000002a")
	assert.Contains(t, out, "----> exception MACHINE_ECALL")
	assert.Contains(t, out, "mcause: 0x0000000000000000 -> 0x000000000000000b")
	assert.Contains(t, out, "test passed:        true")
}

func TestTrapCauseName(t *testing.T) {
	assert.Equal(t, "ILLEGAL_INST", TrapCauseName(2))
	assert.Equal(t, "CAUSE_42", TrapCauseName(42))
}
