package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rvdebug/internal/store"
	"github.com/roach88/rvdebug/internal/trace"
)

// createTraceDB writes a small committed trace: an addi that sets x5, a
// store, and an ecall that sets mcause.
func createTraceDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trace.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ss, err := st.Begin(ctx)
	require.NoError(t, err)
	defer ss.Rollback()

	for name, v := range map[string]trace.Value{"x5": 0, "x6": 7, "mcause": 0, trace.PrivRegName: 3} {
		require.NoError(t, ss.SetInitialRegisterValue(ctx, name, v))
	}

	retirements := []trace.Retirement{
		{
			Instruction: trace.Instruction{UID: 1, PC: 0x80000000, Opcode: 0x02a00293, Dasm: "addi    x5, x0, 42"},
			Changes:     []trace.RegisterChange{{Name: "x5", Value: 0x2a, Expected: trace.Ptr(0x2a)}},
		},
		{
			Instruction: trace.Instruction{UID: 2, PC: 0x80000004, Opcode: 0x0062b023, Dasm: "sd    x6, 0(x5)"},
			Memory: []trace.MemoryAccess{
				{Kind: trace.AccessWrite, Addr: 0x2a, Value: 7, Prior: trace.Ptr(0xdeadbeef)},
			},
		},
		{
			Instruction: trace.Instruction{UID: 3, PC: 0x80000008, Opcode: 0x00000073, Dasm: "ecall"},
			Changes:     []trace.RegisterChange{{Name: "mcause", Value: 0xb}},
		},
	}
	for _, r := range retirements {
		require.NoError(t, ss.AppendRetirement(ctx, r))
	}

	code, passed := int64(0), true
	require.NoError(t, ss.Finish(ctx, store.RunInfo{
		RunID:      "run-1",
		Workload:   "rv64ui-p-sd",
		StartedAt:  time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		FinalPhase: trace.PhaseSimFinished,
		ExitCode:   &code,
		TestPassed: &passed,
	}))
	require.NoError(t, ss.Commit())
	return path
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func assertGolden(t *testing.T, name, got string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(got))
}
