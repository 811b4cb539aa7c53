package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RenderTrace formats a scenario's recorded trace as stable text: the run
// summary, then each instruction with its register changes and memory
// accesses.
func RenderTrace(name string, result *Result) []byte {
	var b strings.Builder
	run := result.Outcome.Run

	fmt.Fprintf(&b, "scenario: %s\n", name)
	fmt.Fprintf(&b, "final phase: %s\n", run.FinalPhase)
	if run.ExitCode != nil {
		fmt.Fprintf(&b, "exit code: %d\n", *run.ExitCode)
	}
	if run.TestPassed != nil {
		fmt.Fprintf(&b, "test passed: %t\n", *run.TestPassed)
	}
	if run.StuckPC != nil {
		fmt.Fprintf(&b, "stuck at: %s\n", *run.StuckPC)
	}
	b.WriteString("\n")

	for _, e := range result.Trace {
		s := e.Snapshot
		dasm := s.Dasm
		if dasm == "" {
			dasm = "<undecoded>"
		}
		fmt.Fprintf(&b, "uid %d  pc %s  opcode %s  %s\n", s.UID, s.PC, s.Opcode, dasm)

		names := slices.Sorted(maps.Keys(s.Changes))
		width := 0
		for _, n := range names {
			width = max(width, len(n))
		}
		for _, n := range names {
			c := s.Changes[n]
			fmt.Fprintf(&b, "    %-*s  %s -> %s", width, n, c.Previous, c.Current)
			if exp, ok := s.Expected[n]; ok {
				fmt.Fprintf(&b, "  (expected %s)", exp)
			}
			b.WriteString("\n")
		}
		for _, m := range e.Memory {
			fmt.Fprintf(&b, "    %s %s %s", m.Kind, m.Addr, m.Value)
			if m.Prior != nil {
				fmt.Fprintf(&b, " (prior %s)", *m.Prior)
			}
			b.WriteString("\n")
		}
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its trace against a golden
// file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can check Pass and Errors.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, t.TempDir())
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, RenderTrace(name, result))
}
