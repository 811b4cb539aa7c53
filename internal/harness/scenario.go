package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rvdebug/internal/testutil"
	"github.com/roach88/rvdebug/internal/trace"
)

// Scenario defines a recording test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Registers are preset before the simulation starts.
	Registers map[string]trace.Value `yaml:"registers,omitempty"`

	// Program is the scripted instruction stream.
	Program []testutil.Step `yaml:"program"`

	// ExitCode and TestPassed are reported when the program runs off its
	// last step. TestPassed defaults to true.
	ExitCode   int64 `yaml:"exit_code,omitempty"`
	TestPassed *bool `yaml:"test_passed,omitempty"`

	// UndecodableSkipsUID makes the simulator give undecodable steps no
	// uid.
	UndecodableSkipsUID bool `yaml:"undecodable_skips_uid,omitempty"`

	// KillCode is the exit code forced on a stuck run.
	KillCode int `yaml:"kill_code,omitempty"`

	// Oracle is an inline reference commit log.
	Oracle string `yaml:"oracle,omitempty"`

	// Assertions validate the recorded trace.
	Assertions []Assertion `yaml:"assertions"`
}

// Assertion validates the recorded trace.
type Assertion struct {
	Type string `yaml:"type"`

	// PC or UID selects an instruction (register, changes, expected,
	// mnemonic). PC also names the stuck PC for stuck_at.
	PC  *trace.Value `yaml:"pc,omitempty"`
	UID uint64       `yaml:"uid,omitempty"`

	Register string                 `yaml:"register,omitempty"`
	Value    *trace.Value           `yaml:"value,omitempty"`
	Changes  map[string]trace.Value `yaml:"changes,omitempty"`
	Mnemonic string                 `yaml:"mnemonic,omitempty"`

	Phase    string `yaml:"phase,omitempty"`
	Count    *int   `yaml:"count,omitempty"`
	ExitCode *int64 `yaml:"exit_code,omitempty"`
	Passed   *bool  `yaml:"passed,omitempty"`

	// Table and Where select rows for row_count.
	Table string         `yaml:"table,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalPhase       = "final_phase"
	AssertInstructionCount = "instruction_count"
	AssertRegister         = "register"
	AssertChanges          = "changes"
	AssertExpected         = "expected"
	AssertMnemonic         = "mnemonic"
	AssertStuckAt          = "stuck_at"
	AssertExitCode         = "exit_code"
	AssertTestPassed       = "test_passed"
	AssertRowCount         = "row_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Program) == 0 {
		return fmt.Errorf("program is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Program {
		if step.Goto != nil && (*step.Goto < 0 || *step.Goto >= len(s.Program)) {
			return fmt.Errorf("program[%d]: goto %d out of range", i, *step.Goto)
		}
		if step.Undecodable && step.Exception == nil {
			return fmt.Errorf("program[%d]: an undecodable step must raise an exception", i)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	selects := a.PC != nil || a.UID != 0

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFinalPhase:
		if _, err := trace.ParsePhase(a.Phase); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertInstructionCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for %s", index, a.Type)
		}
	case AssertRegister, AssertExpected:
		if !selects || a.Register == "" || a.Value == nil {
			return fmt.Errorf("assertions[%d]: pc or uid, register and value are required for %s", index, a.Type)
		}
	case AssertChanges:
		if !selects {
			return fmt.Errorf("assertions[%d]: pc or uid is required for %s", index, a.Type)
		}
	case AssertMnemonic:
		if a.PC == nil || a.Mnemonic == "" {
			return fmt.Errorf("assertions[%d]: pc and mnemonic are required for %s", index, a.Type)
		}
	case AssertStuckAt:
		if a.PC == nil {
			return fmt.Errorf("assertions[%d]: pc is required for %s", index, a.Type)
		}
	case AssertExitCode:
		if a.ExitCode == nil {
			return fmt.Errorf("assertions[%d]: exit_code is required for %s", index, a.Type)
		}
	case AssertTestPassed:
		if a.Passed == nil {
			return fmt.Errorf("assertions[%d]: passed is required for %s", index, a.Type)
		}
	case AssertRowCount:
		if a.Table == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: table and count are required for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
