// Package harness runs recording scenarios: scripted simulator programs
// recorded end to end and checked against assertions and golden traces.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	registers: { x6: 0x7 }          # preset before the run
//	program:
//	  - pc: 0x1000
//	    opcode: 0x02a00293
//	    mnemonic: addi
//	    dasm: "addi x5, x0, 42"
//	    rd: x5
//	    writes: { x5: 0x2a }
//	  - pc: 0x2000
//	    opcode: 0x0
//	    mnemonic: unimp
//	    dasm: unimp
//	    exception: { cause: 2, writes: { mcause: 2 } }
//	oracle: |
//	  core   0: 3 0x0000000000001000 (0x02a00293) x5  0x000000000000002a
//	assertions:
//	  - type: changes
//	    pc: 0x1000
//	    changes: { x5: 0x2a }
//	  - type: final_phase
//	    phase: sim_finished
//
// Values are hex or decimal scalars. A step with goto jumps to that step
// index instead of falling through; a step that jumps to itself is a stuck
// loop.
//
// # Assertion Types
//
//   - final_phase: the run ended in phase
//   - instruction_count: exactly count instructions were recorded
//   - register: register has value right after the instruction at pc (or uid)
//   - changes: the instruction at pc (or uid) changed exactly these registers
//   - expected: the oracle value recorded for register at pc (or uid)
//   - mnemonic: the first instruction at pc has mnemonic
//   - stuck_at: the run was declared stuck at pc
//   - exit_code: the workload exit code
//   - test_passed: the workload pass flag
//   - row_count: table has count rows matching where
//
// Every run is also checked for the trace properties: strictly increasing
// uids, minimal diffs, complete initial state and deterministic replay.
//
// # Deterministic Testing
//
// Scenarios run against testutil.FakeSim with a fixed run id and start
// time, so identical scenarios produce identical traces for golden file
// comparison.
package harness
