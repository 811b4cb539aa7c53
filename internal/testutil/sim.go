package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/rvdebug/internal/trace"
	"github.com/roach88/rvdebug/internal/transport"
)

// DefaultCSRs are the control/status registers a FakeSim exposes, in slot
// order. The empty slot is unimplemented: reg.name replies with an error.
var DefaultCSRs = []string{"mstatus", "misa", "", "mtvec", "mepc", "mcause", "mtval", "fflags"}

// Step is one scripted instruction. Steps decode from YAML, with values
// written as hex or decimal scalars.
type Step struct {
	PC       trace.Value `yaml:"pc"`
	Opcode   trace.Value `yaml:"opcode"`
	Mnemonic string      `yaml:"mnemonic"`
	Dasm     string      `yaml:"dasm"`
	Rd       string      `yaml:"rd,omitempty"`

	// Writes are applied when the instruction executes (skipped if it
	// raises an exception).
	Writes map[string]trace.Value `yaml:"writes,omitempty"`

	// Memory is reported by inst.mem_accesses at post_execute.
	Memory []trace.MemoryAccess `yaml:"memory,omitempty"`

	// Exception, when set, enters pre_exception instead of executing.
	Exception *Exception `yaml:"exception,omitempty"`

	// Undecodable steps have no instruction object: inst.* commands fail.
	Undecodable bool `yaml:"undecodable,omitempty"`

	// Goto, when set, is the index of the next step; otherwise execution
	// falls through to the following step.
	Goto *int `yaml:"goto,omitempty"`
}

// Exception is a trap raised by a step.
type Exception struct {
	Cause  int64                  `yaml:"cause"`
	Writes map[string]trace.Value `yaml:"writes,omitempty"`
	Priv   *trace.Value           `yaml:"priv,omitempty"`
}

// To returns a pointer for Step.Goto.
func To(i int) *int { return &i }

type stage int

const (
	stageStart stage = iota // about to begin the step at idx
	stagePre                // stopped at pre_execute
	stageExc                // stopped at pre_exception
	stagePost               // instruction done, PC advanced
)

// FakeSim is an in-memory simulator that speaks the line protocol. It
// implements protocol.Requester by rendering every reply as a marker line
// and decoding it with transport.Codec, so the envelope codec is exercised
// too.
type FakeSim struct {
	mu sync.Mutex

	steps []Step
	regs  map[string]trace.Value
	csrs  []string
	uids  *UIDClock
	codec transport.Codec

	idx        int
	stage      stage
	pc, prevPC trace.Value
	priv       trace.Value
	uid        uint64
	excActive  bool
	breaks     map[trace.Phase]bool
	instCount  uint64
	exitCode   int64
	testPassed bool
	stopped    bool
	dead       bool
	exited     bool

	// ExitCode and TestPassed are reported when the program runs off its
	// last step.
	ExitCode   int64
	TestPassed bool

	// Unreadable names registers that enumerate normally but whose
	// reg.value replies with an error.
	Unreadable map[string]bool

	// UndecodableSkipsUID makes undecodable steps take no uid, so the next
	// decoded instruction gets the uid that directly follows the previous
	// one.
	UndecodableSkipsUID bool

	// CrashAfter, when positive, makes the simulator vanish after that many
	// requests: every later request yields BrokenPipe.
	CrashAfter int

	// Commands records every command received, in order.
	Commands []string
}

// NewFakeSim creates a simulator at machine mode with 32 integer and 32 FP
// registers, DefaultCSRs, all zero, and uids starting at 1.
func NewFakeSim(steps ...Step) *FakeSim {
	f := &FakeSim{
		steps:      steps,
		regs:       make(map[string]trace.Value),
		csrs:       DefaultCSRs,
		uids:       NewUIDClock(0),
		codec:      transport.Codec{Marker: transport.DefaultResponseMarker},
		breaks:     make(map[trace.Phase]bool),
		priv:       3,
		TestPassed: true,
	}
	for i := 0; i < 32; i++ {
		f.regs[fmt.Sprintf("x%d", i)] = 0
		f.regs[fmt.Sprintf("f%d", i)] = 0
	}
	for _, name := range f.csrs {
		if name != "" {
			f.regs[name] = 0
		}
	}
	if len(steps) > 0 {
		f.pc = steps[0].PC
	}
	return f
}

// SetReg presets a register value.
func (f *FakeSim) SetReg(name string, v trace.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[name] = v
}

// Reg returns a register's current value.
func (f *FakeSim) Reg(name string) trace.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[name]
}

// Armed returns the phases with an armed breakpoint, sorted.
func (f *FakeSim) Armed() []trace.Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []trace.Phase
	for p := range f.breaks {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Request implements protocol.Requester.
func (f *FakeSim) Request(ctx context.Context, command string) (transport.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.Commands = append(f.Commands, command)
	if f.exited || (f.CrashAfter > 0 && len(f.Commands) > f.CrashAfter) {
		return transport.BrokenPipe{}, nil
	}

	line := f.handle(strings.Fields(command))
	resp, ok := f.codec.Decode(line)
	if !ok {
		return nil, fmt.Errorf("fake sim rendered undecodable line %q", line)
	}
	return resp, nil
}

func (f *FakeSim) handle(args []string) string {
	if len(args) == 0 {
		return f.errLine("empty command")
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "state.pc":
		return f.intLine(f.pc)
	case "state.prev_pc":
		return f.intLine(f.prevPC)
	case "state.priv":
		return f.intLine(f.priv)
	case "state.xlen":
		return f.intLine(64)
	case "state.exit_code":
		return f.intLine(trace.Value(uint64(f.exitCode)))
	case "state.test_passed":
		return f.boolLine(f.testPassed)
	case "state.sim_stopped":
		return f.boolLine(f.stopped)
	case "state.inst_count":
		return f.intLine(trace.Value(f.instCount))
	case "state.num_regs_in_group":
		g, err := intArg(args, 0)
		if err != nil {
			return f.errLine(err.Error())
		}
		return f.intLine(trace.Value(f.groupSize(g)))
	case "reg.name":
		g, err1 := intArg(args, 0)
		id, err2 := intArg(args, 1)
		if err1 != nil || err2 != nil {
			return f.errLine("usage: reg.name <group> <id>")
		}
		name := f.regName(g, id)
		if name == "" {
			return f.errLine(fmt.Sprintf("no register %d in group %d", id, g))
		}
		return f.strLine(name)
	case "reg.value":
		if len(args) != 1 {
			return f.errLine("usage: reg.value <name>")
		}
		v, ok := f.regs[args[0]]
		if !ok {
			return f.errLine("unknown register " + args[0])
		}
		if f.Unreadable[args[0]] {
			return f.errLine(args[0] + " not readable")
		}
		return f.intLine(v)
	case "reg.write", "reg.dmiwrite":
		if len(args) != 2 {
			return f.errLine("usage: " + cmd + " <name> <value>")
		}
		if _, ok := f.regs[args[0]]; !ok {
			return f.errLine("unknown register " + args[0])
		}
		v, err := trace.ParseValue(args[1])
		if err != nil {
			return f.errLine(err.Error())
		}
		f.regs[args[0]] = v
		return f.ackLine()
	case "sim.break":
		if len(args) != 1 {
			return f.errLine("usage: sim.break <phase>")
		}
		p, err := trace.ParsePhase(args[0])
		if err != nil || !p.Breakable() {
			return f.errLine("cannot break on " + args[0])
		}
		f.breaks[p] = true
		return f.ackLine()
	case "sim.continue":
		return f.strLine(f.advance().String())
	case "sim.finish_execute":
		if f.stage != stagePre || f.dead || f.stopped {
			return f.errLine("finish_execute only valid at pre_execute")
		}
		f.retireWithout()
		return f.strLine(f.advance().String())
	case "sim.kill":
		code, err := intArg(args, 0)
		if err != nil {
			return f.errLine("usage: sim.kill <code>")
		}
		f.dead, f.stopped, f.testPassed = true, true, false
		f.exitCode = int64(code)
		return f.strLine(trace.PhaseSimDead.String())
	case "sim.exit":
		f.exited = true
		return f.ackLine()
	}

	if strings.HasPrefix(cmd, "inst.") {
		return f.handleInst(cmd)
	}
	return f.errLine("unknown command " + cmd)
}

func (f *FakeSim) handleInst(cmd string) string {
	if f.stage == stageStart || f.idx >= len(f.steps) {
		return f.errLine("no active instruction")
	}
	step := f.steps[f.idx]

	if cmd == "inst.active_exception" {
		if f.excActive {
			return f.intLine(trace.Value(uint64(step.Exception.Cause)))
		}
		return f.intLine(trace.Value(uint64(0xffffffffffffffff)))
	}
	if step.Undecodable {
		return f.errLine("instruction could not be decoded")
	}

	switch cmd {
	case "inst.uid":
		return f.intLine(trace.Value(f.uid))
	case "inst.mnemonic":
		return f.strLine(step.Mnemonic)
	case "inst.dasm_string":
		return f.strLine(step.Dasm)
	case "inst.opcode":
		return f.intLine(step.Opcode)
	case "inst.priv":
		return f.intLine(f.priv)
	case "inst.immediate":
		return f.warnLine("instruction has no immediate")
	case "inst.rs1.name", "inst.rs2.name":
		return f.strLine("")
	case "inst.rd.name":
		return f.strLine(step.Rd)
	case "inst.mem_accesses":
		if f.stage != stagePost {
			return f.strLine("")
		}
		return f.strLine(formatMemory(step.Memory))
	default:
		return f.errLine("unknown command " + cmd)
	}
}

// advance runs the state machine until an armed phase or a terminal phase.
func (f *FakeSim) advance() trace.Phase {
	if f.dead {
		return trace.PhaseSimDead
	}
	for {
		switch f.stage {
		case stageStart:
			if f.idx >= len(f.steps) {
				f.stopped = true
				f.exitCode = f.ExitCode
				f.testPassed = f.TestPassed
				return trace.PhaseSimFinished
			}
			step := f.steps[f.idx]
			f.pc = step.PC
			f.excActive = false
			// Undecodable steps consume a uid unless UndecodableSkipsUID is
			// set; either way inst.uid fails for them.
			if !step.Undecodable || !f.UndecodableSkipsUID {
				f.uid = f.uids.Next()
			}
			f.stage = stagePre
			if f.breaks[trace.PhasePreExecute] {
				return trace.PhasePreExecute
			}
		case stagePre:
			step := f.steps[f.idx]
			if step.Exception != nil {
				f.excActive = true
				f.stage = stageExc
				if f.breaks[trace.PhasePreException] {
					return trace.PhasePreException
				}
				continue
			}
			for name, v := range step.Writes {
				f.regs[name] = v
			}
			f.retireWithout()
			if f.breaks[trace.PhasePostExecute] {
				return trace.PhasePostExecute
			}
		case stageExc:
			exc := f.steps[f.idx].Exception
			for name, v := range exc.Writes {
				f.regs[name] = v
			}
			if exc.Priv != nil {
				f.priv = *exc.Priv
			}
			f.retireWithout()
			if f.breaks[trace.PhasePostExecute] {
				return trace.PhasePostExecute
			}
		case stagePost:
			f.idx = f.nextIdx()
			f.stage = stageStart
		}
	}
}

// retireWithout does the phase-advance bookkeeping without executing the
// instruction body.
func (f *FakeSim) retireWithout() {
	f.prevPC = f.pc
	if next := f.nextIdx(); next < len(f.steps) {
		f.pc = f.steps[next].PC
	} else {
		f.pc = f.prevPC + 4
	}
	f.instCount++
	f.stage = stagePost
}

func (f *FakeSim) nextIdx() int {
	if g := f.steps[f.idx].Goto; g != nil {
		return *g
	}
	return f.idx + 1
}

func (f *FakeSim) groupSize(g int) int {
	switch g {
	case 0, 1:
		return 32
	case 3:
		return len(f.csrs)
	default:
		return 0
	}
}

func (f *FakeSim) regName(g, id int) string {
	switch {
	case g == 0 && id >= 0 && id < 32:
		return fmt.Sprintf("x%d", id)
	case g == 1 && id >= 0 && id < 32:
		return fmt.Sprintf("f%d", id)
	case g == 3 && id >= 0 && id < len(f.csrs):
		return f.csrs[id]
	default:
		return ""
	}
}

func intArg(args []string, i int) (int, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	return strconv.Atoi(args[i])
}

func formatMemory(accesses []trace.MemoryAccess) string {
	parts := make([]string, 0, len(accesses))
	for _, a := range accesses {
		if a.Kind == trace.AccessWrite && a.Prior != nil {
			parts = append(parts, fmt.Sprintf("w %#x %#x %#x", uint64(a.Addr), uint64(a.Value), uint64(*a.Prior)))
			continue
		}
		parts = append(parts, fmt.Sprintf("r %#x %#x", uint64(a.Addr), uint64(a.Value)))
	}
	return strings.Join(parts, ";")
}

func (f *FakeSim) line(body string) string {
	return "[sim] " + transport.DefaultResponseMarker + body
}

func (f *FakeSim) ackLine() string {
	return f.line(`{"response_code": "ok"}`)
}

func (f *FakeSim) intLine(v trace.Value) string {
	return f.line(fmt.Sprintf(`{"response_code": "ok", "response_type": "int", "response_payload": "%#x"}`, uint64(v)))
}

func (f *FakeSim) boolLine(b bool) string {
	return f.line(fmt.Sprintf(`{"response_code": "ok", "response_type": "bool", "response_payload": %t}`, b))
}

func (f *FakeSim) strLine(s string) string {
	return f.line(fmt.Sprintf(`{"response_code": "ok", "response_type": "str", "response_payload": %s}`, strconv.Quote(s)))
}

func (f *FakeSim) errLine(msg string) string {
	return f.line(fmt.Sprintf(`{"response_code": "err", "response_payload": %s}`, strconv.Quote(msg)))
}

func (f *FakeSim) warnLine(msg string) string {
	return f.line(fmt.Sprintf(`{"response_code": "warn", "response_payload": %s}`, strconv.Quote(msg)))
}
