package trace

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// PrivRegName is the pseudo-register under which the privilege level is
// recorded alongside the architectural registers.
const PrivRegName = "resv_priv"

// Phase is a state of the simulator's execution-step state machine.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhasePreExecute
	PhasePreException
	PhasePostExecute
	PhaseSimFinished
	PhaseSimDead
)

var phaseNames = map[Phase]string{
	PhasePreExecute:   "pre_execute",
	PhasePreException: "pre_exception",
	PhasePostExecute:  "post_execute",
	PhaseSimFinished:  "sim_finished",
	PhaseSimDead:      "sim_dead",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalText implements encoding.TextMarshaler using the wire name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	parsed, err := ParsePhase(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Terminal reports whether no further phases follow p.
func (p Phase) Terminal() bool {
	return p == PhaseSimFinished || p == PhaseSimDead
}

// Breakable reports whether a breakpoint can be armed for p.
func (p Phase) Breakable() bool {
	return p == PhasePreExecute || p == PhasePreException || p == PhasePostExecute
}

// ParsePhase maps the wire name of a phase to a Phase.
func ParsePhase(s string) (Phase, error) {
	s = strings.TrimSpace(s)
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return PhaseUnknown, fmt.Errorf("unknown phase %q", s)
}

// InitialRegisterValue is one register read before the first instruction
// retires.
type InitialRegisterValue struct {
	Name  string
	Value Value
}

// Instruction is one retired instruction.
type Instruction struct {
	UID    uint64
	PC     Value
	Opcode Value
	Dasm   string
}

// RegisterChange records the post-retirement value of a register that
// differs from its pre-execute value.
type RegisterChange struct {
	UID      uint64
	Name     string
	Value    Value
	Expected *Value // nil when no oracle value is known
}

// AccessKind distinguishes loads from stores.
type AccessKind string

const (
	AccessRead  AccessKind = "r"
	AccessWrite AccessKind = "w"
)

// MemoryAccess is one load or store performed by an instruction. Reads have
// no prior value.
type MemoryAccess struct {
	UID   uint64
	Kind  AccessKind
	Addr  Value
	Value Value
	Prior *Value
}

// Retirement groups an instruction with everything it changed. It is the
// unit the recorder appends to the store.
type Retirement struct {
	Instruction Instruction
	Changes     []RegisterChange
	Memory      []MemoryAccess
}

// Change is the previous/current pair of a register at one instruction.
type Change struct {
	Previous Value `json:"previous"`
	Current  Value `json:"current"`
}

// Snapshot is the reconstructed machine state right after an instruction
// retired. Snapshots are built on demand and never mutated once returned.
type Snapshot struct {
	UID       uint64            `json:"uid"`
	PC        Value             `json:"pc"`
	Opcode    Value             `json:"opcode"`
	Dasm      string            `json:"dasm"`
	Changes   map[string]Change `json:"changes"`
	Registers map[string]Value  `json:"registers"`
	Expected  map[string]Value  `json:"expected"`
}

// NormalizeDasm returns the form in which disassembly text is stored: NFC
// normalised, tabs expanded to four spaces, surrounding whitespace and
// newlines removed.
func NormalizeDasm(s string) string {
	s = norm.NFC.String(s)
	s = strings.ReplaceAll(s, "\t", "    ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}

// Mnemonic returns the first word of a disassembly string.
func Mnemonic(dasm string) string {
	fields := strings.Fields(dasm)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
