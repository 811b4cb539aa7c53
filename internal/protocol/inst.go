package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/rvdebug/internal/trace"
)

// InstDescriptor describes the instruction at the current phase.
type InstDescriptor struct {
	UID       uint64
	Mnemonic  string
	Opcode    trace.Value
	Dasm      string
	Priv      trace.Value
	Immediate *trace.Value
	Rs1       string
	Rs2       string
	Rd        string
}

// InstUID returns the uid of the current instruction.
func (c *Client) InstUID(ctx context.Context) (uint64, error) {
	v, err := c.value(ctx, "inst.uid")
	return uint64(v), err
}

// InstMnemonic returns the mnemonic of the current instruction.
func (c *Client) InstMnemonic(ctx context.Context) (string, error) {
	return c.str(ctx, "inst.mnemonic")
}

// InstDasm returns the disassembly of the current instruction.
func (c *Client) InstDasm(ctx context.Context) (string, error) {
	return c.str(ctx, "inst.dasm_string")
}

// InstOpcode returns the opcode of the current instruction.
func (c *Client) InstOpcode(ctx context.Context) (trace.Value, error) {
	return c.value(ctx, "inst.opcode")
}

// InstPriv returns the privilege mode the current instruction runs in.
func (c *Client) InstPriv(ctx context.Context) (trace.Value, error) {
	return c.value(ctx, "inst.priv")
}

// InstImmediate returns the immediate operand; ok is false when the
// instruction has none.
func (c *Client) InstImmediate(ctx context.Context) (v trace.Value, ok bool, err error) {
	v, err = c.value(ctx, "inst.immediate")
	if IsCommandError(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// InstOperand returns the register name of operand ("rs1", "rs2" or "rd"),
// or "" when the instruction has no such operand.
func (c *Client) InstOperand(ctx context.Context, operand string) (string, error) {
	name, err := c.str(ctx, "inst."+operand+".name")
	if IsCommandError(err) {
		return "", nil
	}
	return optionalName(name), err
}

// ActiveException returns the trap cause being raised, or -1 when none is.
func (c *Client) ActiveException(ctx context.Context) (int64, error) {
	v, err := c.value(ctx, "inst.active_exception")
	if err != nil {
		return -1, err
	}
	return int64(v), nil
}

// CurrentInst reads the full descriptor of the current instruction. It
// returns nil without error when no decoded instruction exists (for
// example, an exception raised at fetch or decode).
func (c *Client) CurrentInst(ctx context.Context) (*InstDescriptor, error) {
	uid, err := c.InstUID(ctx)
	if IsCommandError(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	d := &InstDescriptor{UID: uid}
	if d.Mnemonic, err = c.InstMnemonic(ctx); err != nil {
		return nil, err
	}
	if d.Opcode, err = c.InstOpcode(ctx); err != nil {
		return nil, err
	}
	dasm, err := c.InstDasm(ctx)
	if err != nil {
		return nil, err
	}
	d.Dasm = trace.NormalizeDasm(dasm)
	if d.Priv, err = c.InstPriv(ctx); err != nil {
		return nil, err
	}

	imm, ok, err := c.InstImmediate(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		d.Immediate = &imm
	}

	for _, op := range []struct {
		name string
		dst  *string
	}{{"rs1", &d.Rs1}, {"rs2", &d.Rs2}, {"rd", &d.Rd}} {
		if *op.dst, err = c.InstOperand(ctx, op.name); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MemAccesses returns the loads and stores the current instruction
// performed. The returned accesses carry no UID.
func (c *Client) MemAccesses(ctx context.Context) ([]trace.MemoryAccess, error) {
	s, err := c.str(ctx, "inst.mem_accesses")
	if IsWarning(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	accesses, err := ParseMemAccesses(s)
	if err != nil {
		return nil, &DesyncError{Command: "inst.mem_accesses", Reason: err.Error()}
	}
	return accesses, nil
}

// ParseMemAccesses decodes the inst.mem_accesses payload:
//
//	r <addr> <value>;w <addr> <value> <prior>
func ParseMemAccesses(s string) ([]trace.MemoryAccess, error) {
	var out []trace.MemoryAccess
	for _, entry := range strings.Split(s, ";") {
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}

		kind := trace.AccessKind(fields[0])
		switch {
		case kind == trace.AccessRead && len(fields) == 3:
		case kind == trace.AccessWrite && len(fields) == 4:
		default:
			return nil, fmt.Errorf("malformed memory access %q", entry)
		}

		addr, err := trace.ParseValue(fields[1])
		if err != nil {
			return nil, fmt.Errorf("memory access address: %w", err)
		}
		val, err := trace.ParseValue(fields[2])
		if err != nil {
			return nil, fmt.Errorf("memory access value: %w", err)
		}
		acc := trace.MemoryAccess{Kind: kind, Addr: addr, Value: val}
		if kind == trace.AccessWrite {
			prior, err := trace.ParseValue(fields[3])
			if err != nil {
				return nil, fmt.Errorf("memory access prior: %w", err)
			}
			acc.Prior = &prior
		}
		out = append(out, acc)
	}
	return out, nil
}
