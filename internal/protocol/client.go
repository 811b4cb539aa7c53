package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/rvdebug/internal/trace"
	"github.com/roach88/rvdebug/internal/transport"
)

// Register groups as numbered by the simulator.
const (
	GroupInt    = 0
	GroupFP     = 1
	GroupVector = 2
	GroupCSR    = 3
)

// Requester performs one request/response exchange. *transport.Process
// implements it.
type Requester interface {
	Request(ctx context.Context, command string) (transport.Response, error)
}

// Client is the typed command vocabulary layered on a Requester.
type Client struct {
	r Requester
}

// NewClient wraps r.
func NewClient(r Requester) *Client {
	return &Client{r: r}
}

// exitTimeout bounds how long Close waits for sim.exit to be answered.
var exitTimeout = 2 * time.Second

// Close asks the simulator to exit and closes the underlying requester if it
// is an io.Closer. The closer runs even if sim.exit goes unanswered.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), exitTimeout)
	_, _ = c.r.Request(ctx, "sim.exit")
	cancel()
	if closer, ok := c.r.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// payload sends command and unwraps an Ack. Error/warn envelopes become
// *CommandError, a lost connection becomes ErrBrokenPipe.
func (c *Client) payload(ctx context.Context, command string) (transport.Payload, error) {
	resp, err := c.r.Request(ctx, command)
	if err != nil {
		return transport.Payload{}, err
	}

	switch r := resp.(type) {
	case transport.Ack:
		return r.Payload, nil
	case transport.ErrorReply:
		return transport.Payload{}, &CommandError{Command: command, Message: r.Message}
	case transport.WarningReply:
		return transport.Payload{}, &CommandError{Command: command, Warning: true, Message: r.Message}
	case transport.BrokenPipe:
		return transport.Payload{}, fmt.Errorf("%s: %w", command, ErrBrokenPipe)
	default:
		return transport.Payload{}, &DesyncError{Command: command, Reason: fmt.Sprintf("unexpected response %T", resp)}
	}
}

func (c *Client) ack(ctx context.Context, command string) error {
	_, err := c.payload(ctx, command)
	return err
}

func (c *Client) value(ctx context.Context, command string) (trace.Value, error) {
	p, err := c.payload(ctx, command)
	if err != nil {
		return 0, err
	}
	switch p.Type {
	case transport.TypeInt:
		return p.Int, nil
	case transport.TypeStr:
		v, err := trace.ParseValue(p.Str)
		if err != nil {
			return 0, &DesyncError{Command: command, Reason: err.Error()}
		}
		return v, nil
	default:
		return 0, &DesyncError{Command: command, Reason: fmt.Sprintf("expected int payload, got %q", p.Type)}
	}
}

func (c *Client) str(ctx context.Context, command string) (string, error) {
	p, err := c.payload(ctx, command)
	if err != nil {
		return "", err
	}
	switch p.Type {
	case transport.TypeStr:
		return p.Str, nil
	case transport.TypeNone:
		return "", nil
	default:
		return "", &DesyncError{Command: command, Reason: fmt.Sprintf("expected str payload, got %q", p.Type)}
	}
}

func (c *Client) boolean(ctx context.Context, command string) (bool, error) {
	p, err := c.payload(ctx, command)
	if err != nil {
		return false, err
	}
	switch p.Type {
	case transport.TypeBool:
		return p.Bool, nil
	case transport.TypeInt:
		return p.Int != 0, nil
	default:
		return false, &DesyncError{Command: command, Reason: fmt.Sprintf("expected bool payload, got %q", p.Type)}
	}
}

// phase interprets a phase-valued reply. A lost connection is the sim_dead
// phase, not an error.
func (c *Client) phase(ctx context.Context, command string) (trace.Phase, error) {
	s, err := c.str(ctx, command)
	if errors.Is(err, ErrBrokenPipe) {
		return trace.PhaseSimDead, nil
	}
	if err != nil {
		return trace.PhaseUnknown, err
	}
	p, err := trace.ParsePhase(s)
	if err != nil {
		return trace.PhaseUnknown, &DesyncError{Command: command, Reason: err.Error()}
	}
	return p, nil
}

// PC returns the program counter.
func (c *Client) PC(ctx context.Context) (trace.Value, error) {
	return c.value(ctx, "state.pc")
}

// PrevPC returns the PC of the previously executed instruction. At
// post_execute the PC has already advanced; this is the retired one.
func (c *Client) PrevPC(ctx context.Context) (trace.Value, error) {
	return c.value(ctx, "state.prev_pc")
}

// Priv returns the current privilege mode.
func (c *Client) Priv(ctx context.Context) (trace.Value, error) {
	return c.value(ctx, "state.priv")
}

// XLEN returns the register width in bits.
func (c *Client) XLEN(ctx context.Context) (int, error) {
	v, err := c.value(ctx, "state.xlen")
	return int(v), err
}

// NumRegsInGroup returns how many register slots group has.
func (c *Client) NumRegsInGroup(ctx context.Context, group int) (int, error) {
	v, err := c.value(ctx, fmt.Sprintf("state.num_regs_in_group %d", group))
	return int(v), err
}

// RegName returns the name of register id in group.
func (c *Client) RegName(ctx context.Context, group, id int) (string, error) {
	return c.str(ctx, fmt.Sprintf("reg.name %d %d", group, id))
}

// RegisterNames enumerates the registers of group. Slots the simulator
// rejects (unimplemented CSR numbers) are skipped.
func (c *Client) RegisterNames(ctx context.Context, group int) ([]string, error) {
	n, err := c.NumRegsInGroup(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("enumerate group %d: %w", group, err)
	}

	names := make([]string, 0, n)
	for id := 0; id < n; id++ {
		name, err := c.RegName(ctx, group, id)
		if IsCommandError(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("enumerate group %d: %w", group, err)
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// RegValue reads a register or CSR by name.
func (c *Client) RegValue(ctx context.Context, name string) (trace.Value, error) {
	return c.value(ctx, "reg.value "+name)
}

// WriteReg writes a register through the architectural write path.
func (c *Client) WriteReg(ctx context.Context, name string, v trace.Value) error {
	return c.ack(ctx, fmt.Sprintf("reg.write %s %s", name, trace.FormatHex(v)))
}

// DMIWriteReg writes a register directly, bypassing write masks.
func (c *Client) DMIWriteReg(ctx context.Context, name string, v trace.Value) error {
	return c.ack(ctx, fmt.Sprintf("reg.dmiwrite %s %s", name, trace.FormatHex(v)))
}

// Break arms a breakpoint for one of the three execute phases.
func (c *Client) Break(ctx context.Context, p trace.Phase) error {
	if !p.Breakable() {
		return fmt.Errorf("break: phase %s cannot be armed", p)
	}
	return c.ack(ctx, "sim.break "+p.String())
}

// Continue runs to the next armed breakpoint, or until the simulation
// finishes or dies, and returns the phase reached.
func (c *Client) Continue(ctx context.Context) (trace.Phase, error) {
	return c.phase(ctx, "sim.continue")
}

// FinishExecute skips the simulator's own instruction body and jumps to
// the phase-advance bookkeeping. Used when an external implementation
// stands in for the native one.
func (c *Client) FinishExecute(ctx context.Context) (trace.Phase, error) {
	return c.phase(ctx, "sim.finish_execute")
}

// Kill forces the sim_dead phase with the given workload exit code.
func (c *Client) Kill(ctx context.Context, exitCode int) (trace.Phase, error) {
	p, err := c.phase(ctx, fmt.Sprintf("sim.kill %d", exitCode))
	if err != nil {
		return trace.PhaseUnknown, err
	}
	if p != trace.PhaseSimDead {
		return p, &DesyncError{Command: "sim.kill", Reason: fmt.Sprintf("expected sim_dead, got %s", p)}
	}
	return p, nil
}

// SimStatus is the terminal status of a run.
type SimStatus struct {
	WorkloadExitCode int64  `json:"workload_exit_code"`
	TestPassed       bool   `json:"test_passed"`
	SimStopped       bool   `json:"sim_stopped"`
	InstCount        uint64 `json:"inst_count"`
}

// Status reads the run status fields.
func (c *Client) Status(ctx context.Context) (SimStatus, error) {
	var st SimStatus

	code, err := c.value(ctx, "state.exit_code")
	if err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	st.WorkloadExitCode = int64(code)

	if st.TestPassed, err = c.boolean(ctx, "state.test_passed"); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	if st.SimStopped, err = c.boolean(ctx, "state.sim_stopped"); err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	count, err := c.value(ctx, "state.inst_count")
	if err != nil {
		return st, fmt.Errorf("status: %w", err)
	}
	st.InstCount = uint64(count)
	return st, nil
}

// Alive pings the simulator with a PC read.
func (c *Client) Alive(ctx context.Context) bool {
	_, err := c.PC(ctx)
	return !errors.Is(err, ErrBrokenPipe) && !errors.Is(err, transport.ErrNotStarted)
}

// optionalName turns an empty register name into "".
func optionalName(s string) string {
	return strings.TrimSpace(s)
}
