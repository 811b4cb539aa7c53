package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/rvdebug/internal/observer"
	"github.com/roach88/rvdebug/internal/oracle"
	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/trace"
)

// Sink receives the recorded trace. *store.Session implements it.
type Sink interface {
	SetInitialRegisterValue(ctx context.Context, name string, v trace.Value) error
	AppendRetirement(ctx context.Context, r trace.Retirement) error
}

// Oracle supplies expected register values. *oracle.Index implements it.
type Oracle interface {
	GetRegisterInfoAtPC(pc trace.Value, hart int) []oracle.Hit
}

// Progress receives terse status messages. Posting must not block.
type Progress interface {
	Post(msg string)
}

// Progress messages posted at the end of a run.
const (
	StatusFinished = "finished"
	StatusDead     = "dead"
	StatusStuck    = "stuck"
)

// progressEvery is how many retirements pass between progress messages.
const progressEvery = 256

// Options configures a StateSerializer.
type Options struct {
	// Oracle, when set, annotates each change with its expected value.
	Oracle Oracle
	Hart   int

	Progress Progress
	Logger   *slog.Logger
}

// StateSerializer is the observer that records a run into a Sink.
type StateSerializer struct {
	observer.Base

	sink Sink
	opts Options
	log  *slog.Logger

	csrs []string

	// pending is the instruction between pre_execute and post_execute.
	pending     *trace.Instruction
	placeholder bool
	before      map[string]trace.Value

	lastUID uint64
	retired int

	// uidShift is added to simulator uids once a placeholder has taken a
	// uid the simulator later hands to a decoded instruction.
	uidShift         uint64
	afterPlaceholder bool

	occurrences map[trace.Value]int
	stuckPC     *trace.Value
}

// New creates a StateSerializer writing to sink.
func New(sink Sink, opts Options) *StateSerializer {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &StateSerializer{
		sink:        sink,
		opts:        opts,
		log:         log,
		occurrences: make(map[trace.Value]int),
	}
}

// Retired returns the number of instructions recorded so far.
func (s *StateSerializer) Retired() int {
	return s.retired
}

// StuckPC returns the PC at which the run was declared stuck, if it was.
func (s *StateSerializer) StuckPC() *trace.Value {
	return s.stuckPC
}

func (s *StateSerializer) post(msg string) {
	if s.opts.Progress != nil {
		s.opts.Progress.Post(msg)
	}
}

// OnPreSimulation records every integer, floating-point and CSR register
// plus the privilege level.
func (s *StateSerializer) OnPreSimulation(ctx context.Context, sim *protocol.Client) error {
	for _, group := range []int{protocol.GroupInt, protocol.GroupFP, protocol.GroupCSR} {
		names, err := sim.RegisterNames(ctx, group)
		if err != nil {
			return fmt.Errorf("list registers in group %d: %w", group, err)
		}
		readable := names[:0]
		for _, name := range names {
			v, err := sim.RegValue(ctx, name)
			if protocol.IsCommandError(err) {
				s.log.Debug("register unreadable, skipped", "register", name, "error", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			if err := s.sink.SetInitialRegisterValue(ctx, name, v); err != nil {
				return err
			}
			readable = append(readable, name)
		}
		// Only CSRs with an initial value are tracked.
		if group == protocol.GroupCSR {
			s.csrs = readable
		}
	}

	priv, err := sim.Priv(ctx)
	if err != nil {
		return fmt.Errorf("read privilege: %w", err)
	}
	if err := s.sink.SetInitialRegisterValue(ctx, trace.PrivRegName, priv); err != nil {
		return err
	}
	s.post("recording")
	return nil
}

// OnPreExecute snapshots the registers the upcoming instruction may change.
func (s *StateSerializer) OnPreExecute(ctx context.Context, sim *protocol.Client) error {
	s.pending, s.placeholder, s.before = nil, false, nil

	inst, err := sim.CurrentInst(ctx)
	if err != nil {
		return fmt.Errorf("read instruction: %w", err)
	}
	if inst == nil {
		// Undecodable: a placeholder is created if it traps.
		return nil
	}

	pc, err := sim.PC(ctx)
	if err != nil {
		return fmt.Errorf("read pc: %w", err)
	}
	s.pending = &trace.Instruction{UID: s.recordedUID(inst.UID), PC: pc, Opcode: inst.Opcode, Dasm: inst.Dasm}
	s.before = make(map[string]trace.Value)

	if err := s.track(ctx, sim, trace.PrivRegName); err != nil {
		return err
	}
	if inst.Rd != "" {
		if err := s.track(ctx, sim, inst.Rd); err != nil {
			return err
		}
	}
	if touchesCSRs(inst.Mnemonic) {
		return s.trackCSRs(ctx, sim)
	}
	return nil
}

// OnPreException snapshots every CSR. An exception raised before an
// instruction was decoded gets a placeholder instruction whose PC is filled
// in at post_execute.
func (s *StateSerializer) OnPreException(ctx context.Context, sim *protocol.Client) error {
	cause, err := sim.ActiveException(ctx)
	if err != nil {
		return fmt.Errorf("read active exception: %w", err)
	}
	if cause < 0 {
		return nil
	}

	if s.pending == nil {
		uid, err := sim.InstUID(ctx)
		switch {
		case protocol.IsCommandError(err):
			uid = s.lastUID + 1
		case err != nil:
			return fmt.Errorf("read uid: %w", err)
		default:
			uid = s.recordedUID(uid)
		}
		s.pending = &trace.Instruction{UID: uid}
		s.placeholder = true
		s.before = make(map[string]trace.Value)
		if err := s.track(ctx, sim, trace.PrivRegName); err != nil {
			return err
		}
	}
	return s.trackCSRs(ctx, sim)
}

// OnPostExecute appends the retired instruction with its changed registers
// and memory accesses.
func (s *StateSerializer) OnPostExecute(ctx context.Context, sim *protocol.Client) error {
	inst := s.pending
	if inst == nil {
		return nil
	}
	s.pending = nil

	if s.placeholder {
		pc, err := sim.PrevPC(ctx)
		if err != nil {
			return fmt.Errorf("read previous pc: %w", err)
		}
		inst.PC = pc
	}

	hit := s.oracleHit(inst.PC)

	names := make([]string, 0, len(s.before))
	for name := range s.before {
		names = append(names, name)
	}
	sort.Strings(names)

	r := trace.Retirement{Instruction: *inst}
	for _, name := range names {
		cur, err := s.read(ctx, sim, name)
		if protocol.IsCommandError(err) {
			s.log.Debug("register unreadable after retirement", "uid", inst.UID, "register", name, "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if cur == s.before[name] {
			continue
		}
		c := trace.RegisterChange{UID: inst.UID, Name: name, Value: cur}
		if hit != nil {
			c.Expected = expected(hit, name)
			if c.Expected != nil && *c.Expected != cur {
				s.log.Debug("oracle mismatch", "uid", inst.UID, "pc", inst.PC, "register", name,
					"value", cur, "expected", *c.Expected)
			}
		}
		r.Changes = append(r.Changes, c)
	}

	if !s.placeholder {
		mem, err := sim.MemAccesses(ctx)
		if protocol.IsCommandError(err) {
			s.log.Debug("memory accesses unavailable", "uid", inst.UID, "error", err)
		} else if err != nil {
			return fmt.Errorf("read memory accesses: %w", err)
		}
		for i := range mem {
			mem[i].UID = inst.UID
		}
		r.Memory = mem
	}

	if err := s.sink.AppendRetirement(ctx, r); err != nil {
		return err
	}
	s.lastUID = inst.UID
	s.afterPlaceholder = s.placeholder
	s.retired++
	s.before, s.placeholder = nil, false

	if s.retired%progressEvery == 0 {
		s.post(fmt.Sprintf("retired %d (pc %s)", s.retired, inst.PC))
	}
	return nil
}

// OnSimulationStuck remembers where the run stalled.
func (s *StateSerializer) OnSimulationStuck(ctx context.Context, sim *protocol.Client) error {
	if pc, err := sim.PC(ctx); err == nil {
		s.stuckPC = &pc
	}
	s.post(StatusStuck)
	return nil
}

func (s *StateSerializer) OnSimFinished(context.Context, *protocol.Client) error {
	s.post(StatusFinished)
	return nil
}

func (s *StateSerializer) OnSimulationDead(context.Context, trace.Value) error {
	s.post(StatusDead)
	return nil
}

// recordedUID maps a simulator uid to the uid stored for it. Placeholders
// take lastUID+1 without knowing whether the simulator spent a uid on the
// trapping fetch; when it did not, the next decoded uid collides and every
// later uid is shifted up to keep retirement order strict.
func (s *StateSerializer) recordedUID(simUID uint64) uint64 {
	uid := simUID + s.uidShift
	if s.afterPlaceholder && uid <= s.lastUID {
		s.uidShift += s.lastUID + 1 - uid
		s.log.Debug("uid shifted past placeholder", "sim_uid", simUID, "shift", s.uidShift)
		uid = s.lastUID + 1
	}
	return uid
}

func (s *StateSerializer) track(ctx context.Context, sim *protocol.Client, name string) error {
	if _, ok := s.before[name]; ok {
		return nil
	}
	v, err := s.read(ctx, sim, name)
	if protocol.IsCommandError(err) {
		s.log.Debug("register unreadable, not tracked", "register", name, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	s.before[name] = v
	return nil
}

func (s *StateSerializer) trackCSRs(ctx context.Context, sim *protocol.Client) error {
	if s.before == nil {
		return nil
	}
	for _, name := range s.csrs {
		if err := s.track(ctx, sim, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *StateSerializer) read(ctx context.Context, sim *protocol.Client, name string) (trace.Value, error) {
	var (
		v   trace.Value
		err error
	)
	if name == trace.PrivRegName {
		v, err = sim.Priv(ctx)
	} else {
		v, err = sim.RegValue(ctx, name)
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	return v, nil
}

// oracleHit returns the reference retirement matching this retirement of
// pc: the n-th time pc retires is matched with the n-th hit.
func (s *StateSerializer) oracleHit(pc trace.Value) *oracle.Hit {
	if s.opts.Oracle == nil {
		return nil
	}
	n := s.occurrences[pc]
	s.occurrences[pc] = n + 1

	hits := s.opts.Oracle.GetRegisterInfoAtPC(pc, s.opts.Hart)
	if n >= len(hits) {
		return nil
	}
	return &hits[n]
}

func expected(hit *oracle.Hit, name string) *trace.Value {
	// The log's privilege column is the level the instruction ran at, not
	// the level after it retired.
	if name == trace.PrivRegName {
		return nil
	}
	if v, ok := hit.Lookup(name); ok {
		return &v
	}
	return nil
}
