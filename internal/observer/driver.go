package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/trace"
)

// DefaultKillCode is the workload exit code forced on a stuck or timed-out
// simulation.
const DefaultKillCode = 555

// Options configures a Driver.
type Options struct {
	// Timeout bounds the wall-clock duration of the run; zero means none.
	Timeout time.Duration

	// KillCode is the exit code passed to sim.kill. Zero means
	// DefaultKillCode.
	KillCode int

	Logger *slog.Logger

	// Now overrides the clock (for testing).
	Now func() time.Time
}

// Result summarises how a run ended.
type Result struct {
	Final    trace.Phase `json:"final_phase"`
	Stuck    bool        `json:"stuck"`
	TimedOut bool        `json:"timed_out"`
	LastPC   trace.Value `json:"last_pc"`
	Steps    int         `json:"steps"`

	// Status is the simulator's terminal status; StatusKnown is false when
	// the simulator could no longer be queried.
	Status      protocol.SimStatus `json:"status"`
	StatusKnown bool               `json:"status_known"`
}

// Driver runs the phase loop against a simulator and dispatches every phase
// to an Observer. One Driver drives one run.
type Driver struct {
	sim  *protocol.Client
	opts Options
	log  *slog.Logger

	lastPC  trace.Value
	havePC  bool
	started time.Time
}

// NewDriver creates a driver for sim.
func NewDriver(sim *protocol.Client, opts Options) *Driver {
	if opts.KillCode == 0 {
		opts.KillCode = DefaultKillCode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Driver{sim: sim, opts: opts, log: log}
}

// Run steps the simulator to completion.
//
// The loop ends cleanly in sim_finished or sim_dead; a lost connection is
// sim_dead, not an error. A pre_execute PC equal to the previous
// pre_execute PC, or an expired Timeout, calls OnSimulationStuck and kills
// the simulator. Errors are returned for protocol desync, context
// cancellation and observer failures; in those cases the simulator is
// killed before returning.
func (d *Driver) Run(ctx context.Context, obs Observer) (Result, error) {
	var res Result
	d.started = d.opts.Now()

	if err := obs.OnPreSimulation(ctx, d.sim); err != nil {
		return d.abort(res, fmt.Errorf("pre-simulation: %w", err))
	}

	// pre_execute is always armed: stuck detection needs every PC.
	if err := d.sim.Break(ctx, trace.PhasePreExecute); err != nil {
		return d.abort(res, fmt.Errorf("arm pre_execute: %w", err))
	}
	if obs.BreakOnPreException() {
		if err := d.sim.Break(ctx, trace.PhasePreException); err != nil {
			return d.abort(res, fmt.Errorf("arm pre_exception: %w", err))
		}
	}
	if obs.BreakOnPostExecute() {
		if err := d.sim.Break(ctx, trace.PhasePostExecute); err != nil {
			return d.abort(res, fmt.Errorf("arm post_execute: %w", err))
		}
	}

	for {
		phase, err := d.sim.Continue(ctx)
		if err != nil {
			return d.abort(res, fmt.Errorf("continue: %w", err))
		}

		if phase == trace.PhasePreExecute {
			res.Steps++
			phase, err = d.checkStuck(ctx, obs, &res)
			if err != nil {
				return d.abort(res, err)
			}
		}

		d.log.Debug("phase", "phase", phase, "pc", d.lastPC)
		if err := d.dispatch(ctx, obs, phase); err != nil {
			return d.abort(res, fmt.Errorf("%s: %w", phase, err))
		}
		if phase.Terminal() {
			res.Final = phase
			break
		}

		if d.opts.Timeout > 0 && d.opts.Now().Sub(d.started) > d.opts.Timeout {
			d.log.Warn("simulation timed out", "timeout", d.opts.Timeout, "pc", d.lastPC)
			res.TimedOut = true
			if err := obs.OnSimulationStuck(ctx, d.sim); err != nil {
				return d.abort(res, fmt.Errorf("on stuck: %w", err))
			}
			if _, err := d.sim.Kill(ctx, d.opts.KillCode); err != nil && !errors.Is(err, protocol.ErrBrokenPipe) {
				return res, fmt.Errorf("kill after timeout: %w", err)
			}
			if err := obs.OnSimulationDead(ctx, d.lastPC); err != nil {
				return res, fmt.Errorf("%s: %w", trace.PhaseSimDead, err)
			}
			res.Final = trace.PhaseSimDead
			break
		}
	}

	res.LastPC = d.lastPC
	d.readStatus(ctx, &res)
	return res, nil
}

// checkStuck compares the pre_execute PC with the previous one. On a repeat
// it notifies the observer and kills the simulator, turning the phase into
// sim_dead.
func (d *Driver) checkStuck(ctx context.Context, obs Observer, res *Result) (trace.Phase, error) {
	pc, err := d.sim.PC(ctx)
	if errors.Is(err, protocol.ErrBrokenPipe) {
		return trace.PhaseSimDead, nil
	}
	if err != nil {
		return trace.PhaseUnknown, fmt.Errorf("read pc: %w", err)
	}

	if !d.havePC || pc != d.lastPC {
		d.lastPC, d.havePC = pc, true
		return trace.PhasePreExecute, nil
	}

	d.log.Warn("simulation stuck", "pc", pc)
	res.Stuck = true
	if err := obs.OnSimulationStuck(ctx, d.sim); err != nil {
		return trace.PhaseUnknown, fmt.Errorf("on stuck: %w", err)
	}
	phase, err := d.sim.Kill(ctx, d.opts.KillCode)
	if err != nil {
		return trace.PhaseUnknown, fmt.Errorf("kill stuck simulation: %w", err)
	}
	return phase, nil
}

func (d *Driver) dispatch(ctx context.Context, obs Observer, phase trace.Phase) error {
	switch phase {
	case trace.PhasePreExecute:
		if obs.BreakOnPreExecute() {
			return obs.OnPreExecute(ctx, d.sim)
		}
	case trace.PhasePreException:
		if obs.BreakOnPreException() {
			return obs.OnPreException(ctx, d.sim)
		}
	case trace.PhasePostExecute:
		if obs.BreakOnPostExecute() {
			return obs.OnPostExecute(ctx, d.sim)
		}
	case trace.PhaseSimFinished:
		return obs.OnSimFinished(ctx, d.sim)
	case trace.PhaseSimDead:
		return obs.OnSimulationDead(ctx, d.lastPC)
	default:
		return &protocol.DesyncError{Command: "sim.continue", Reason: fmt.Sprintf("unexpected phase %s", phase)}
	}
	return nil
}

// abort kills the simulator (best effort) and returns err.
func (d *Driver) abort(res Result, err error) (Result, error) {
	d.log.Error("run aborted", "error", err, "pc", d.lastPC)
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = d.sim.Kill(killCtx, d.opts.KillCode)
	res.Final = trace.PhaseSimDead
	res.LastPC = d.lastPC
	return res, err
}

func (d *Driver) readStatus(ctx context.Context, res *Result) {
	st, err := d.sim.Status(ctx)
	if err != nil {
		d.log.Debug("status unavailable", "error", err)
		return
	}
	res.Status, res.StatusKnown = st, true
}
