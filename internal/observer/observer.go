package observer

import (
	"context"

	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/trace"
)

// Observer receives phase events from a Driver.
//
// The Break* methods are consulted once, before stepping starts; a phase an
// observer does not ask for is never armed on its behalf (pre_execute is
// always armed for stuck detection, but dispatched as a no-op). Returning an
// error from a hook aborts the run.
//
// Embed Base to get no-op hooks and override only what is needed.
type Observer interface {
	BreakOnPreExecute() bool
	BreakOnPreException() bool
	BreakOnPostExecute() bool

	OnPreSimulation(ctx context.Context, sim *protocol.Client) error
	OnPreExecute(ctx context.Context, sim *protocol.Client) error
	OnPreException(ctx context.Context, sim *protocol.Client) error
	OnPostExecute(ctx context.Context, sim *protocol.Client) error
	OnSimulationStuck(ctx context.Context, sim *protocol.Client) error
	OnSimFinished(ctx context.Context, sim *protocol.Client) error

	// OnSimulationDead receives the last pre_execute PC; the simulator may
	// no longer answer queries.
	OnSimulationDead(ctx context.Context, lastPC trace.Value) error
}

// Base implements Observer with every phase requested and every hook a
// no-op.
type Base struct{}

func (Base) BreakOnPreExecute() bool   { return true }
func (Base) BreakOnPreException() bool { return true }
func (Base) BreakOnPostExecute() bool  { return true }

func (Base) OnPreSimulation(context.Context, *protocol.Client) error   { return nil }
func (Base) OnPreExecute(context.Context, *protocol.Client) error      { return nil }
func (Base) OnPreException(context.Context, *protocol.Client) error    { return nil }
func (Base) OnPostExecute(context.Context, *protocol.Client) error     { return nil }
func (Base) OnSimulationStuck(context.Context, *protocol.Client) error { return nil }
func (Base) OnSimFinished(context.Context, *protocol.Client) error     { return nil }
func (Base) OnSimulationDead(context.Context, trace.Value) error       { return nil }

// Multi fans every event out to several observers, in order. A phase is
// requested if any member requests it, and only members that requested a
// phase receive it.
type Multi []Observer

func (m Multi) BreakOnPreExecute() bool {
	for _, o := range m {
		if o.BreakOnPreExecute() {
			return true
		}
	}
	return false
}

func (m Multi) BreakOnPreException() bool {
	for _, o := range m {
		if o.BreakOnPreException() {
			return true
		}
	}
	return false
}

func (m Multi) BreakOnPostExecute() bool {
	for _, o := range m {
		if o.BreakOnPostExecute() {
			return true
		}
	}
	return false
}

func (m Multi) OnPreSimulation(ctx context.Context, sim *protocol.Client) error {
	for _, o := range m {
		if err := o.OnPreSimulation(ctx, sim); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnPreExecute(ctx context.Context, sim *protocol.Client) error {
	for _, o := range m {
		if !o.BreakOnPreExecute() {
			continue
		}
		if err := o.OnPreExecute(ctx, sim); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnPreException(ctx context.Context, sim *protocol.Client) error {
	for _, o := range m {
		if !o.BreakOnPreException() {
			continue
		}
		if err := o.OnPreException(ctx, sim); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnPostExecute(ctx context.Context, sim *protocol.Client) error {
	for _, o := range m {
		if !o.BreakOnPostExecute() {
			continue
		}
		if err := o.OnPostExecute(ctx, sim); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnSimulationStuck(ctx context.Context, sim *protocol.Client) error {
	for _, o := range m {
		if err := o.OnSimulationStuck(ctx, sim); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnSimFinished(ctx context.Context, sim *protocol.Client) error {
	for _, o := range m {
		if err := o.OnSimFinished(ctx, sim); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) OnSimulationDead(ctx context.Context, lastPC trace.Value) error {
	for _, o := range m {
		if err := o.OnSimulationDead(ctx, lastPC); err != nil {
			return err
		}
	}
	return nil
}
