package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rvdebug/internal/query"
	"github.com/roach88/rvdebug/internal/trace"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Database string
	PC       string
	UID      uint64
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Show the register state after an instruction",
		Long: `Reconstruct the full register file right after an instruction retired,
together with the registers it changed and its memory accesses.

--pc selects the first retirement at that address; use --uid to pick a
later iteration of a loop.

Examples:
  rvdebug snapshot --db add.db --pc 0x80000004
  rvdebug snapshot --db add.db --uid 1042 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to trace database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.PC, "pc", "", "instruction address (hex)")
	cmd.Flags().Uint64Var(&opts.UID, "uid", 0, "instruction uid")
	cmd.MarkFlagsOneRequired("pc", "uid")
	cmd.MarkFlagsMutuallyExclusive("pc", "uid")

	return cmd
}

func runSnapshot(opts *SnapshotOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	q, err := query.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer q.Close()

	var snap trace.Snapshot
	if cmd.Flags().Changed("pc") {
		pc, perr := trace.ParseHex(opts.PC)
		if perr != nil {
			return WrapExitError(ExitCommandError, "invalid --pc", perr)
		}
		snap, err = q.Snapshot(ctx, pc)
	} else {
		snap, err = q.SnapshotAt(ctx, opts.UID)
	}
	if errors.Is(err, query.ErrNotFound) {
		return WrapExitError(ExitCommandError, "no such instruction", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build snapshot", err)
	}

	accesses, err := q.MemoryAccesses(ctx, snap.UID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read memory accesses", err)
	}

	view := newSnapshotView(snap, accesses)
	return opts.formatter(cmd).Emit(view, func(w io.Writer) error {
		return renderSnapshot(w, view)
	})
}

// InitialOptions holds flags for the initial command.
type InitialOptions struct {
	*RootOptions
	Database string
}

// NewInitialCommand creates the initial command.
func NewInitialCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitialOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "initial",
		Short: "Show the register state before the first instruction",
		Long: `Show every register value read before the first instruction executed.

Example:
  rvdebug initial --db add.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInitial(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to trace database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInitial(opts *InitialOptions, cmd *cobra.Command) error {
	q, err := query.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer q.Close()

	snap, err := q.InitialState(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read initial state", err)
	}
	return opts.formatter(cmd).Emit(snap, func(w io.Writer) error {
		return renderInitial(w, snap)
	})
}
