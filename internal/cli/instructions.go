package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rvdebug/internal/query"
	"github.com/roach88/rvdebug/internal/trace"
)

// InstructionsOptions holds flags for the instructions command.
type InstructionsOptions struct {
	*RootOptions
	Database string
}

// NewInstructionsCommand creates the instructions command.
func NewInstructionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InstructionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "instructions",
		Short: "List recorded instructions in retirement order",
		Long: `List every retired instruction with its uid, PC, opcode and disassembly.

Example:
  rvdebug instructions --db add.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstructions(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to trace database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInstructions(opts *InstructionsOptions, cmd *cobra.Command) error {
	q, err := query.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer q.Close()

	insts, err := q.Instructions(context.Background())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list instructions", err)
	}

	views := make([]instructionView, 0, len(insts))
	for _, in := range insts {
		views = append(views, instructionView{
			UID:      in.UID,
			PC:       in.PC,
			Opcode:   in.Opcode,
			Mnemonic: trace.Mnemonic(in.Dasm),
			Dasm:     in.Dasm,
		})
	}
	return opts.formatter(cmd).Emit(views, func(w io.Writer) error {
		return renderInstructions(w, views)
	})
}
