package cli

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rvdebug/internal/oracle"
	"github.com/roach88/rvdebug/internal/trace"
)

// OracleOptions holds flags for the oracle command.
type OracleOptions struct {
	*RootOptions
	Log  string
	PC   string
	Hart int
}

// NewOracleCommand creates the oracle command.
func NewOracleCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OracleOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "oracle",
		Short: "Look up a PC in a reference commit log",
		Long: `Parse a reference simulator commit log and show every retirement of an
address on one hart, with the registers each retirement wrote.

Example:
  rvdebug oracle --log spike.log --pc 0x80000004 --hart 0`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOracle(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Log, "log", "", "path to commit log (required)")
	_ = cmd.MarkFlagRequired("log")
	cmd.Flags().StringVar(&opts.PC, "pc", "", "instruction address (hex, required)")
	_ = cmd.MarkFlagRequired("pc")
	cmd.Flags().IntVar(&opts.Hart, "hart", 0, "hart number")

	return cmd
}

func runOracle(opts *OracleOptions, cmd *cobra.Command) error {
	pc, err := trace.ParseHex(opts.PC)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --pc", err)
	}

	ix, err := oracle.Load(opts.Log)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load commit log", err)
	}

	hits := ix.GetRegisterInfoAtPC(pc, opts.Hart)
	if hits == nil {
		hits = []oracle.Hit{}
	}
	return opts.formatter(cmd).Emit(hits, func(w io.Writer) error {
		return renderHits(w, pc, opts.Hart, hits)
	})
}
