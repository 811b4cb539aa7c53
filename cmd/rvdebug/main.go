// Command rvdebug records RISC-V simulator runs and inspects the traces.
package main

import (
	"os"

	"github.com/roach88/rvdebug/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		f := &cli.OutputFormatter{Format: formatFlag(cmd.PersistentFlags().Lookup("format").Value.String()), Writer: os.Stderr}
		_ = f.ReportError(err)
		os.Exit(cli.GetExitCode(err))
	}
}

func formatFlag(s string) string {
	if s == "json" {
		return s
	}
	return "text"
}
