package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/roach88/rvdebug/internal/config"
	"github.com/roach88/rvdebug/internal/session"
	"github.com/roach88/rvdebug/internal/store"
	"github.com/roach88/rvdebug/internal/trace"
	"github.com/roach88/rvdebug/internal/transport"
)

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	ConfigFile string
	Simulator  string
	Workload   string
	Database   string
	Params     []string
	OracleLog  string
	Hart       int
	Timeout    time.Duration
	KillCode   int
	TraceLog   string
	Profile    string

	// Launch overrides how the simulator is started (for testing).
	// If nil, the simulator binary is started as a child process.
	Launch session.Launcher

	// RunIDs overrides the run id generator (for testing).
	RunIDs store.RunIDGenerator
}

// NewRecordCommand creates the record command.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	return newRecordCmd(&RecordOptions{RootOptions: rootOpts})
}

func newRecordCmd(opts *RecordOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a simulator run into a trace database",
		Long: `Launch the simulator in interactive mode, step the workload to
completion and record every retired instruction into a SQLite trace.

Settings come from an optional session file (--config, YAML, TOML or CUE);
flags override the file. The run is killed with --kill-code when the same
PC is seen twice in a row or --timeout expires.

Examples:
  rvdebug record --sim ./riscv-sim --workload rv64ui-p-add --db add.db
  rvdebug record --config session.yaml --oracle spike.log --trace-log add.txt
  rvdebug record --config session.toml -p top.core0.params.reset_pc=0x1000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(opts, cmd)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.ConfigFile, "config", "", "session file (.yaml, .yml, .toml or .cue)")
	f.StringVar(&opts.Simulator, "sim", "", "path to the simulator binary")
	f.StringVar(&opts.Workload, "workload", "", "path to the workload")
	f.StringVar(&opts.Database, "db", "", "trace database to create (default "+config.DefaultDatabase+")")
	f.StringArrayVarP(&opts.Params, "param", "p", nil, "simulator parameter override name=value (repeatable)")
	f.StringVar(&opts.OracleLog, "oracle", "", "reference commit log for expected values")
	f.IntVar(&opts.Hart, "hart", 0, "hart to read from the commit log")
	f.DurationVar(&opts.Timeout, "timeout", 0, "abandon the run after this long (0 = never)")
	f.IntVar(&opts.KillCode, "kill-code", config.DefaultKillCode, "exit code forced on a stuck or timed-out workload")
	f.StringVar(&opts.TraceLog, "trace-log", "", "write a human-readable execution log to this file")
	f.StringVar(&opts.Profile, "profile", "", "profile the recording (cpu|mem)")

	return cmd
}

// resolveConfig loads the session file, if any, and applies the flags
// that were set on top of it.
func resolveConfig(opts *RecordOptions, cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigFile); err != nil {
			return config.Config{}, err
		}
	}

	changed := cmd.Flags().Changed
	if changed("sim") {
		cfg.Simulator.Path = opts.Simulator
	}
	if changed("workload") {
		cfg.Workload = opts.Workload
	}
	if changed("db") {
		cfg.Database = opts.Database
	}
	if changed("oracle") {
		cfg.Oracle.Log = opts.OracleLog
	}
	if changed("hart") {
		cfg.Oracle.Hart = opts.Hart
	}
	if changed("timeout") {
		cfg.Timeout = config.Duration(opts.Timeout)
	}
	if changed("kill-code") {
		cfg.KillCode = opts.KillCode
	}
	if changed("trace-log") {
		cfg.TraceLog = opts.TraceLog
	}
	for _, p := range opts.Params {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return config.Config{}, fmt.Errorf("invalid parameter %q: want name=value", p)
		}
		cfg.Simulator.Params = append(cfg.Simulator.Params, transport.Param{Path: name, Value: value})
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func startProfile(mode, dir string) (interface{ Stop() }, error) {
	var kind func(*profile.Profile)
	switch mode {
	case "":
		return nil, nil
	case "cpu":
		kind = profile.CPUProfile
	case "mem":
		kind = profile.MemProfile
	default:
		return nil, fmt.Errorf("invalid profile %q: must be cpu or mem", mode)
	}
	return profile.Start(kind, profile.ProfilePath(dir), profile.Quiet, profile.NoShutdownHook), nil
}

func runRecord(opts *RecordOptions, cmd *cobra.Command) error {
	cfg, err := resolveConfig(opts, cmd)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid session", err)
	}

	prof, err := startProfile(opts.Profile, filepath.Dir(cfg.Database))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid profile", err)
	}
	if prof != nil {
		defer prof.Stop()
	}

	// A database left by an earlier run would mix two runs.
	if _, err := os.Stat(cfg.Database); err == nil {
		return NewExitError(ExitCommandError, fmt.Sprintf("database %s already exists", cfg.Database))
	}

	var traceLog io.Writer
	if cfg.TraceLog != "" {
		fh, err := os.Create(cfg.TraceLog)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create trace log", err)
		}
		defer fh.Close()
		traceLog = fh
	}

	launch := opts.Launch
	if launch == nil {
		topts := cfg.TransportOptions()
		topts.Stderr = cmd.ErrOrStderr()
		launch = session.ProcessLauncher(cfg.Simulator.Path, cfg.LaunchArgs(), topts)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	slog.Info("recording", "workload", cfg.Workload, "simulator", cfg.Simulator.Path, "db", cfg.Database)
	rec := session.Start(ctx, session.Config{
		Launch:    launch,
		Workload:  cfg.Workload,
		Database:  cfg.Database,
		OracleLog: cfg.Oracle.Log,
		Hart:      cfg.Oracle.Hart,
		Timeout:   time.Duration(cfg.Timeout),
		KillCode:  cfg.KillCode,
		TraceLog:  traceLog,
		RunIDs:    opts.RunIDs,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-rec.Progress().Updated():
				msg, seq := rec.Progress().Latest()
				slog.Debug("progress", "status", msg, "seq", seq)
			case sig := <-sigChan:
				slog.Info("received signal, abandoning recording", "signal", sig)
				rec.Cancel()
			case <-ctx.Done():
				return
			}
		}
	}()

	out, err := rec.Wait()
	cancel()
	<-done
	if err != nil {
		if rmErr := store.Remove(cfg.Database); rmErr != nil {
			slog.Warn("failed to remove database", "path", cfg.Database, "error", rmErr)
		}
		return WrapExitError(ExitCommandError, "recording failed", err)
	}

	if err := opts.formatter(cmd).Emit(out, func(w io.Writer) error {
		return renderOutcome(w, out)
	}); err != nil {
		return err
	}

	if out.Run.FinalPhase != trace.PhaseSimFinished || out.Run.TestPassed == nil || !*out.Run.TestPassed {
		return NewExitError(ExitFailure, "workload did not pass")
	}
	return nil
}
