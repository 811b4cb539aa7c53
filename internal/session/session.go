// Package session runs a complete recording (simulator, driver, recorder
// and store) as one unit of work, optionally in the background.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/rvdebug/internal/observer"
	"github.com/roach88/rvdebug/internal/oracle"
	"github.com/roach88/rvdebug/internal/protocol"
	"github.com/roach88/rvdebug/internal/recorder"
	"github.com/roach88/rvdebug/internal/store"
	"github.com/roach88/rvdebug/internal/transport"
)

// Launcher starts a simulator and returns its request channel. If the
// returned Requester is an io.Closer it is closed when the recording ends.
type Launcher func(ctx context.Context) (protocol.Requester, error)

// ProcessLauncher launches the simulator binary at path as a child process.
func ProcessLauncher(path string, args []string, opts transport.Options) Launcher {
	return func(ctx context.Context) (protocol.Requester, error) {
		p, err := transport.Start(ctx, path, args, opts)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Config describes one recording.
type Config struct {
	Launch   Launcher
	Workload string
	Database string

	// OracleLog is parsed while the simulator starts. Oracle, when set,
	// is used instead.
	OracleLog string
	Oracle    recorder.Oracle
	Hart      int

	Timeout  time.Duration
	KillCode int

	// TraceLog, when set, receives a human-readable execution log.
	TraceLog io.Writer

	RunIDs store.RunIDGenerator
	Now    func() time.Time
	Logger *slog.Logger
}

// Outcome summarises a committed recording.
type Outcome struct {
	Database string          `json:"database"`
	Run      store.RunInfo   `json:"run"`
	Result   observer.Result `json:"result"`
	Retired  int             `json:"retired"`
	Counts   store.Counts    `json:"counts"`
}

// Record runs a recording to completion. The trace is committed only if
// the run ends cleanly (finished, dead, stuck or timed out); any other
// failure rolls the whole run back.
func Record(ctx context.Context, cfg Config, progress recorder.Progress) (Outcome, error) {
	if cfg.Launch == nil {
		return Outcome{}, errors.New("record: no simulator launcher")
	}
	if cfg.RunIDs == nil {
		cfg.RunIDs = store.UUIDv7Generator{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	started := cfg.Now()

	st, err := store.Open(cfg.Database)
	if err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}
	defer st.Close()

	orc, req, err := prepare(ctx, cfg)
	if err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}
	client := protocol.NewClient(req)
	defer client.Close()

	ss, err := st.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}
	defer ss.Rollback()

	ser := recorder.New(ss, recorder.Options{
		Oracle:   orc,
		Hart:     cfg.Hart,
		Progress: progress,
		Logger:   log,
	})
	var obs observer.Observer = ser
	if cfg.TraceLog != nil {
		obs = observer.Multi{ser, observer.NewTraceLog(cfg.TraceLog)}
	}

	res, err := observer.NewDriver(client, observer.Options{
		Timeout:  cfg.Timeout,
		KillCode: cfg.KillCode,
		Logger:   log,
		Now:      cfg.Now,
	}).Run(ctx, obs)
	if err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}

	info := store.RunInfo{
		RunID:      cfg.RunIDs.Generate(),
		Workload:   cfg.Workload,
		StartedAt:  started,
		FinalPhase: res.Final,
		StuckPC:    ser.StuckPC(),
		TimedOut:   res.TimedOut,
	}
	if res.StatusKnown {
		code, passed := res.Status.WorkloadExitCode, res.Status.TestPassed
		info.ExitCode, info.TestPassed = &code, &passed
	}
	if err := ss.Finish(ctx, info); err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}
	if err := ss.Commit(); err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}

	counts, err := st.Count(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("record: %w", err)
	}
	log.Info("recording committed",
		"run", info.RunID, "final_phase", res.Final, "retired", ser.Retired(), "database", cfg.Database)

	return Outcome{
		Database: cfg.Database,
		Run:      info,
		Result:   res,
		Retired:  ser.Retired(),
		Counts:   counts,
	}, nil
}

// prepare loads the oracle and launches the simulator concurrently.
func prepare(ctx context.Context, cfg Config) (recorder.Oracle, protocol.Requester, error) {
	g, gctx := errgroup.WithContext(ctx)

	orc := cfg.Oracle
	if orc == nil && cfg.OracleLog != "" {
		g.Go(func() error {
			ix, err := oracle.Load(cfg.OracleLog)
			if err != nil {
				return err
			}
			orc = ix
			return nil
		})
	}

	var req protocol.Requester
	g.Go(func() error {
		r, err := cfg.Launch(gctx)
		if err != nil {
			return fmt.Errorf("launch simulator: %w", err)
		}
		req = r
		return nil
	})

	if err := g.Wait(); err != nil {
		if c, ok := req.(io.Closer); ok {
			c.Close()
		}
		return nil, nil, err
	}
	return orc, req, nil
}

// Recording is a Record call running in the background.
type Recording struct {
	progress *Mailbox
	cancel   context.CancelFunc
	g        *errgroup.Group
	outcome  Outcome
}

// Start runs Record in a background goroutine. Progress messages are
// available from Progress while it runs.
func Start(ctx context.Context, cfg Config) *Recording {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	r := &Recording{progress: NewMailbox(), cancel: cancel, g: g}
	g.Go(func() error {
		out, err := Record(gctx, cfg, r.progress)
		r.outcome = out
		return err
	})
	return r
}

// Progress returns the recording's progress mailbox.
func (r *Recording) Progress() *Mailbox {
	return r.progress
}

// Cancel aborts the recording. The simulator is killed and the trace
// rolled back.
func (r *Recording) Cancel() {
	r.cancel()
}

// Wait blocks until the recording ends.
func (r *Recording) Wait() (Outcome, error) {
	err := r.g.Wait()
	r.cancel()
	return r.outcome, err
}
