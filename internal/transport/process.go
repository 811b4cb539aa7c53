package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Default framing strings emitted by the simulator in interactive mode.
const (
	DefaultReadySentinel  = "SIM_IDE_READY"
	DefaultResponseMarker = "SIM_IDE_RESPONSE: "
)

// ErrNotStarted is returned by Request on a closed or never-started process.
var ErrNotStarted = errors.New("transport: process not running")

// closeGrace is how long Close waits for the child to exit after SIGTERM
// before killing it.
const closeGrace = 2 * time.Second

// Options configures how the simulator child process is launched and framed.
type Options struct {
	ReadySentinel  string
	ResponseMarker string
	Dir            string
	Env            []string  // appended to os.Environ()
	Stderr         io.Writer // nil discards the child's stderr
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadySentinel == "" {
		o.ReadySentinel = DefaultReadySentinel
	}
	if o.ResponseMarker == "" {
		o.ResponseMarker = DefaultResponseMarker
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Process owns a simulator child process and its line-oriented
// request/response exchange. Requests are serialised; a Process is meant to
// be driven by a single goroutine.
type Process struct {
	opts  Options
	codec Codec

	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan string
	done  chan struct{} // closed once the child has been reaped

	// abandoned counts requests whose context ended before their reply
	// arrived. That many marked replies are discarded before the next one
	// is accepted.
	abandoned int

	mu     sync.Mutex
	closed bool
}

// Start launches path with args and blocks until the ready sentinel line
// appears on the child's stdout.
//
// Start returns an error if the process cannot be spawned, if stdout ends
// before the sentinel, or if ctx expires first. In every error case the
// child has been terminated.
func Start(ctx context.Context, path string, args []string, opts Options) (*Process, error) {
	opts = opts.withDefaults()

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stderr = opts.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("start simulator: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("start simulator: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start simulator %s: %w", path, err)
	}

	p := &Process{
		opts:  opts,
		codec: Codec{Marker: opts.ResponseMarker},
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan string),
		done:  make(chan struct{}),
	}
	go p.readLines(stdout)

	opts.Logger.Debug("simulator spawned", "path", path, "args", args, "pid", cmd.Process.Pid)

	if err := p.awaitReady(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// readLines pumps stdout lines into p.lines and reaps the child at EOF.
func (p *Process) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case p.lines <- scanner.Text():
		case <-p.done:
			return
		}
	}
	close(p.lines)
}

func (p *Process) awaitReady(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await ready sentinel: %w", ctx.Err())
		case line, ok := <-p.lines:
			if !ok {
				return fmt.Errorf("await ready sentinel: simulator exited before %q", p.opts.ReadySentinel)
			}
			if line == p.opts.ReadySentinel {
				return nil
			}
			p.opts.Logger.Debug("simulator output", "line", line)
		}
	}
}

// Alive reports whether the child process has been started and not closed.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.cmd != nil && p.cmd.ProcessState == nil
}

// Request writes one command line and waits for the next marked response.
// A closed peer yields BrokenPipe. The error is non-nil only when ctx ends
// first or the process was never started. The late reply to a request whose
// ctx ended is skipped by the following request.
func (p *Process) Request(ctx context.Context, command string) (Response, error) {
	return p.RequestFallback(ctx, command, BrokenPipe{})
}

// RequestFallback is Request with a caller-chosen stand-in for BrokenPipe.
func (p *Process) RequestFallback(ctx context.Context, command string, fallback Response) (Response, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed || p.cmd == nil {
		return nil, ErrNotStarted
	}

	p.opts.Logger.Debug("-> request", "command", command)
	if _, err := io.WriteString(p.stdin, command+"\n"); err != nil {
		if isBrokenPipe(err) {
			p.opts.Logger.Debug("simulator closed its input", "command", command)
			return fallback, nil
		}
		return nil, fmt.Errorf("request %q: %w", command, err)
	}

	for {
		select {
		case <-ctx.Done():
			p.abandoned++
			return nil, fmt.Errorf("request %q: %w", command, ctx.Err())
		case line, ok := <-p.lines:
			if !ok {
				p.opts.Logger.Debug("simulator output ended", "command", command)
				return fallback, nil
			}
			resp, ok := p.codec.Decode(line)
			if !ok {
				p.opts.Logger.Debug("simulator output", "line", line)
				continue
			}
			if p.abandoned > 0 {
				p.abandoned--
				p.opts.Logger.Debug("stale response discarded", "command", command, "response", fmt.Sprintf("%+v", resp))
				continue
			}
			p.opts.Logger.Debug("<- response", "command", command, "response", fmt.Sprintf("%+v", resp))
			return resp, nil
		}
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Close terminates the child and releases the transport. It is idempotent.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed || p.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.stdin.Close()
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	waited := make(chan error, 1)
	go func() { waited <- p.cmd.Wait() }()

	var err error
	select {
	case err = <-waited:
	case <-time.After(closeGrace):
		_ = p.cmd.Process.Kill()
		err = <-waited
	}
	close(p.done)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("close simulator: %w", err)
	}
	return nil
}
