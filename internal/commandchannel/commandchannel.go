// Package commandchannel renders an execctx.ExecutionContext into a running
// child process: composing and filtering its environment, wiring stdio, and
// — for the build command specifically — supervising it with a stall
// watchdog that kills an inactive process group.
package commandchannel

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
)

var log = ipbolog.New("commandchannel")

// Direction selects which end of a pipe()'d command the caller drives.
type Direction int

const (
	// DirectionStdout gives the caller a reader over the child's stdout;
	// stderr is routed to the session log stream.
	DirectionStdout Direction = iota
	// DirectionStdin gives the caller a writer to the child's stdin;
	// stdout/stderr are routed to the session log stream.
	DirectionStdin
)

func build(ctx execctx.ExecutionContext) *exec.Cmd {
	cmd := exec.Command(ctx.Argv[0], ctx.Argv[1:]...) //nolint:gosec // argv is built by the orchestrator, not user input

	if ctx.Dir != "" {
		cmd.Dir = ctx.Dir
	}

	env := ctx.FilteredEnv()
	cmd.Env = make([]string, 0, len(env))

	for name, value := range env {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	if ctx.Leader {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	return cmd
}

// Run executes ctx synchronously and returns the child's native exit code.
func Run(goCtx context.Context, ctx execctx.ExecutionContext) (int, error) {
	cmd := build(ctx)
	cmd.Stdin = ctx.Stdin
	cmd.Stdout = ctx.Stdout
	cmd.Stderr = ctx.Stderr

	log.Debug("running command", "command", ctx.Argv[0], "args", ctx.Argv[1:], "dir", ctx.Dir)

	done := make(chan error, 1)

	go func() { done <- cmd.Run() }()

	select {
	case err := <-done:
		return exitCode(cmd, err), err
	case <-goCtx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}

		<-done

		return -1, goCtx.Err()
	}
}

// Pipe starts ctx and returns a handle over the requested stream direction
// plus the child's pid, leaving the other standard stream routed to
// ctx.Stdout/ctx.Stderr (the session's log stream).
func Pipe(ctx execctx.ExecutionContext, direction Direction) (io.ReadWriteCloser, int, error) {
	cmd := build(ctx)

	var (
		handle io.ReadWriteCloser
		err    error
	)

	switch direction {
	case DirectionStdout:
		cmd.Stderr = ctx.Stderr

		var stdout io.ReadCloser

		stdout, err = cmd.StdoutPipe()
		if err == nil {
			handle = &readOnlyPipe{stdout}
		}
	case DirectionStdin:
		cmd.Stdout = ctx.Stdout
		cmd.Stderr = ctx.Stderr

		var stdin io.WriteCloser

		stdin, err = cmd.StdinPipe()
		if err == nil {
			handle = &writeOnlyPipe{stdin}
		}
	}

	if err != nil {
		return nil, 0, err
	}

	if err := cmd.Start(); err != nil {
		return nil, 0, err
	}

	return handle, cmd.Process.Pid, nil
}

// ReadAll runs ctx and captures the child's stdout into memory.
func ReadAll(goCtx context.Context, ctx execctx.ExecutionContext) ([]byte, error) {
	var buf bytes.Buffer

	ctx.Stdout = &buf

	if _, err := Run(goCtx, ctx); err != nil {
		return buf.Bytes(), err
	}

	return buf.Bytes(), nil
}

type readOnlyPipe struct{ io.ReadCloser }

func (p *readOnlyPipe) Write([]byte) (int, error) { return 0, os.ErrInvalid }

type writeOnlyPipe struct{ io.WriteCloser }

func (p *writeOnlyPipe) Read([]byte) (int, error) { return 0, os.ErrInvalid }

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}

	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}

	return -1
}

// QuoteShellWord returns s quoted for safe use inside a POSIX sh -c string,
// the way the direct-chroot backend builds its "cd <dir> && exec <argv>"
// invocation.
func QuoteShellWord(s string) string {
	quoted, ok := syntax.Quote(s, syntax.LangPOSIX)
	if !ok {
		return "'" + s + "'"
	}

	return quoted
}

// StallEvent records one firing of the watchdog: which signal was sent and
// how long the build had been silent beforehand.
type StallEvent struct {
	Signal  syscall.Signal
	Elapsed time.Duration
}

// Watchdog supervises a build's combined stdout/stderr pipe. It fires TERM
// on the first interval of inactivity and KILL on the next, signalling the
// negated pid so the whole process group is hit (the build forks helpers).
type Watchdog struct {
	pgid     int
	interval time.Duration
	signal   func(pgid int, sig syscall.Signal) error

	mu     sync.Mutex
	events []StallEvent
}

// NewWatchdog creates a watchdog targeting the process group led by pgid,
// firing after interval of inactivity.
func NewWatchdog(pgid int, interval time.Duration) *Watchdog {
	return &Watchdog{
		pgid:     pgid,
		interval: interval,
		signal:   func(pgid int, sig syscall.Signal) error { return syscall.Kill(-pgid, sig) },
	}
}

// Events returns the stall events recorded so far.
func (w *Watchdog) Events() []StallEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]StallEvent(nil), w.events...)
}

// Watch reads from r, resetting the inactivity timer on every byte read,
// until r returns EOF or an error. It returns once the stream is closed;
// the caller's own process-wait determines overall success/failure.
func (w *Watchdog) Watch(r io.Reader, sink io.Writer) {
	activity := make(chan struct{}, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)

		buf := make([]byte, 4096)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if sink != nil {
					_, _ = sink.Write(buf[:n])
				}

				select {
				case activity <- struct{}{}:
				default:
				}
			}

			if err != nil {
				return
			}
		}
	}()

	const killRespacing = 5 * time.Minute

	fired := false
	timer := time.NewTimer(w.interval)
	lastActivity := time.Now()

	defer timer.Stop()

	for {
		select {
		case <-done:
			return
		case <-activity:
			lastActivity = time.Now()
			if !fired {
				timer.Reset(w.interval)
			}
		case <-timer.C:
			elapsed := time.Since(lastActivity)

			sig := syscall.SIGKILL
			if !fired {
				sig = syscall.SIGTERM
				fired = true
			}

			w.mu.Lock()
			w.events = append(w.events, StallEvent{Signal: sig, Elapsed: elapsed})
			w.mu.Unlock()

			log.Warn("build inactive, signalling process group",
				"signal", sig.String(), "elapsed", elapsed.String())

			_ = w.signal(w.pgid, sig)

			timer.Reset(killRespacing)
		}
	}
}
