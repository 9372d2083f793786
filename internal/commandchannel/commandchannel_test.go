package commandchannel

import (
	"bytes"
	"context"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
)

func TestRunCapturesExitCode(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer

	ctx := execctx.ExecutionContext{
		Argv:      []string{"sh", "-c", "echo hello"},
		Env:       map[string]string{"PATH": "/usr/bin:/bin"},
		AllowList: execctx.DefaultAllowList(),
		Stdout:    &out,
	}

	code, err := Run(context.Background(), ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	if got := out.String(); got != "hello\n" {
		t.Fatalf("expected output %q, got %q", "hello\n", got)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	ctx := execctx.ExecutionContext{
		Argv:      []string{"sh", "-c", "exit 3"},
		Env:       map[string]string{"PATH": "/usr/bin:/bin"},
		AllowList: execctx.DefaultAllowList(),
	}

	code, err := Run(context.Background(), ctx)
	if err == nil {
		t.Fatal("expected an error for a non-zero exit")
	}

	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
}

func TestReadAllCapturesStdout(t *testing.T) {
	t.Parallel()

	ctx := execctx.ExecutionContext{
		Argv:      []string{"sh", "-c", "printf foobar"},
		Env:       map[string]string{"PATH": "/usr/bin:/bin"},
		AllowList: execctx.DefaultAllowList(),
	}

	out, err := ReadAll(context.Background(), ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(out) != "foobar" {
		t.Fatalf("expected foobar, got %q", out)
	}
}

func TestPipeStdoutDirection(t *testing.T) {
	t.Parallel()

	ctx := execctx.ExecutionContext{
		Argv:      []string{"sh", "-c", "echo piped"},
		Env:       map[string]string{"PATH": "/usr/bin:/bin"},
		AllowList: execctx.DefaultAllowList(),
	}

	handle, pid, err := Pipe(ctx, DirectionStdout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pid <= 0 {
		t.Fatalf("expected positive pid, got %d", pid)
	}

	data, err := io.ReadAll(handle)
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}

	if string(data) != "piped\n" {
		t.Fatalf("expected piped output, got %q", data)
	}
}

func TestQuoteShellWordRoundTrips(t *testing.T) {
	t.Parallel()

	quoted := QuoteShellWord("hello world")
	if quoted == "hello world" {
		t.Fatal("expected word containing a space to be quoted")
	}
}

func TestWatchdogFiresTermOnFirstStall(t *testing.T) {
	t.Parallel()

	wd := NewWatchdog(12345, 20*time.Millisecond)

	var sent []syscall.Signal

	var mu sync.Mutex

	wd.signal = func(_ int, sig syscall.Signal) error {
		mu.Lock()
		sent = append(sent, sig)
		mu.Unlock()

		return nil
	}

	r, w := io.Pipe()
	defer r.Close()

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = w.Close()
	}()

	wd.Watch(r, io.Discard)

	events := wd.Events()
	if len(events) == 0 {
		t.Fatal("expected at least one stall event")
	}

	if events[0].Signal != syscall.SIGTERM {
		t.Fatalf("expected first event to be SIGTERM, got %v", events[0].Signal)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(sent) == 0 || sent[0] != syscall.SIGTERM {
		t.Fatalf("expected first signal sent to be SIGTERM, got %v", sent)
	}
}
