// Package execctx carries per-job attribution through a context.Context,
// defines the Execution Context every command consumes, and provides
// concurrency primitives (Semaphore, WorkerPool) for bounding parallel
// work. No other package of this module uses the two primitives.
package execctx

import (
	"context"
	"io"
	"regexp"
	"sync"
	"time"
)

// ExecutionContext is the set of options consumed by every command the
// Command Channel runs, whether on the host or inside a session: argv, the
// identity to run as, the working directory, the environment mapping and
// its allow-list, stdio sinks, whether the child becomes a process-group
// leader, and a priority used only for log verbosity.
type ExecutionContext struct {
	Argv       []string
	User       string
	Dir        string
	Env        map[string]string
	AllowList  []*regexp.Regexp
	Stdin      io.Reader
	Stdout     io.Writer
	Stderr     io.Writer
	Leader     bool
	Priority   int
}

// DefaultAllowList matches the pass-through variables the Command Channel
// keeps regardless of what a specific invocation asks for: PATH, the DEB*
// family, compiler flag variables, user identity and terminal plumbing.
func DefaultAllowList() []*regexp.Regexp {
	patterns := []string{
		`^PATH$`,
		`^DEB.*`,
		`^C(XX)?FLAGS$`,
		`^LDFLAGS$`,
		`^CPPFLAGS$`,
		`^USER(NAME)?$`,
		`^LOGNAME$`,
		`^HOME$`,
		`^TERM$`,
		`^SHELL$`,
	}

	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}

	return compiled
}

// Builder composes an ExecutionContext starting from session defaults with
// per-call overrides layered on top, replacing the original's per-call
// keyword-hash with a typed option bag.
type Builder struct {
	base ExecutionContext
}

// NewBuilder starts a Builder from defaults, the session-wide options every
// command in a session inherits unless it overrides them.
func NewBuilder(defaults ExecutionContext) *Builder {
	base := defaults
	base.Env = cloneEnv(defaults.Env)
	base.AllowList = append([]*regexp.Regexp(nil), defaults.AllowList...)

	return &Builder{base: base}
}

// WithArgv overrides the argv for this call.
func (b *Builder) WithArgv(argv ...string) *Builder {
	b.base.Argv = argv

	return b
}

// WithDir overrides the working directory for this call.
func (b *Builder) WithDir(dir string) *Builder {
	b.base.Dir = dir

	return b
}

// WithEnv layers additional environment variables over the base, per-call
// values taking precedence over session defaults.
func (b *Builder) WithEnv(env map[string]string) *Builder {
	merged := cloneEnv(b.base.Env)
	for k, v := range env {
		merged[k] = v
	}

	b.base.Env = merged

	return b
}

// WithExtraAllow adds allow-list patterns for this call only.
func (b *Builder) WithExtraAllow(patterns ...string) *Builder {
	for _, p := range patterns {
		b.base.AllowList = append(b.base.AllowList, regexp.MustCompile(p))
	}

	return b
}

// WithLeader sets the session-leader flag, used by the build command so
// the stall watchdog can signal the whole process group.
func (b *Builder) WithLeader(leader bool) *Builder {
	b.base.Leader = leader

	return b
}

// WithStdio sets the stdio sinks for this call.
func (b *Builder) WithStdio(stdin io.Reader, stdout, stderr io.Writer) *Builder {
	b.base.Stdin = stdin
	b.base.Stdout = stdout
	b.base.Stderr = stderr

	return b
}

// Build returns the composed ExecutionContext.
func (b *Builder) Build() ExecutionContext {
	return b.base
}

// FilteredEnv applies the allow-list filtering rule: a variable survives
// only if its name matches at least one pattern in ctx.AllowList.
func (ctx ExecutionContext) FilteredEnv() map[string]string {
	filtered := make(map[string]string, len(ctx.Env))

	for name, value := range ctx.Env {
		for _, pattern := range ctx.AllowList {
			if pattern.MatchString(name) {
				filtered[name] = value

				break
			}
		}
	}

	return filtered
}

func cloneEnv(env map[string]string) map[string]string {
	clone := make(map[string]string, len(env))
	for k, v := range env {
		clone[k] = v
	}

	return clone
}

type contextKey string

const (
	// JobKey is the context key for the job identifier (source_version).
	JobKey contextKey = "job"
	// SessionKey is the context key for the session identifier.
	SessionKey contextKey = "session"
	// BackendKey is the context key for the chroot backend name.
	BackendKey contextKey = "backend"
	// StageKey is the context key for the current pipeline stage tag.
	StageKey contextKey = "stage"
)

// JobInfo carries the attribution fields every log line and error in a
// build should be traceable back to.
type JobInfo struct {
	Job       string
	Source    string
	Version   string
	HostArch  string
	BuildArch string
	Session   string
	Backend   string
}

// WithJobInfo attaches job, session and backend identifiers to ctx.
func WithJobInfo(parent context.Context, info JobInfo) context.Context {
	ctx := context.WithValue(parent, JobKey, info.Job)
	ctx = context.WithValue(ctx, SessionKey, info.Session)
	ctx = context.WithValue(ctx, BackendKey, info.Backend)

	return ctx
}

// JobFromContext extracts the job identifier, returning "" if absent.
func JobFromContext(ctx context.Context) string {
	job, _ := ctx.Value(JobKey).(string)

	return job
}

// SessionFromContext extracts the session identifier, returning "" if
// absent.
func SessionFromContext(ctx context.Context) string {
	session, _ := ctx.Value(SessionKey).(string)

	return session
}

// WithStage records the pipeline stage tag currently executing, so a panic
// recovery or a deferred cleanup can report where the job was when it
// failed.
func WithStage(parent context.Context, stage string) context.Context {
	return context.WithValue(parent, StageKey, stage)
}

// StageFromContext extracts the current stage tag, returning "" if absent.
func StageFromContext(ctx context.Context) string {
	stage, _ := ctx.Value(StageKey).(string)

	return stage
}

// Semaphore is a context-aware counting semaphore bounding how many holders
// run at once.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{ch: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire attempts to acquire a slot without blocking.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a previously acquired slot.
func (s *Semaphore) Release() {
	select {
	case <-s.ch:
	default:
		panic("execctx: semaphore release without matching acquire")
	}
}

// Available reports the number of free slots.
func (s *Semaphore) Available() int {
	return cap(s.ch) - len(s.ch)
}

// WorkerPool bounds the number of concurrently running jobs.
type WorkerPool struct {
	semaphore *Semaphore
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

// NewWorkerPool creates a pool that runs at most workers jobs concurrently.
func NewWorkerPool(workers int) *WorkerPool {
	_, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		semaphore: NewSemaphore(workers),
		cancel:    cancel,
	}
}

// Submit runs work in its own goroutine once a slot is free. Submit itself
// only blocks acquiring the slot; work's error is not observable by the
// caller, mirroring a fire-and-forget job queue.
func (wp *WorkerPool) Submit(ctx context.Context, work func(context.Context) error) error {
	wp.mu.RLock()
	if wp.closed {
		wp.mu.RUnlock()

		return context.Canceled
	}
	wp.mu.RUnlock()

	if err := wp.semaphore.Acquire(ctx); err != nil {
		return err
	}

	wp.wg.Add(1)

	go func() {
		defer wp.wg.Done()
		defer wp.semaphore.Release()

		_ = work(ctx)
	}()

	return nil
}

// Shutdown stops the pool accepting new work and waits up to timeout for
// in-flight jobs to finish. Running jobs are not cancelled: they see only
// the context passed to Submit.
func (wp *WorkerPool) Shutdown(timeout time.Duration) error {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()

		return nil
	}
	wp.closed = true
	wp.mu.Unlock()

	wp.cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)
		wp.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}

// Available reports the number of free worker slots.
func (wp *WorkerPool) Available() int {
	return wp.semaphore.Available()
}
