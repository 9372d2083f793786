// Package session implements the Session Manager: the per-build state
// machine, the in-session chroot-internal lock, the architecture-wildcard
// check, and build-directory staging. Grounded on spec.md §4.5 and §9's
// typed Session/Host struct note (no cyclic Session<->Resolver reference);
// this is the orchestrator's own state machine, not a concern any corpus
// library addresses, so it is built directly against the standard library.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/commandchannel"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
)

var log = ipbolog.New("session")

// State is one node of the Session Manager's state machine.
type State string

const (
	StateInit             State = "init"
	StateLogReady         State = "log-ready"
	StateSessionOpen      State = "session-open"
	StateSessionVerified  State = "session-verified"
	StateBuildReady       State = "build-ready"
	StateLocked           State = "locked"
	StatePrepared         State = "prepared"
	StateDone             State = "done"
	StateFailed           State = "failed"
	StateUnlocked         State = "unlocked"
	StateClosed           State = "closed"
)

// Runner is the narrow seam Manager uses to run commands inside the
// session, satisfied by internal/commandchannel.
type Runner interface {
	Run(ctx context.Context, ec execctx.ExecutionContext) (int, error)
	ReadAll(ctx context.Context, ec execctx.ExecutionContext) ([]byte, error)
}

// Info is the Session data-model entry: backend kind, backend-assigned id,
// the host-side filesystem path corresponding to the session's root (or
// NoDirectPath for backends that forbid one), and whether the session's
// state is discarded on close.
type Info struct {
	Backend     string
	ID          string
	FSLocation  string
	Purgeable   bool
}

// NoDirectPath is the sentinel FSLocation value for backends (e.g. the
// external-chroot-manager) that never expose a host-side path for their
// session root.
const NoDirectPath = ""

// Manager drives one build's Session Manager state machine.
type Manager struct {
	runner       Runner
	base         execctx.ExecutionContext
	state        State
	info         Info
	failStage    ipboerr.Stage
	failErr      error
	lockPath     string
	lockInterval time.Duration
	maxLockTrys  int
	lockHeld     bool
}

// New returns a Manager in StateInit, ready for OpenLog.
func New(runner Runner, base execctx.ExecutionContext, lockPath string, lockInterval time.Duration, maxLockTrys int) *Manager {
	return &Manager{
		runner:       runner,
		base:         base,
		state:        StateInit,
		lockPath:     lockPath,
		lockInterval: lockInterval,
		maxLockTrys:  maxLockTrys,
	}
}

// State returns the manager's current state.
func (m *Manager) State() State { return m.state }

// FailStage returns the stage tag recorded by the top-level exception sink,
// valid once the manager has transitioned to StateFailed.
func (m *Manager) FailStage() ipboerr.Stage { return m.failStage }

func (m *Manager) requireState(want State) error {
	if m.state != want {
		return ipboerr.New(ipboerr.StageInit, fmt.Sprintf("session manager: expected state %q, was %q", want, m.state))
	}

	return nil
}

// Fail records a failure, tagging it with stage and transitioning straight
// to StateFailed — every non-terminal state has this compensating
// transition so the final log always carries a machine-readable failure
// attribution.
func (m *Manager) Fail(stage ipboerr.Stage, err error) {
	m.failStage = stage
	m.failErr = err
	m.state = StateFailed

	log.Error("session failed", "stage", string(stage), "error", err)
}

// FailErr returns the error recorded by Fail.
func (m *Manager) FailErr() error { return m.failErr }

// OpenLog transitions INIT -> LOG_READY.
func (m *Manager) OpenLog() error {
	if err := m.requireState(StateInit); err != nil {
		return err
	}

	m.state = StateLogReady

	return nil
}

// CreateSession records the backend-assigned session info and transitions
// LOG_READY -> SESSION_OPEN.
func (m *Manager) CreateSession(info Info) error {
	if err := m.requireState(StateLogReady); err != nil {
		return err
	}

	m.info = info
	m.state = StateSessionOpen

	log.Info("session opened", "backend", info.Backend, "id", info.ID)

	return nil
}

// Info returns the session's recorded backend info.
func (m *Manager) Info() Info { return m.info }

// VerifyArchitecture runs an architecture-wildcard match of hostArch
// against each token in archField inside the session (using
// dpkg-architecture, available only after the core build-essential
// equivalents are installed). If no token matches and the package is not
// Architecture: all, the job fails with status skipped. Transitions
// SESSION_OPEN -> SESSION_VERIFIED on a match.
func (m *Manager) VerifyArchitecture(ctx context.Context, hostArch string, archField []string) error {
	if err := m.requireState(StateSessionOpen); err != nil {
		return err
	}

	for _, token := range archField {
		if token == "all" {
			m.state = StateSessionVerified

			return nil
		}

		matched, err := m.matchesWildcard(ctx, hostArch, token)
		if err != nil {
			return ipboerr.Wrap(err, ipboerr.StageChrootArch, "evaluate architecture wildcard")
		}

		if matched {
			m.state = StateSessionVerified

			return nil
		}
	}

	return ipboerr.Skipped(fmt.Sprintf("host architecture %q matches none of %v", hostArch, archField))
}

func (m *Manager) matchesWildcard(ctx context.Context, hostArch, wildcard string) (bool, error) {
	ec := execctx.NewBuilder(m.base).
		WithEnv(map[string]string{"DEB_HOST_ARCH": hostArch}).
		WithArgv("dpkg-architecture", "-i"+wildcard).
		Build()

	code, err := m.runner.Run(ctx, ec)
	if err != nil {
		return false, err
	}

	return code == 0, nil
}

// StageBuildDir either verifies configuredDir is empty, or creates a fresh
// temp directory under /build, then chowns it to buildUser with group
// sbuild and mode ug=rwx,o=,a-s (0770). Transitions
// SESSION_VERIFIED -> BUILD_READY.
func (m *Manager) StageBuildDir(ctx context.Context, configuredDir, buildUser string) (string, error) {
	if err := m.requireState(StateSessionVerified); err != nil {
		return "", err
	}

	dir := configuredDir

	if dir == "" {
		created, err := m.mktempBuildDir(ctx)
		if err != nil {
			return "", ipboerr.Wrap(err, ipboerr.StageCreateBuildDir, "create build directory")
		}

		dir = created
	} else if empty, err := m.dirIsEmpty(ctx, dir); err != nil {
		return "", ipboerr.Wrap(err, ipboerr.StageCreateBuildDir, "probe configured build directory")
	} else if !empty {
		return "", ipboerr.New(ipboerr.StageCreateBuildDir, fmt.Sprintf("configured build directory %q is not empty", dir))
	}

	if err := m.chownAndMode(ctx, dir, buildUser); err != nil {
		return "", ipboerr.Wrap(err, ipboerr.StageCreateBuildDir, "set build directory ownership/mode")
	}

	m.state = StateBuildReady

	return dir, nil
}

func (m *Manager) mktempBuildDir(ctx context.Context) (string, error) {
	ec := execctx.NewBuilder(m.base).
		WithArgv("mktemp", "-d", "/build/sbuild-XXXXXX").
		Build()

	out, err := m.runner.ReadAll(ctx, ec)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(out)), nil
}

func (m *Manager) dirIsEmpty(ctx context.Context, dir string) (bool, error) {
	ec := execctx.NewBuilder(m.base).
		WithArgv("sh", "-c", fmt.Sprintf(`[ -z "$(ls -A %s 2>/dev/null)" ]`, commandchannel.QuoteShellWord(dir))).
		Build()

	code, err := m.runner.Run(ctx, ec)
	if err != nil {
		return false, err
	}

	return code == 0, nil
}

func (m *Manager) chownAndMode(ctx context.Context, dir, buildUser string) error {
	ec := execctx.NewBuilder(m.base).
		WithArgv("chown", buildUser+":sbuild", dir).
		Build()

	if code, err := m.runner.Run(ctx, ec); err != nil {
		return err
	} else if code != 0 {
		return fmt.Errorf("chown exited %d", code)
	}

	ec = execctx.NewBuilder(m.base).
		WithArgv("chmod", "0770", dir).
		Build()

	code, err := m.runner.Run(ctx, ec)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("chmod exited %d", code)
	}

	return nil
}

// AcquireChrootLock creates /var/lock/sbuild (or the configured lockPath)
// exclusively from inside the session, coordinating concurrent jobs
// sharing a non-snapshot chroot. On EEXIST, the lock file is read: if it
// names a pid no longer alive (checked with signal 0; ESRCH confirms), the
// lock is stale and removed, then retried immediately; otherwise the
// caller sleeps lockInterval and retries up to maxLockTrys before giving
// up. Transitions BUILD_READY -> LOCKED.
func (m *Manager) AcquireChrootLock(ctx context.Context, pid int, user string) error {
	if err := m.requireState(StateBuildReady); err != nil {
		return err
	}

	for attempt := 0; attempt < m.maxLockTrys; attempt++ {
		acquired, err := m.tryCreateLock(ctx, pid, user)
		if err != nil {
			return ipboerr.Wrap(err, ipboerr.StageLockSession, "create chroot lock")
		}

		if acquired {
			m.lockHeld = true
			m.state = StateLocked

			return nil
		}

		stale, err := m.lockIsStale(ctx)
		if err != nil {
			return ipboerr.Wrap(err, ipboerr.StageLockSession, "inspect existing chroot lock")
		}

		if stale {
			if err := m.removeLock(ctx); err != nil {
				return ipboerr.Wrap(err, ipboerr.StageLockSession, "remove stale chroot lock")
			}

			continue
		}

		select {
		case <-ctx.Done():
			return ipboerr.Wrap(ctx.Err(), ipboerr.StageLockSession, "context cancelled waiting for chroot lock")
		case <-time.After(m.lockInterval):
		}
	}

	return ipboerr.New(ipboerr.StageLockSession, fmt.Sprintf("chroot lock held by another job after %d attempts", m.maxLockTrys))
}

func (m *Manager) tryCreateLock(ctx context.Context, pid int, user string) (bool, error) {
	content := fmt.Sprintf("%d %s\n", pid, user)

	ec := execctx.NewBuilder(m.base).
		WithArgv("sh", "-c", fmt.Sprintf(`set -C; cat > %s`, commandchannel.QuoteShellWord(m.lockPath))).
		Build()
	ec.Stdin = strings.NewReader(content)

	code, err := m.runner.Run(ctx, ec)
	if err != nil {
		return false, err
	}

	return code == 0, nil
}

func (m *Manager) lockIsStale(ctx context.Context) (bool, error) {
	ec := execctx.NewBuilder(m.base).
		WithArgv("cat", m.lockPath).
		Build()

	out, err := m.runner.ReadAll(ctx, ec)
	if err != nil {
		return false, err
	}

	fields := strings.Fields(string(out))
	if len(fields) < 1 {
		return false, nil
	}

	pid, err := strconv.Atoi(fields[0])
	if err != nil {
		return false, nil
	}

	signalEC := execctx.NewBuilder(m.base).
		WithArgv("kill", "-0", strconv.Itoa(pid)).
		Build()

	code, err := m.runner.Run(ctx, signalEC)
	if err != nil {
		return false, err
	}

	return code != 0, nil
}

func (m *Manager) removeLock(ctx context.Context) error {
	ec := execctx.NewBuilder(m.base).WithArgv("rm", "-f", m.lockPath).Build()

	code, err := m.runner.Run(ctx, ec)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("rm exited %d", code)
	}

	return nil
}

// ReleaseChrootLock removes the lock file. Transitions
// DONE|FAILED -> UNLOCKED.
func (m *Manager) ReleaseChrootLock(ctx context.Context) error {
	if m.state != StateDone && m.state != StateFailed {
		return ipboerr.New(ipboerr.StageLockSession, fmt.Sprintf("session manager: cannot release lock from state %q", m.state))
	}

	if m.lockHeld {
		if err := m.removeLock(ctx); err != nil {
			return ipboerr.Wrap(err, ipboerr.StageLockSession, "release chroot lock")
		}

		m.lockHeld = false
	}

	m.state = StateUnlocked

	return nil
}

// ResolverSetup transitions LOCKED -> PREPARED, marking that dependency
// resolution may now begin.
func (m *Manager) ResolverSetup() error {
	if err := m.requireState(StateLocked); err != nil {
		return err
	}

	m.state = StatePrepared

	return nil
}

// MarkDone transitions PREPARED -> DONE after the Build Pipeline succeeds.
func (m *Manager) MarkDone() error {
	if err := m.requireState(StatePrepared); err != nil {
		return err
	}

	m.state = StateDone

	return nil
}

// EndSession transitions UNLOCKED -> CLOSED; any operation after this
// point fails.
func (m *Manager) EndSession() error {
	if err := m.requireState(StateUnlocked); err != nil {
		return err
	}

	m.state = StateClosed

	log.Info("session closed", "id", m.info.ID)

	return nil
}
