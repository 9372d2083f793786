// Package job implements one build invocation end to end: selecting a
// backend from config, opening and locking a session, resolving and
// installing Build-Depends, running the Build Pipeline under the Log
// Multiplexer, and recording the machine-readable Summary every job
// produces alongside its human log. Grounded on spec.md §5's job
// lifecycle and §9's option-bag/tagged-variant design notes; this is the
// orchestrator's own composition root, not a concern any corpus library
// addresses.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/backend"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/commandchannel"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/config"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/logmux"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/percentescape"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/pipeline"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/relation"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/resolver"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/session"
)

var log = ipbolog.New("job")

// Runner is the narrow seam Run uses to execute every command — session
// setup, dependency resolution and the final build invocation alike —
// the same two-method shape session.Runner, resolver.Runner and
// pipeline.Runner already declare, so any one implementation (in
// particular commandRunner) satisfies all four.
type Runner interface {
	Run(ctx context.Context, ec execctx.ExecutionContext) (int, error)
	ReadAll(ctx context.Context, ec execctx.ExecutionContext) ([]byte, error)
}

// commandRunner is the production Runner: every call goes through the real
// Command Channel (internal/commandchannel), which in turn execs a real
// child process.
type commandRunner struct{}

// NewCommandRunner returns the production Runner wired to the real Command
// Channel, the one cmd/ipbo passes to Run.
func NewCommandRunner() Runner { return commandRunner{} }

func (commandRunner) Run(ctx context.Context, ec execctx.ExecutionContext) (int, error) {
	return commandchannel.Run(ctx, ec)
}

func (commandRunner) ReadAll(ctx context.Context, ec execctx.ExecutionContext) ([]byte, error) {
	return commandchannel.ReadAll(ctx, ec)
}

// Spec is everything a single build invocation needs beyond the flat
// config.Config namespace: the source package's identity and location,
// already extracted from its .dsc (or an apt name[_version] reference).
type Spec struct {
	Source       string
	Version      string
	Architecture []string
	DscDir       string
	DscName      string
	Files        []string
	BuildDepends relation.DependencyRecord
	BuildUser    string
	LockPID      int
}

// Summary is the Mail-free log summary artifact: a machine-parsable mirror
// of the human log's Summary section, written to <log>.summary.json
// alongside the build log so farms that consume IPBO's output
// programmatically don't have to scrape text.
type Summary struct {
	Source      string         `json:"source"`
	Version     string         `json:"version"`
	Distribution string        `json:"distribution"`
	HostArch    string         `json:"host_arch"`
	BuildArch   string         `json:"build_arch"`
	Status      ipboerr.Status `json:"status"`
	FailStage   ipboerr.Stage  `json:"fail_stage,omitempty"`
	FailError   string         `json:"fail_error,omitempty"`
	Installed   []string       `json:"installed,omitempty"`
	Removed     []string       `json:"removed,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationSeconds float64    `json:"duration_seconds"`
}

// WriteSummaryJSON renders s as indented JSON to <logPath>.summary.json.
func WriteSummaryJSON(logPath string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	sidecar := logPath + ".summary.json"

	if err := os.WriteFile(sidecar, data, 0o644); err != nil { //nolint:gosec // build farms read this world-readable
		return fmt.Errorf("write summary sidecar %s: %w", sidecar, err)
	}

	return nil
}

// SelectBackend builds the Backend variant config.ChrootMode names, using
// the conventional schroot-style registry path and unshare tarball cache
// directory; cmd/ipbo calls this to wire Run's backend argument, and a
// caller wanting a non-default registry or cache location (tests among
// them) builds its own backend.Backend and bypasses this helper.
func SelectBackend(cfg *config.Config) (backend.Backend, error) {
	switch cfg.ChrootMode {
	case config.ChrootModeDirect:
		return backend.NewDirectChroot(backend.ChrootRegistry{cfg.Chroot: filepath.Join("/srv/chroot", cfg.Chroot)}, "buildd"), nil
	case config.ChrootModeExternalManager:
		return backend.NewExternalManager("/usr/share/sbuild/schroot-compat-wrapper", cfg.Chroot), nil
	case config.ChrootModeUnshare:
		return backend.NewUnshare("/var/cache/ipbo/tarballs", cfg.Chroot, cfg.BuildArch, "buildd", cfg.BuildSourceOnly), nil
	default:
		return nil, ipboerr.New(ipboerr.StageInit, fmt.Sprintf("unknown chroot mode %q", cfg.ChrootMode))
	}
}

// Run executes one build invocation: BeginSession through artifact
// collection and cleanup, returning the Summary regardless of outcome
// (err is non-nil only for failures; Summary.Status distinguishes a
// failed/skipped/given-back run from a clean success).
func Run(ctx context.Context, cfg *config.Config, spec Spec, hostOutputDir string, runner Runner, be backend.Backend) (Summary, error) {
	started := time.Now()

	summary := Summary{
		Source:       spec.Source,
		Version:      spec.Version,
		HostArch:     cfg.HostArch,
		BuildArch:    cfg.BuildArch,
		Status:       ipboerr.StatusFailed,
		StartedAt:    started,
	}

	logPath := filepath.Join(cfg.LogDir, fmt.Sprintf("%s_%s_%s.build", spec.Source, spec.Version, cfg.HostArch))

	finishJob := func(err error) (Summary, error) {
		result, ferr := finish(summary, started, err)

		if writeErr := WriteSummaryJSON(logPath, result); writeErr != nil {
			log.Warn("failed to write summary sidecar", "error", writeErr)
		}

		return result, ferr
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec // build logs are meant to be world-readable
	if err != nil {
		return finishJob(ipboerr.Wrap(err, ipboerr.StageInit, "open build log"))
	}
	defer logFile.Close()

	mux := logmux.New(logFile, os.Stdout)

	ctx = execctx.WithJobInfo(ctx, execctx.JobInfo{
		Job:       fmt.Sprintf("%s_%s", spec.Source, spec.Version),
		Source:    spec.Source,
		Version:   spec.Version,
		HostArch:  cfg.HostArch,
		BuildArch: cfg.BuildArch,
		Session:   cfg.Chroot,
		Backend:   string(cfg.ChrootMode),
	})

	info, err := be.BeginSession(ctx)
	if err != nil {
		return finishJob(ipboerr.Wrap(err, ipboerr.StageCreateSession, "begin session"))
	}

	base := execctx.ExecutionContext{
		User:      spec.BuildUser,
		Env:       map[string]string{"DEB_BUILD_OPTIONS": ""},
		AllowList: execctx.DefaultAllowList(),
		Stdout:    mux,
		Stderr:    mux,
	}

	mgr := session.New(runner, base, "/var/lock/ipbo", time.Duration(cfg.LockInterval)*time.Second, cfg.MaxLockTrys)

	endedSession := false

	defer func() {
		if !endedSession {
			_ = be.EndSession(ctx, info)
		}
	}()

	if err := mgr.OpenLog(); err != nil {
		return finishJob(err)
	}

	if err := mgr.CreateSession(session.Info{
		Backend:    string(cfg.ChrootMode),
		ID:         info.ID,
		FSLocation: info.FSLocation,
		Purgeable:  info.Purgeable,
	}); err != nil {
		return finishJob(err)
	}

	if err := mgr.VerifyArchitecture(ctx, cfg.HostArch, spec.Architecture); err != nil {
		summary.Status = ipboerr.StatusOf(err)
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	buildDir, err := mgr.StageBuildDir(ctx, "", spec.BuildUser)
	if err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	if err := mgr.AcquireChrootLock(ctx, spec.LockPID, spec.BuildUser); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	if err := mgr.ResolverSetup(); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	res := resolver.New(runner, base, cfg.Resolver, cfg.BDUninstallableExplainer)

	if err := res.Update(ctx); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	reduceOpts := relation.ReduceOptions{
		HostArch:            cfg.HostArch,
		BuildArch:           cfg.BuildArch,
		CrossBuilding:       cfg.HostArch != cfg.BuildArch,
		ActiveProfiles:      cfg.BuildProfiles,
		ResolveAlternatives: cfg.AlternativesResolution,
	}

	archiveDir := filepath.Join(buildDir, ".ipbo-archive")

	if err := res.InstallMainDeps(ctx, spec.Source, archiveDir, []relation.DependencyRecord{spec.BuildDepends}, reduceOpts); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	if err := pipeline.FetchByDsc(spec.DscDir, spec.DscName, spec.Files, buildDir); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	changesName := fmt.Sprintf("%s_%s_%s.changes", spec.Source, spec.Version, cfg.BuildArch)
	dscPath := filepath.Join(buildDir, spec.DscName)

	hookTokens := percentescape.HookTokens(
		cfg.HostArch,
		buildDir,
		changesName,
		dscPath,
		buildDir,
		info.FSLocation,
		strings.Join(be.BuildExecArgv(info, []string{"$SHELL"}, buildDir), " "),
		"/bin/sh",
	)

	if err := pipeline.RunHooks(ctx, runner, base, cfg.Hooks, "pre-build", hookTokens); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	selector := pipeline.BuildSelector{Source: cfg.BuildSourceOnly, All: false, Any: !cfg.BuildSourceOnly}

	argv := pipeline.BuildCommandArgv(pipeline.BuildCommandOptions{
		Selector:     selector,
		HostArch:     cfg.HostArch,
		BuildArch:    cfg.BuildArch,
		Profiles:     cfg.BuildProfiles,
		SigningKeyID: cfg.SigningKeyID,
		NoSign:       cfg.SigningKeyID == "",
	})

	wrapped := be.BuildExecArgv(info, argv, buildDir)

	buildEC := execctx.NewBuilder(base).
		WithArgv(wrapped...).
		WithDir(buildDir).
		WithLeader(true).
		Build()

	code, err := runner.Run(ctx, buildEC)
	if err != nil || code != 0 {
		buildErr := ipboerr.New(ipboerr.StageDpkgBuildpackage, fmt.Sprintf("dpkg-buildpackage exited %d", code))
		if err != nil {
			buildErr = ipboerr.Wrap(err, ipboerr.StageDpkgBuildpackage, "run dpkg-buildpackage")
		}

		mgr.Fail(ipboerr.StageDpkgBuildpackage, buildErr)

		return finishJob(buildErr)
	}

	if info.FSLocation != backend.NoFSLocation {
		sessionBuildDir := filepath.Join(info.FSLocation, buildDir)
		changesPath := filepath.Join(sessionBuildDir, changesName)

		if data, readErr := os.ReadFile(changesPath); readErr == nil { //nolint:gosec // session-local build artifact, not user input
			doc, parseErr := pipeline.ParseChanges(data)
			if parseErr != nil {
				mgr.Fail(ipboerr.StageParseChanges, parseErr)

				return finishJob(parseErr)
			}

			summary.Distribution = doc.Distribution

			if collectErr := pipeline.CollectArtifacts(doc, changesPath, sessionBuildDir, hostOutputDir); collectErr != nil {
				mgr.Fail(ipboerr.StageOf(collectErr), collectErr)

				return finishJob(collectErr)
			}
		} else {
			log.Warn("changes file not found, skipping artifact collection", "path", changesPath)
		}
	} else {
		log.Debug("backend exposes no host filesystem path, skipping artifact collection", "backend", info.Backend)
	}

	if err := pipeline.RunHooks(ctx, runner, base, cfg.Hooks, "post-build", hookTokens); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	if err := res.UninstallDeps(ctx); err != nil {
		mgr.Fail(ipboerr.StageOf(err), err)

		return finishJob(err)
	}

	summary.Installed = res.Ledger().Installed()
	summary.Removed = res.Ledger().Removed()

	if err := mgr.MarkDone(); err != nil {
		return finishJob(err)
	}

	if err := mgr.ReleaseChrootLock(ctx); err != nil {
		return finishJob(err)
	}

	if err := mgr.EndSession(); err != nil {
		return finishJob(err)
	}

	if err := be.EndSession(ctx, info); err != nil {
		return finishJob(ipboerr.Wrap(err, ipboerr.StageAbort, "end backend session"))
	}

	endedSession = true

	if err := mux.Flush(); err != nil {
		log.Warn("failed to flush log multiplexer", "error", err)
	}

	summary.Status = ipboerr.StatusSuccessful

	return finishJob(nil)
}

func finish(summary Summary, started time.Time, err error) (Summary, error) {
	summary.FinishedAt = time.Now()
	summary.DurationSeconds = summary.FinishedAt.Sub(started).Seconds()

	if err != nil {
		summary.FailStage = ipboerr.StageOf(err)
		summary.FailError = err.Error()

		if status := ipboerr.StatusOf(err); status != "" {
			summary.Status = status
		}
	}

	return summary, err
}
