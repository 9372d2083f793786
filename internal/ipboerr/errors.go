// Package ipboerr provides the orchestrator's typed, stage-tagged error.
// Every failure that reaches a Job's Summary carries a Stage drawn from the
// closed taxonomy defined here, plus an optional status override for the
// two special cases (skipped, given-back) that are not really failures.
package ipboerr

import (
	stderrors "errors"
	"fmt"
)

// Stage identifies which phase of session setup or the build pipeline
// produced a failure. The set is closed: new stages are not invented ad
// hoc, they are added here.
type Stage string

const (
	StageInit                  Stage = "init"
	StageCreateSession          Stage = "create-session"
	StageLockSession            Stage = "lock-session"
	StageCreateBuildDir         Stage = "create-build-dir"
	StageFetchSrc               Stage = "fetch-src"
	StageResolverSetup          Stage = "resolver-setup"
	StageAptGetUpdate           Stage = "apt-get-update"
	StageAptGetDistUpgrade      Stage = "apt-get-dist-upgrade"
	StageAptGetUpgrade          Stage = "apt-get-upgrade"
	StageAptGetClean            Stage = "apt-get-clean"
	StageInstallDeps            Stage = "install-deps"
	StageInstallEssential       Stage = "install-essential"
	StageCheckArchitecture      Stage = "check-architecture"
	StageCheckSpace             Stage = "check-space"
	StageCheckUnpackedVersion   Stage = "check-unpacked-version"
	StageHackBinNMU             Stage = "hack-binNMU"
	StageUnpack                 Stage = "unpack"
	StageDumpBuildEnv           Stage = "dump-build-env"
	StageDpkgBuildpackage       Stage = "dpkg-buildpackage"
	StageBuild                  Stage = "build"
	StageExplainBDUninstallable Stage = "explain-bd-uninstallable"
	StageParseChanges           Stage = "parse-changes"
	StageSourceOnlyChanges      Stage = "source-only-changes"
	StageChrootArch             Stage = "chroot-arch"
	StageAbort                  Stage = "abort"
)

// HookStage builds the run-<hook>-commands tag for the named hook.
func HookStage(hook string) Stage {
	return Stage(fmt.Sprintf("run-%s-commands", hook))
}

// Status is the outcome recorded in a Job's Summary. Most failures record
// StatusFailed; the two special statuses below are not failures in the
// ordinary sense and are never retried as such.
type Status string

const (
	StatusSuccessful Status = "successful"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusGivenBack  Status = "given-back"
)

// BuildError is the orchestrator's structured error: every error that
// crosses a pipeline/session/top-level sink boundary is (or becomes) one of
// these, carrying the Stage and Status that end up in the log Summary.
type BuildError struct {
	Stage   Stage
	Status  Status
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Stage, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/errors.As.
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *BuildError with the same Stage, so
// callers can do errors.Is(err, &BuildError{Stage: StageInstallDeps}).
func (e *BuildError) Is(target error) bool {
	var berr *BuildError
	if stderrors.As(target, &berr) {
		return e.Stage == berr.Stage
	}

	return false
}

// New creates a BuildError with the default failed status.
func New(stage Stage, message string) *BuildError {
	return &BuildError{Stage: stage, Status: StatusFailed, Message: message}
}

// Wrap wraps an existing error with stage context, defaulting to failed.
func Wrap(err error, stage Stage, message string) *BuildError {
	return &BuildError{Stage: stage, Status: StatusFailed, Message: message, Cause: err}
}

// Skipped builds the architecture-mismatch special status.
func Skipped(message string) *BuildError {
	return &BuildError{Stage: StageCheckArchitecture, Status: StatusSkipped, Message: message}
}

// GivenBack builds the buildd-mode infrastructure-failure special status.
func GivenBack(stage Stage, err error, message string) *BuildError {
	return &BuildError{Stage: stage, Status: StatusGivenBack, Message: message, Cause: err}
}

// StageOf extracts the Stage from err if it is (or wraps) a *BuildError,
// defaulting to StageAbort for errors with no stage of their own — the
// top-level sink tags anything unrecognised as an abort.
func StageOf(err error) Stage {
	var berr *BuildError
	if stderrors.As(err, &berr) {
		return berr.Stage
	}

	return StageAbort
}

// StatusOf extracts the Status from err, defaulting to StatusFailed.
func StatusOf(err error) Status {
	var berr *BuildError
	if stderrors.As(err, &berr) {
		return berr.Status
	}

	return StatusFailed
}
