package job

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/backend"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/config"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/relation"
)

type scriptedRunner struct {
	runResults  []int
	runErr      error
	readResults [][]byte
	runCalls    []execctx.ExecutionContext
	readCalls   []execctx.ExecutionContext
}

func (s *scriptedRunner) Run(_ context.Context, ec execctx.ExecutionContext) (int, error) {
	s.runCalls = append(s.runCalls, ec)

	idx := len(s.runCalls) - 1
	if idx < len(s.runResults) {
		return s.runResults[idx], s.runErr
	}

	return 0, s.runErr
}

func (s *scriptedRunner) ReadAll(_ context.Context, ec execctx.ExecutionContext) ([]byte, error) {
	s.readCalls = append(s.readCalls, ec)

	idx := len(s.readCalls) - 1
	if idx < len(s.readResults) {
		return s.readResults[idx], nil
	}

	return nil, nil
}

func baseTestConfig(t *testing.T, logDir string) *config.Config {
	t.Helper()

	cfg := config.Defaults()
	cfg.Chroot = "unstable-amd64-sbuild"
	cfg.HostArch = "amd64"
	cfg.BuildArch = "amd64"
	cfg.LogDir = logDir

	return cfg
}

func testSpec() Spec {
	return Spec{
		Source:       "hello",
		Version:      "2.10-2",
		Architecture: []string{"any"},
		DscDir:       "",
		DscName:      "hello_2.10-2.dsc",
		Files:        nil,
		BuildDepends: relation.DependencyRecord{BuildDepends: "debhelper-compat (= 13)"},
		BuildUser:    "buildd",
	}
}

func TestSelectBackendBuildsEachVariant(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	cfg.Chroot = "unstable-amd64-sbuild"
	cfg.HostArch = "amd64"
	cfg.BuildArch = "amd64"

	cfg.ChrootMode = config.ChrootModeDirect
	be, err := SelectBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &backend.DirectChroot{}, be)

	cfg.ChrootMode = config.ChrootModeExternalManager
	be, err = SelectBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &backend.ExternalManager{}, be)

	cfg.ChrootMode = config.ChrootModeUnshare
	be, err = SelectBackend(cfg)
	require.NoError(t, err)
	assert.IsType(t, &backend.Unshare{}, be)

	cfg.ChrootMode = "bogus"
	_, err = SelectBackend(cfg)
	require.Error(t, err)
}

func TestWriteSummaryJSONWritesSidecarAlongsideLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logPath := filepath.Join(dir, "hello_2.10-2_amd64.build")

	s := Summary{Source: "hello", Version: "2.10-2", Status: ipboerr.StatusSuccessful}

	require.NoError(t, WriteSummaryJSON(logPath, s))

	data, err := os.ReadFile(logPath + ".summary.json")
	require.NoError(t, err)

	var got Summary
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "hello", got.Source)
	assert.Equal(t, ipboerr.StatusSuccessful, got.Status)
}

func TestFinishRecordsFailStageAndStatusOnError(t *testing.T) {
	t.Parallel()

	started := time.Now().Add(-time.Second)
	summary := Summary{Status: ipboerr.StatusFailed}

	buildErr := ipboerr.New(ipboerr.StageDpkgBuildpackage, "build failed")

	got, err := finish(summary, started, buildErr)
	require.Error(t, err)
	assert.Equal(t, ipboerr.StageDpkgBuildpackage, got.FailStage)
	assert.Equal(t, ipboerr.StatusFailed, got.Status)
	assert.Equal(t, "dpkg-buildpackage: build failed", got.FailError)
	assert.Greater(t, got.DurationSeconds, 0.0)
}

func TestFinishLeavesSummaryUnchangedOnSuccess(t *testing.T) {
	t.Parallel()

	started := time.Now().Add(-time.Second)
	summary := Summary{Status: ipboerr.StatusSuccessful}

	got, err := finish(summary, started, nil)
	require.NoError(t, err)
	assert.Equal(t, ipboerr.Stage(""), got.FailStage)
	assert.Empty(t, got.FailError)
}

func TestRunFailsFastWhenChrootIsUnknown(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	cfg := baseTestConfig(t, logDir)

	be := backend.NewDirectChroot(backend.ChrootRegistry{"other-chroot": "/srv/chroot/other-chroot"}, "buildd")
	runner := &scriptedRunner{}

	summary, err := Run(context.Background(), cfg, testSpec(), t.TempDir(), runner, be)
	require.Error(t, err)
	assert.Equal(t, ipboerr.StatusFailed, summary.Status)
	assert.Empty(t, runner.runCalls, "no command should run once BeginSession itself fails")
}

func TestRunFailsWhenExternalManagerBinaryIsUnreachable(t *testing.T) {
	t.Parallel()

	logDir := t.TempDir()
	cfg := baseTestConfig(t, logDir)
	cfg.ChrootMode = config.ChrootModeExternalManager

	be := backend.NewExternalManager("/nonexistent/schroot-compat-wrapper", cfg.Chroot)
	runner := &scriptedRunner{}

	summary, err := Run(context.Background(), cfg, testSpec(), t.TempDir(), runner, be)
	require.Error(t, err)
	assert.Equal(t, ipboerr.StageCreateSession, summary.FailStage)
}
