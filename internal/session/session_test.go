package session

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/commandchannel"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
)

type scriptedRunner struct {
	runResults  []int
	runErr      error
	readResults [][]byte
	runCalls    []execctx.ExecutionContext
	readCalls   []execctx.ExecutionContext
}

func (s *scriptedRunner) Run(_ context.Context, ec execctx.ExecutionContext) (int, error) {
	if ec.Stdin != nil {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, ec.Stdin)
	}

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

func testBase() execctx.ExecutionContext {
	return execctx.NewBuilder(execctx.ExecutionContext{Env: map[string]string{}, AllowList: execctx.DefaultAllowList()}).Build()
}

func TestOpenLogAndCreateSessionTransitions(t *testing.T) {
	t.Parallel()

	m := New(&scriptedRunner{}, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	assert.Equal(t, StateInit, m.State())

	require.NoError(t, m.OpenLog())
	assert.Equal(t, StateLogReady, m.State())

	require.NoError(t, m.CreateSession(Info{Backend: "direct-chroot", ID: "unstable-amd64-sbuild", Purgeable: true}))
	assert.Equal(t, StateSessionOpen, m.State())
}

func TestCreateSessionWrongStateFails(t *testing.T) {
	t.Parallel()

	m := New(&scriptedRunner{}, testBase(), "/var/lock/sbuild", time.Millisecond, 3)

	err := m.CreateSession(Info{})
	require.Error(t, err)
}

func TestVerifyArchitectureMatch(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{0}}
	m := New(runner, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	require.NoError(t, m.OpenLog())
	require.NoError(t, m.CreateSession(Info{}))

	require.NoError(t, m.VerifyArchitecture(context.Background(), "amd64", []string{"any"}))
	assert.Equal(t, StateSessionVerified, m.State())
}

func TestVerifyArchitectureNoMatchSkips(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{1}}
	m := New(runner, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	require.NoError(t, m.OpenLog())
	require.NoError(t, m.CreateSession(Info{}))

	err := m.VerifyArchitecture(context.Background(), "armhf", []string{"amd64"})
	require.Error(t, err)
	assert.Equal(t, ipboerr.StatusSkipped, ipboerr.StatusOf(err))
}

func TestVerifyArchitectureAllAlwaysMatches(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}
	m := New(runner, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	require.NoError(t, m.OpenLog())
	require.NoError(t, m.CreateSession(Info{}))

	require.NoError(t, m.VerifyArchitecture(context.Background(), "amd64", []string{"all"}))
	assert.Empty(t, runner.runCalls)
}

func advanceToBuildReady(t *testing.T, runner *scriptedRunner) *Manager {
	t.Helper()

	m := New(runner, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	require.NoError(t, m.OpenLog())
	require.NoError(t, m.CreateSession(Info{}))
	m.state = StateSessionVerified

	return m
}

func TestStageBuildDirCreatesTempDir(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{readResults: [][]byte{[]byte("/build/sbuild-abcdef\n")}}
	m := advanceToBuildReady(t, runner)

	dir, err := m.StageBuildDir(context.Background(), "", "buildd")
	require.NoError(t, err)
	assert.Equal(t, "/build/sbuild-abcdef", dir)
	assert.Equal(t, StateBuildReady, m.State())
}

func TestStageBuildDirRejectsNonEmptyConfiguredDir(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{1}}
	m := advanceToBuildReady(t, runner)

	_, err := m.StageBuildDir(context.Background(), "/srv/build", "buildd")
	require.Error(t, err)
}

func TestAcquireChrootLockSucceedsImmediately(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{0}}
	m := New(runner, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	m.state = StateBuildReady

	require.NoError(t, m.AcquireChrootLock(context.Background(), 1234, "buildd"))
	assert.Equal(t, StateLocked, m.State())
}

func TestAcquireChrootLockRemovesStaleLock(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		// Run call order: tryCreateLock (fails, lock exists), kill -0 on the
		// recorded pid (fails with ESRCH since the pid is not alive, so the
		// lock is stale), rm -f (removes it), tryCreateLock (succeeds).
		runResults:  []int{1, 1, 0, 0},
		readResults: [][]byte{[]byte("999999 buildd\n")},
	}
	m := New(runner, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	m.state = StateBuildReady

	err := m.AcquireChrootLock(context.Background(), 1234, "buildd")
	require.NoError(t, err)
	assert.Equal(t, StateLocked, m.State())
}

func TestReleaseChrootLockRequiresTerminalState(t *testing.T) {
	t.Parallel()

	m := New(&scriptedRunner{}, testBase(), "/var/lock/sbuild", time.Millisecond, 3)

	err := m.ReleaseChrootLock(context.Background())
	require.Error(t, err)
}

func TestFailRecordsStageAndTransitions(t *testing.T) {
	t.Parallel()

	m := New(&scriptedRunner{}, testBase(), "/var/lock/sbuild", time.Millisecond, 3)
	m.Fail(ipboerr.StageInstallDeps, ipboerr.New(ipboerr.StageInstallDeps, "boom"))

	assert.Equal(t, StateFailed, m.State())
	assert.Equal(t, ipboerr.StageInstallDeps, m.FailStage())
}

func TestQuoteShellWordEscapesSingleQuotes(t *testing.T) {
	t.Parallel()

	quoted := commandchannel.QuoteShellWord("it's a path")
	assert.NotEqual(t, "it's a path", quoted, "the embedded quote must be escaped, not passed through raw")
}
