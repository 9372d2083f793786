package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/percentescape"
)

type scriptedRunner struct {
	runResults []int
	runErr     error
	runCalls   []execctx.ExecutionContext
}

func (s *scriptedRunner) Run(_ context.Context, ec execctx.ExecutionContext) (int, error) {
	s.runCalls = append(s.runCalls, ec)

	idx := len(s.runCalls) - 1
	if idx < len(s.runResults) {
		return s.runResults[idx], s.runErr
	}

	return 0, s.runErr
}

func (s *scriptedRunner) ReadAll(_ context.Context, _ execctx.ExecutionContext) ([]byte, error) {
	return nil, nil
}

func testBase() execctx.ExecutionContext {
	return execctx.NewBuilder(execctx.ExecutionContext{Env: map[string]string{}, AllowList: execctx.DefaultAllowList()}).Build()
}

func TestFetchByDscCopiesReferencedFiles(t *testing.T) {
	t.Parallel()

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "hello_1.0.dsc"), []byte("dsc contents"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "hello_1.0.tar.gz"), []byte("tarball contents"), 0o644))

	err := FetchByDsc(srcDir, "hello_1.0.dsc", []string{"hello_1.0.tar.gz"}, dstDir)
	require.NoError(t, err)

	dscBytes, err := os.ReadFile(filepath.Join(dstDir, "hello_1.0.dsc"))
	require.NoError(t, err)
	assert.Equal(t, "dsc contents", string(dscBytes))

	tarBytes, err := os.ReadFile(filepath.Join(dstDir, "hello_1.0.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "tarball contents", string(tarBytes))
}

func TestCheckDiskSpace(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckDiskSpace(1000, 3000))

	err := CheckDiskSpace(1000, 1500)
	require.Error(t, err)
}

func TestRenderChangelogEntrySynthesizesBinaryOnlyStanza(t *testing.T) {
	t.Parallel()

	entry := ChangelogEntry{
		Source:       "hello",
		Version:      "2.10-2+b1",
		Distribution: "unstable",
		Urgency:      "medium",
		Maintainer:   "Buildd User <buildd@example.org>",
		Timestamp:    time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC),
		BinaryOnly:   true,
	}

	rendered := RenderChangelogEntry(entry)

	assert.Contains(t, rendered, "hello (2.10-2+b1) unstable; urgency=medium, binary-only=yes")
	assert.Contains(t, rendered, "Binary-only non-maintainer upload.")
	assert.Contains(t, rendered, "-- Buildd User <buildd@example.org>")
}

func TestRenderChangelogEntryUsesSuppliedText(t *testing.T) {
	t.Parallel()

	entry := ChangelogEntry{
		Source:       "hello",
		Version:      "2.10-2",
		Distribution: "unstable",
		Urgency:      "low",
		Maintainer:   "A B <a@example.org>",
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ChangesText:  "  * Fix the thing.\n",
	}

	rendered := RenderChangelogEntry(entry)
	assert.Contains(t, rendered, "* Fix the thing.")
	assert.NotContains(t, rendered, "binary-only=yes")
}

func TestPrependChangelogKeepsExistingEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "changelog")

	require.NoError(t, os.WriteFile(path, []byte("hello (2.10-1) unstable; urgency=low\n\n  * Initial.\n"), 0o644))

	entry := ChangelogEntry{
		Source:       "hello",
		Version:      "2.10-1+b1",
		Distribution: "unstable",
		Urgency:      "medium",
		Maintainer:   "Buildd <buildd@example.org>",
		Timestamp:    time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
		BinaryOnly:   true,
	}

	require.NoError(t, PrependChangelog(path, entry))

	result, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Contains(t, string(result), "hello (2.10-1+b1) unstable")
	assert.Contains(t, string(result), "hello (2.10-1) unstable; urgency=low")
}

func TestBuildCommandArgvSelectorTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		sel  BuildSelector
		want string
	}{
		{"any-only", BuildSelector{Any: true}, "-B"},
		{"all-only", BuildSelector{All: true}, "-A"},
		{"any-and-all", BuildSelector{All: true, Any: true}, "-b"},
		{"source-only", BuildSelector{Source: true}, "-S"},
		{"source-all-any", BuildSelector{Source: true, All: true, Any: true}, "-F"},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			argv := BuildCommandArgv(BuildCommandOptions{Selector: tc.sel, HostArch: "amd64"})
			assert.Contains(t, argv, tc.want)
		})
	}
}

func TestBuildCommandArgvCrossAddsHostAndBuildArch(t *testing.T) {
	t.Parallel()

	argv := BuildCommandArgv(BuildCommandOptions{
		Selector:  BuildSelector{Any: true, All: true},
		HostArch:  "armhf",
		BuildArch: "amd64",
	})

	assert.Contains(t, argv, "--host-arch=armhf")
	assert.Contains(t, argv, "--build-arch=amd64")
}

func TestBuildCommandArgvNoSignOverridesSigningKey(t *testing.T) {
	t.Parallel()

	argv := BuildCommandArgv(BuildCommandOptions{
		Selector:     BuildSelector{Any: true, All: true},
		HostArch:     "amd64",
		NoSign:       true,
		SigningKeyID: "DEADBEEF",
	})

	assert.Contains(t, argv, "-uc")
	assert.Contains(t, argv, "-us")
	assert.NotContains(t, argv, "-kDEADBEEF")
}

func TestBuildEnvironmentAddsNocheckOnce(t *testing.T) {
	t.Parallel()

	env := BuildEnvironment(map[string]string{"DEB_BUILD_OPTIONS": "parallel=4"}, false, true, "", "")
	assert.Equal(t, "parallel=4 nocheck", env["DEB_BUILD_OPTIONS"])

	env = BuildEnvironment(map[string]string{}, false, true, "", "")
	assert.Equal(t, "nocheck", env["DEB_BUILD_OPTIONS"])
}

func TestBuildEnvironmentCrossSetsConfigSite(t *testing.T) {
	t.Parallel()

	env := BuildEnvironment(map[string]string{}, true, false, "/etc/dpkg-cross/cross-config.armhf", "")
	assert.Equal(t, "/etc/dpkg-cross/cross-config.armhf", env["CONFIG_SITE"])
}

const sampleChanges = `Format: 1.8
Source: hello
Version: 2.10-2+b1
Architecture: amd64
Distribution: unstable

Files:
 abcdef0123456789abcdef0123456789 1024 devel optional hello_2.10-2+b1_amd64.deb
Checksums-Sha1:
 1111111111111111111111111111111111111111 1024 hello_2.10-2+b1_amd64.deb
Checksums-Sha256:
 2222222222222222222222222222222222222222222222222222222222222222 1024 hello_2.10-2+b1_amd64.deb
`

func TestParseChangesMergesFileListings(t *testing.T) {
	t.Parallel()

	doc, err := ParseChanges([]byte(sampleChanges))
	require.NoError(t, err)

	assert.Equal(t, "hello", doc.Source)
	assert.Equal(t, "2.10-2+b1", doc.Version)
	assert.Equal(t, "unstable", doc.Distribution)

	require.Len(t, doc.Files, 1)

	f := doc.Files[0]
	assert.Equal(t, "hello_2.10-2+b1_amd64.deb", f.Name)
	assert.Equal(t, int64(1024), f.Size)
	assert.Equal(t, "abcdef0123456789abcdef0123456789", f.MD5)
	assert.Equal(t, "1111111111111111111111111111111111111111", f.SHA1)
	assert.Equal(t, "2222222222222222222222222222222222222222222222222222222222222222", f.SHA256)
}

const sampleDsc = `Format: 3.0 (quilt)
Source: hello
Version: 2.10-2
Architecture: any
Build-Depends: debhelper-compat (= 13), gettext
Build-Depends-Indep: texinfo
Build-Conflicts: hello-traditional
Checksums-Sha256:
 3333333333333333333333333333333333333333333333333333333333333333 725946 hello_2.10.orig.tar.gz
 4444444444444444444444444444444444444444444444444444444444444444 9282 hello_2.10-2.debian.tar.xz
Files:
 55555555555555555555555555555555 725946 hello_2.10.orig.tar.gz
 66666666666666666666666666666666 9282 hello_2.10-2.debian.tar.xz
`

func TestParseDscControlExtractsFieldsAndFiles(t *testing.T) {
	t.Parallel()

	doc, err := ParseDscControl([]byte(sampleDsc))
	require.NoError(t, err)

	assert.Equal(t, "hello", doc.Source)
	assert.Equal(t, "2.10-2", doc.Version)
	assert.Equal(t, "any", doc.Architecture)
	assert.Equal(t, "debhelper-compat (= 13), gettext", doc.BuildDepends)
	assert.Equal(t, "texinfo", doc.BuildDependsIndep)
	assert.Equal(t, "hello-traditional", doc.BuildConflicts)
	assert.ElementsMatch(t, []string{"hello_2.10.orig.tar.gz", "hello_2.10-2.debian.tar.xz"}, doc.Files)
}

func TestRewriteDistribution(t *testing.T) {
	t.Parallel()

	doc := &ChangesDocument{Distribution: "unstable"}
	RewriteDistribution(doc, "unstable-buildd")
	assert.Equal(t, "unstable-buildd", doc.Distribution)
}

func TestCollectArtifactsCopiesChangesAndFiles(t *testing.T) {
	t.Parallel()

	sessionDir := t.TempDir()
	outputDir := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.WriteFile(filepath.Join(sessionDir, "hello_2.10-2+b1_amd64.deb"), []byte("deb bytes"), 0o644))

	changesPath := filepath.Join(sessionDir, "hello_2.10-2+b1_amd64.changes")
	require.NoError(t, os.WriteFile(changesPath, []byte(sampleChanges), 0o644))

	doc, err := ParseChanges([]byte(sampleChanges))
	require.NoError(t, err)

	require.NoError(t, CollectArtifacts(doc, changesPath, sessionDir, outputDir))

	_, err = os.Stat(filepath.Join(outputDir, "hello_2.10-2+b1_amd64.deb"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(outputDir, "hello_2.10-2+b1_amd64.changes"))
	require.NoError(t, err)
}

func TestCollectArtifactsFailsOnMissingFile(t *testing.T) {
	t.Parallel()

	sessionDir := t.TempDir()
	outputDir := filepath.Join(t.TempDir(), "out")

	changesPath := filepath.Join(sessionDir, "hello_2.10-2+b1_amd64.changes")
	require.NoError(t, os.WriteFile(changesPath, []byte(sampleChanges), 0o644))

	doc, err := ParseChanges([]byte(sampleChanges))
	require.NoError(t, err)

	err = CollectArtifacts(doc, changesPath, sessionDir, outputDir)
	require.Error(t, err)
}

func TestRunHooksExpandsPercentEscapesIntoArgv(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{0}}
	tokens := percentescape.HookTokens("amd64", "/build/hello", "hello_2.10-2_amd64.changes", "/build/hello/hello_2.10-2.dsc", "/build/hello", "/srv/chroot/unstable-amd64-sbuild", "chroot /srv/chroot/unstable-amd64-sbuild", "/bin/sh")

	hooks := map[string][][]string{
		"post-build": {{"notify-build", "--changes", "%c", "--arch", "%a"}},
	}

	err := RunHooks(context.Background(), runner, testBase(), hooks, "post-build", tokens)
	require.NoError(t, err)

	require.Len(t, runner.runCalls, 1)
	assert.Equal(t, []string{"notify-build", "--changes", "hello_2.10-2_amd64.changes", "--arch", "amd64"}, runner.runCalls[0].Argv)
}

func TestRunHooksSkipsWhenStageHasNoCommands(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{}

	err := RunHooks(context.Background(), runner, testBase(), map[string][][]string{}, "pre-build", nil)
	require.NoError(t, err)
	assert.Empty(t, runner.runCalls)
}

func TestRunHooksFailsOnNonZeroExit(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{1}}
	hooks := map[string][][]string{"pre-build": {{"false"}}}

	err := RunHooks(context.Background(), runner, testBase(), hooks, "pre-build", nil)
	require.Error(t, err)
	assert.Equal(t, ipboerr.HookStage("pre-build"), ipboerr.StageOf(err))
}

func TestRunHooksStopsAtFirstFailingCommand(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{runResults: []int{1, 0}}
	hooks := map[string][][]string{"pre-build": {{"false"}, {"true"}}}

	err := RunHooks(context.Background(), runner, testBase(), hooks, "pre-build", nil)
	require.Error(t, err)
	assert.Len(t, runner.runCalls, 1)
}

func TestShouldClean(t *testing.T) {
	t.Parallel()

	assert.True(t, ShouldClean(PolicyAlways, false))
	assert.True(t, ShouldClean(PolicySuccessful, true))
	assert.False(t, ShouldClean(PolicySuccessful, false))
	assert.False(t, ShouldClean(PolicyNever, true))
}
