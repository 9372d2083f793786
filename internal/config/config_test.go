package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Chroot = "unstable-amd64-sbuild"
	cfg.HostArch = "amd64"
	cfg.BuildArch = "amd64"

	require.NoError(t, Validate(cfg))
}

func TestLoadAppliesOptions(t *testing.T) {
	t.Parallel()

	cfg, err := Load(
		WithChroot("unstable-arm64-sbuild"),
		WithChrootMode(ChrootModeUnshare),
		WithArch("arm64", "amd64"),
		WithLogDir("/tmp/ipbo-logs"),
	)
	require.NoError(t, err)

	assert.Equal(t, "unstable-arm64-sbuild", cfg.Chroot)
	assert.Equal(t, ChrootModeUnshare, cfg.ChrootMode)
	assert.Equal(t, "arm64", cfg.HostArch)
	assert.Equal(t, "amd64", cfg.BuildArch)
	assert.Equal(t, "/tmp/ipbo-logs", cfg.LogDir)
}

func TestLoadRejectsInvalidChrootMode(t *testing.T) {
	t.Parallel()

	_, err := Load(
		WithChroot("unstable-amd64-sbuild"),
		WithArch("amd64", "amd64"),
		func(c *Config) { c.ChrootMode = "bogus" },
	)
	require.Error(t, err)
}

func TestLoadRejectsMissingChroot(t *testing.T) {
	t.Parallel()

	_, err := Load(WithArch("amd64", "amd64"))
	require.Error(t, err)
}

func TestLoadFileReadsYAMLThenAppliesOptions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ipbo.yaml")
	yamlDoc := "chroot: unstable-amd64-sbuild\nhostarch: amd64\nbuildarch: amd64\nstalltimeoutminutes: 90\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	cfg, err := LoadFile(path, WithLogDir("/tmp/ipbo-logs"))
	require.NoError(t, err)

	assert.Equal(t, "unstable-amd64-sbuild", cfg.Chroot)
	assert.Equal(t, "amd64", cfg.HostArch)
	assert.Equal(t, 90, cfg.StallTimeoutMinutes)
	assert.Equal(t, "/tmp/ipbo-logs", cfg.LogDir)
}

func TestLoadFileToleratesMissingFile(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFile(
		filepath.Join(t.TempDir(), "does-not-exist.yaml"),
		WithChroot("unstable-amd64-sbuild"),
		WithArch("amd64", "amd64"),
	)
	require.NoError(t, err)
	assert.Equal(t, "unstable-amd64-sbuild", cfg.Chroot)
}
