package command

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/config"
)

func TestListBackendsCommand(t *testing.T) {
	cmd := &cobra.Command{Use: "ipbo"}
	cmd.AddGroup(&cobra.Group{ID: "utility", Title: "Utility Commands"})
	cmd.AddCommand(listBackendsCmd)
	cmd.SetArgs([]string{"list-backends"})

	err := cmd.Execute()
	assert.NoError(t, err)
}

func TestBackendDescriptionsCoverAllChrootModes(t *testing.T) {
	modes := make(map[config.ChrootMode]bool)
	for _, b := range backendDescriptions {
		modes[b.mode] = true
		assert.NotEmpty(t, b.description)
	}

	assert.True(t, modes[config.ChrootModeDirect])
	assert.True(t, modes[config.ChrootModeExternalManager])
	assert.True(t, modes[config.ChrootModeUnshare])
}
