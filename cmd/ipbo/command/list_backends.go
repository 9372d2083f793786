package command

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/config"
)

var backendDescriptions = []struct {
	mode        config.ChrootMode
	description string
}{
	{config.ChrootModeDirect, "Session id is a pre-declared chroot name; begin queries a registry of known chroots and every command is prefixed with a privileged launcher plus chroot(8) and a user-switch helper."},
	{config.ChrootModeExternalManager, "Session id comes from an external chroot manager binary (schroot-compatible), which owns the chroot's lifecycle; no host filesystem location is exposed and ipbo only invokes it."},
	{config.ChrootModeUnshare, "Session id is a temporary directory on the host, populated by extracting a cached tarball on the host; build commands run chrooted there in fresh mount/PID/UTS/IPC namespaces, without /dev, /sys or /proc bind mounts."},
}

var listBackendsCmd = &cobra.Command{
	Use:     "list-backends",
	GroupID: "utility",
	Aliases: []string{"backends"},
	Short:   "List the chroot-mode backend variants ipbo can build inside",
	Run: func(_ *cobra.Command, _ []string) {
		table := pterm.TableData{{"Mode", "Description"}}

		for _, b := range backendDescriptions {
			table = append(table, []string{string(b.mode), b.description})
		}

		_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()
	},
}

//nolint:gochecknoinits // cobra command registration
func init() {
	rootCmd.AddCommand(listBackendsCmd)
}
