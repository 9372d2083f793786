// Package command implements the ipbo CLI: build, version, and
// list-backends, a thin boundary-contract shim over internal/job rather
// than a replica of sbuild's own flag surface.
package command

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
)

var (
	verbose bool
	noColor bool
)

func getLongDescription() string {
	logo := `
	██╗██████╗ ██████╗  ██████╗
	██║██╔══██╗██╔══██╗██╔═══██╗
	██║██████╔╝██████╔╝██║   ██║
	██║██╔═══╝ ██╔══██╗██║   ██║
	██║██║     ██████╔╝╚██████╔╝
	╚═╝╚═╝     ╚═════╝  ╚═════╝
	Isolated Package Build Orchestrator
	`

	var coloredLogo string
	if ipbolog.IsColorDisabled() {
		coloredLogo = logo
	} else {
		coloredLogo = pterm.FgCyan.Sprint(logo)
	}

	return coloredLogo +
		"\nipbo builds one Debian source package inside an isolated chroot, " +
		"unshare namespace,\nor external chroot manager session: it resolves " +
		"Build-Depends, runs dpkg-buildpackage\nunder a stall watchdog, and " +
		"collects the resulting .changes and its referenced files."
}

var rootCmd = &cobra.Command{
	Use:   "ipbo",
	Short: "Isolated Package Build Orchestrator",
	Long:  getLongDescription(),
	Example: `  # Build a source package inside a registered direct chroot
  ipbo build --chroot unstable-amd64-sbuild --output-dir ./out /path/to/hello_2.10-2.dsc

  # Build cross, using the unshare backend
  ipbo build --chroot unstable --chroot-mode unshare --host-arch armhf --build-arch amd64 --output-dir ./out hello_2.10-2.dsc

  # List the available backend variants
  ipbo list-backends`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		shouldDisableColor := noColor || os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb"
		ipbolog.SetColorDisabled(shouldDisableColor)
		ipbolog.SetVerbose(verbose)
	},
}

// Execute adds all child commands to the root command and runs it. Called
// once from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // cobra root command registration
func init() {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		ipbolog.SetColorDisabled(true)
	}

	rootCmd.AddGroup(&cobra.Group{ID: "build", Title: "Build Commands"})
	rootCmd.AddGroup(&cobra.Group{ID: "utility", Title: "Utility Commands"})

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.SilenceErrors = false
	rootCmd.SilenceUsage = true
}
