package command

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pterm/pterm"
	"github.com/pterm/pterm/putils"
	"github.com/spf13/cobra"
)

// ipboVersion follows the teacher corpus's single source-of-truth version
// const pattern (pkg/constants.YAPVersion); ipbo has no multi-distro arch
// table to go with it, so it lives here rather than in its own package.
const ipboVersion = "v0.1.0"

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: "utility",
	Short:   "Display ipbo version and runtime information",
	Run: func(_ *cobra.Command, _ []string) {
		logo, _ := pterm.DefaultBigText.WithLetters(
			putils.LettersFromStringWithStyle("I", pterm.NewStyle(pterm.FgCyan)),
			putils.LettersFromStringWithStyle("P", pterm.NewStyle(pterm.FgLightCyan)),
			putils.LettersFromStringWithStyle("B", pterm.NewStyle(pterm.FgCyan)),
			putils.LettersFromStringWithStyle("O", pterm.NewStyle(pterm.FgLightCyan))).
			Srender()

		pterm.DefaultCenter.Print(logo)

		versionInfo := pterm.DefaultBox.WithTitle("Version").
			WithTitleTopLeft().WithBoxStyle(pterm.NewStyle(pterm.FgCyan))

		content := fmt.Sprintf("%s %s\n%s %s\n%s %s",
			pterm.FgLightBlue.Sprint("Version:"),
			pterm.NewStyle(pterm.FgWhite, pterm.Bold).Sprint(strings.TrimPrefix(ipboVersion, "v")),
			pterm.FgLightMagenta.Sprint("Runtime:"), pterm.FgWhite.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH),
			pterm.FgLightGreen.Sprint("Go version:"), pterm.FgWhite.Sprint(runtime.Version()),
		)

		pterm.DefaultCenter.Print(versionInfo.Sprint(content))
	},
}

//nolint:gochecknoinits // cobra command registration
func init() {
	rootCmd.AddCommand(versionCmd)
}
