package command

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/config"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/job"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/pipeline"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/relation"
)

var log = ipbolog.New("cmd")

var (
	flagChroot         string
	flagChrootMode     string
	flagHostArch       string
	flagBuildArch      string
	flagBuildUser      string
	flagLogDir         string
	flagOutputDir      string
	flagResolver       string
	flagSigningKeyID   string
	flagBuildSourceOnly bool
	flagLockInterval   int
	flagMaxLockTrys    int
	flagStallTimeout   int
	flagConfigFile     string
)

var buildCmd = &cobra.Command{
	Use:     "build <dsc-path>",
	GroupID: "build",
	Aliases: []string{"b"},
	Short:   "Build a Debian source package inside an isolated session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dscPath := args[0]

		data, err := os.ReadFile(dscPath) //nolint:gosec // operator-supplied path, the CLI's whole purpose
		if err != nil {
			return fmt.Errorf("read %s: %w", dscPath, err)
		}

		doc, err := pipeline.ParseDscControl(data)
		if err != nil {
			return fmt.Errorf("parse %s: %w", dscPath, err)
		}

		cfg := config.Defaults()
		if flagConfigFile != "" {
			fileCfg, err := config.LoadFile(flagConfigFile)
			if err != nil {
				return err
			}

			cfg = fileCfg
		}

		flags := cmd.Flags()
		if flags.Changed("chroot") || cfg.Chroot == "" {
			cfg.Chroot = flagChroot
		}

		if flags.Changed("chroot-mode") || cfg.ChrootMode == "" {
			cfg.ChrootMode = config.ChrootMode(flagChrootMode)
		}

		if flags.Changed("host-arch") || cfg.HostArch == "" {
			cfg.HostArch = flagHostArch
		}

		if flags.Changed("build-arch") || cfg.BuildArch == "" {
			cfg.BuildArch = flagBuildArch
		}

		if flags.Changed("log-dir") || cfg.LogDir == "" {
			cfg.LogDir = flagLogDir
		}

		if flags.Changed("resolver") || cfg.Resolver == "" {
			cfg.Resolver = config.Resolver(flagResolver)
		}

		if flags.Changed("signing-key") {
			cfg.SigningKeyID = flagSigningKeyID
		}

		if flags.Changed("source-only") {
			cfg.BuildSourceOnly = flagBuildSourceOnly
		}

		if flagLockInterval > 0 {
			cfg.LockInterval = flagLockInterval
		}

		if flagMaxLockTrys > 0 {
			cfg.MaxLockTrys = flagMaxLockTrys
		}

		if flagStallTimeout > 0 {
			cfg.StallTimeoutMinutes = flagStallTimeout
		}

		if err := config.Validate(cfg); err != nil {
			return err
		}

		spec := job.Spec{
			Source:       doc.Source,
			Version:      doc.Version,
			Architecture: strings.Fields(doc.Architecture),
			DscDir:       filepath.Dir(dscPath),
			DscName:      filepath.Base(dscPath),
			Files:        doc.Files,
			BuildDepends: relation.DependencyRecord{
				BuildDepends:        doc.BuildDepends,
				BuildDependsArch:    doc.BuildDependsArch,
				BuildDependsIndep:   doc.BuildDependsIndep,
				BuildConflicts:      doc.BuildConflicts,
				BuildConflictsArch:  doc.BuildConflictsArch,
				BuildConflictsIndep: doc.BuildConflictsIndep,
			},
			BuildUser: flagBuildUser,
			LockPID:   os.Getpid(),
		}

		be, err := job.SelectBackend(cfg)
		if err != nil {
			return err
		}

		runner := job.NewCommandRunner()

		summary, runErr := job.Run(cmd.Context(), cfg, spec, flagOutputDir, runner, be)

		log.Info("build finished", "source", summary.Source, "version", summary.Version, "status", string(summary.Status))

		return runErr
	},
}

//nolint:gochecknoinits // cobra command registration
func init() {
	rootCmd.AddCommand(buildCmd)

	buildCmd.Flags().StringVar(&flagConfigFile, "config", "", "YAML file of config.Config fields to start from, before flag overrides")
	buildCmd.Flags().StringVar(&flagChroot, "chroot", "", "name of the registered chroot to build in (required)")
	buildCmd.Flags().StringVar(&flagChrootMode, "chroot-mode", string(config.ChrootModeDirect), "direct, external-manager, or unshare")
	buildCmd.Flags().StringVar(&flagHostArch, "host-arch", runtime.GOARCH, "Debian architecture name the package is built for")
	buildCmd.Flags().StringVar(&flagBuildArch, "build-arch", runtime.GOARCH, "Debian architecture name of the machine running the build")
	buildCmd.Flags().StringVar(&flagBuildUser, "build-user", "buildd", "unprivileged user the build runs as inside the session")
	buildCmd.Flags().StringVar(&flagLogDir, "log-dir", "/var/log/ipbo", "directory the build log and its summary sidecar are written to")
	buildCmd.Flags().StringVar(&flagOutputDir, "output-dir", ".", "directory artifacts referenced by the .changes file are copied to")
	buildCmd.Flags().StringVar(&flagResolver, "resolver", string(config.ResolverApt), "apt, aptitude, aspcud, or xapt")
	buildCmd.Flags().StringVar(&flagSigningKeyID, "signing-key", "", "gpg key id to sign the .changes with; unsigned when empty")
	buildCmd.Flags().BoolVar(&flagBuildSourceOnly, "source-only", false, "build source package only (dpkg-buildpackage -S)")
	buildCmd.Flags().IntVar(&flagLockInterval, "lock-interval", 0, "seconds between chroot lock acquisition retries (0 keeps the default)")
	buildCmd.Flags().IntVar(&flagMaxLockTrys, "max-lock-trys", 0, "maximum chroot lock acquisition retries (0 keeps the default)")
	buildCmd.Flags().IntVar(&flagStallTimeout, "stall-timeout", 0, "minutes of silent build output before the watchdog kills the build (0 keeps the default)")

	_ = buildCmd.MarkFlagRequired("chroot")
	_ = buildCmd.MarkFlagRequired("output-dir")
}
