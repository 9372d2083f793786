// Package resolver drives the system package manager against the
// Ephemeral Repo Builder's throwaway archive: update/upgrade/clean
// wrappers, foreign-architecture tracking, core/main dependency
// installation, symmetric uninstall via the Change Ledger, and the
// purge-extra-packages workaround for packages the package manager
// otherwise refuses to autoremove. Grounded on the apt-get wrapper shape
// in the teacher's Debian builder (install with a fixed, non-interactive
// option set), generalized to the resolver's full operation set.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/archive"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/commandchannel"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/config"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/relation"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/set"
)

var log = ipbolog.New("resolver")

// Runner executes a command inside the session and optionally captures its
// stdout, the narrow seam Resolver depends on instead of calling
// internal/commandchannel directly, so tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, ec execctx.ExecutionContext) (int, error)
	ReadAll(ctx context.Context, ec execctx.ExecutionContext) ([]byte, error)
}

// fixedAptArgs are the non-interactive, conservative flags every
// update/upgrade/install/remove invocation carries: non-interactive
// frontend, purge-on-remove, keep-existing conffiles, refuse to remove
// essentials, disable recommends, disable the progress pseudo-tty.
func fixedAptArgs() []string {
	return []string{
		"-y",
		"--purge",
		"-o", "Dpkg::Options::=--force-confold",
		"-o", "Dpkg::Options::=--force-confdef",
		"-o", "APT::Get::Allow-Remove-Essential=false",
		"-o", "APT::Install-Recommends=false",
		"-o", "Dpkg::Use-Pty=0",
	}
}

// aptitudeFixedArgs mirrors fixedAptArgs for the aptitude binary, which
// shares apt-get's "-o" config namespace (both link libapt-pkg) but has no
// top-level --purge flag.
func aptitudeFixedArgs() []string {
	return []string{
		"-y",
		"-o", "Dpkg::Options::=--force-confold",
		"-o", "Dpkg::Options::=--force-confdef",
		"-o", "APT::Get::Allow-Remove-Essential=false",
		"-o", "APT::Install-Recommends=false",
	}
}

// crossResolverPath is where the cross-build external solver script is
// installed, apt's own search path for EDSP solver plugins.
const crossResolverPath = "/usr/lib/apt/solvers/sbuild-cross-resolver"

// crossResolverScript reads the EDSP request apt-get --solver hands it on
// stdin, drops every candidate that is Multi-Arch: foreign or Essential:
// yes unless its Architecture is "all" or the build architecture, and
// forwards what remains to apt's own internal solver for the actual
// resolution.
const crossResolverScript = `#!/bin/sh
exec apt-get -s --solver internal dump-edsp 2>/dev/null | awk -v keep_arch=%q '
BEGIN { RS=""; FS="\n" }
{
	drop = 0
	for (i = 1; i <= NF; i++) {
		if ($i == "Multi-Arch: foreign") drop = 1
		if ($i == "Essential: yes") drop = 1
		if ($i == "Architecture: all" || $i == "Architecture: " keep_arch) drop = 0
	}
	if (!drop) print $0 "\n"
}
'
`

// ChangeLedger tracks, per session, the packages the resolver installed,
// removed, or auto-removed during dependency preparation, driving
// symmetric teardown on a non-purgeable session.
type ChangeLedger struct {
	installed   *set.Set
	removed     *set.Set
	autoRemoved *set.Set
}

// NewChangeLedger returns an empty ledger.
func NewChangeLedger() *ChangeLedger {
	return &ChangeLedger{installed: set.New(), removed: set.New(), autoRemoved: set.New()}
}

// RecordInstalled notes that name was installed by the resolver.
func (l *ChangeLedger) RecordInstalled(name string) { l.installed.Add(name) }

// RecordRemoved notes that name was removed by the resolver.
func (l *ChangeLedger) RecordRemoved(name string) { l.removed.Add(name) }

// RecordAutoRemoved notes that name was auto-removed by purge_extra_packages.
func (l *ChangeLedger) RecordAutoRemoved(name string) { l.autoRemoved.Add(name) }

// Installed, Removed and AutoRemoved report what the ledger has accumulated.
func (l *ChangeLedger) Installed() []string   { return l.installed.Values() }
func (l *ChangeLedger) Removed() []string     { return l.removed.Values() }
func (l *ChangeLedger) AutoRemoved() []string { return l.autoRemoved.Values() }

// Resolver drives apt-get (or an equivalent backend selected by
// config.Resolver) inside one session's command channel.
type Resolver struct {
	runner        Runner
	base          execctx.ExecutionContext
	kind          config.Resolver
	explainer     config.Explainer
	foreignArches *set.Set
	ledger        *ChangeLedger
}

// New returns a Resolver that runs every command through runner, layering
// per-call argv over base (the session's default Execution Context). kind
// selects the resolver backend; explainer selects the diagnostic run on
// install failure (§4.4's "Diagnostics on install failure").
func New(runner Runner, base execctx.ExecutionContext, kind config.Resolver, explainer config.Explainer) *Resolver {
	return &Resolver{
		runner:        runner,
		base:          base,
		kind:          kind,
		explainer:     explainer,
		foreignArches: set.New(),
		ledger:        NewChangeLedger(),
	}
}

// Ledger returns the resolver's Change Ledger.
func (r *Resolver) Ledger() *ChangeLedger { return r.ledger }

func (r *Resolver) run(ctx context.Context, stage ipboerr.Stage, argv ...string) error {
	ec := execctx.NewBuilder(r.base).WithArgv(argv...).Build()

	log.Debug("running resolver command", "argv", strings.Join(argv, " "))

	code, err := r.runner.Run(ctx, ec)
	if err != nil {
		return ipboerr.Wrap(err, stage, fmt.Sprintf("command failed: %s", strings.Join(argv, " ")))
	}

	if code != 0 {
		return ipboerr.New(stage, fmt.Sprintf("command exited %d: %s", code, strings.Join(argv, " ")))
	}

	return nil
}

func aptGetArgv(verb string, extra ...string) []string {
	argv := append([]string{"apt-get", verb}, fixedAptArgs()...)

	return append(argv, extra...)
}

// updateArgv and maintenanceArgv/cleanArgv give config.ResolverAptitude its
// own binary for every housekeeping verb, since aptitude is a standalone
// frontend rather than an apt-get plugin; config.ResolverAspcud and
// config.ResolverXapt are pure EDSP solver plugins with no standalone verbs
// of their own, so housekeeping still runs through apt-get for them and
// only the install step (installArgv) differs.
func (r *Resolver) updateArgv() []string {
	if r.kind == config.ResolverAptitude {
		return []string{"aptitude", "update"}
	}

	return []string{"apt-get", "update"}
}

func (r *Resolver) maintenanceArgv(verb string) []string {
	if r.kind == config.ResolverAptitude {
		return append([]string{"aptitude", verb}, aptitudeFixedArgs()...)
	}

	return aptGetArgv(verb)
}

func (r *Resolver) cleanArgv(verb string) []string {
	if r.kind == config.ResolverAptitude {
		return []string{"aptitude", verb}
	}

	return []string{"apt-get", verb}
}

// Update runs the backend's update verb.
func (r *Resolver) Update(ctx context.Context) error {
	return r.run(ctx, ipboerr.StageAptGetUpdate, r.updateArgv()...)
}

// Upgrade runs the backend's upgrade verb with its fixed option set.
func (r *Resolver) Upgrade(ctx context.Context) error {
	return r.run(ctx, ipboerr.StageAptGetUpgrade, r.maintenanceArgv("upgrade")...)
}

// DistUpgrade runs the backend's dist-upgrade verb with its fixed option set.
func (r *Resolver) DistUpgrade(ctx context.Context) error {
	return r.run(ctx, ipboerr.StageAptGetDistUpgrade, r.maintenanceArgv("dist-upgrade")...)
}

// Clean runs the backend's clean verb.
func (r *Resolver) Clean(ctx context.Context) error {
	return r.run(ctx, ipboerr.StageAptGetClean, r.cleanArgv("clean")...)
}

// Autoclean runs the backend's autoclean verb.
func (r *Resolver) Autoclean(ctx context.Context) error {
	return r.run(ctx, ipboerr.StageAptGetClean, r.cleanArgv("autoclean")...)
}

// Autoremove runs the backend's autoremove verb with its fixed option set.
func (r *Resolver) Autoremove(ctx context.Context) error {
	return r.run(ctx, ipboerr.StageAptGetClean, r.maintenanceArgv("autoremove")...)
}

// AddForeignArchitecture idempotently dpkg --add-architecture's arch and
// records it in the added-foreign set for later symmetric removal.
func (r *Resolver) AddForeignArchitecture(ctx context.Context, arch string) error {
	if r.foreignArches.Contains(arch) {
		return nil
	}

	if err := r.run(ctx, ipboerr.StageResolverSetup, "dpkg", "--add-architecture", arch); err != nil {
		return err
	}

	r.foreignArches.Add(arch)

	return nil
}

// RemoveForeignArchitectures removes every architecture this resolver
// added, the symmetric half of AddForeignArchitecture.
func (r *Resolver) RemoveForeignArchitectures(ctx context.Context) error {
	for _, arch := range r.foreignArches.Values() {
		if err := r.run(ctx, ipboerr.StageResolverSetup, "dpkg", "--remove-architecture", arch); err != nil {
			return err
		}

		r.foreignArches.Remove(arch)
	}

	return nil
}

// installSpec is everything installCoreOrMainDeps needs to build an
// ephemeral archive and install its dummy package.
type installSpec struct {
	tag       string
	records   []relation.DependencyRecord
	opts      relation.ReduceOptions
	archiveDir string
}

func (r *Resolver) installDummyFromRecords(ctx context.Context, stage ipboerr.Stage, spec installSpec) error {
	depends, conflicts, err := relation.MergeRecords(spec.records, spec.opts)
	if err != nil {
		return ipboerr.Wrap(err, stage, "merge dependency records")
	}

	dummyName := fmt.Sprintf("sbuild-build-depends-%s-dummy", spec.tag)

	layout, err := archive.BuildEphemeralArchive(spec.archiveDir, archive.DummyPackageSpec{
		Name:         dummyName,
		Version:      "0.invalid.0",
		Architecture: spec.opts.HostArch,
	}, depends, conflicts)
	if err != nil {
		return ipboerr.Wrap(err, stage, "build ephemeral archive")
	}

	if err := r.installSourcesListFragment(ctx, layout.Dir); err != nil {
		return ipboerr.Wrap(err, stage, "install sources-list fragment")
	}

	if err := r.run(ctx, stage, "apt-get", "update"); err != nil {
		return err
	}

	if spec.opts.CrossBuilding {
		if err := r.installCrossResolver(ctx, spec.opts.BuildArch); err != nil {
			return ipboerr.Wrap(err, stage, "install cross-build external solver")
		}
	}

	if err := r.run(ctx, stage, r.installArgv(dummyName, spec.opts.CrossBuilding)...); err != nil {
		if explainErr := r.explain(ctx, dummyName, layout.Dir); explainErr != nil {
			log.Warn("bd-uninstallable explainer failed", "error", explainErr)
		}

		return err
	}

	r.ledger.RecordInstalled(dummyName)

	return nil
}

// installArgv picks the install invocation for dummyName: when cross
// building, apt-get is routed through the sbuild-cross-resolver external
// solver (spec.md §4.4) regardless of the configured resolver kind, since
// only apt's EDSP solver plugin framework can host it; otherwise the
// configured resolver kind selects the binary or solver plugin.
func (r *Resolver) installArgv(dummyName string, crossBuilding bool) []string {
	if crossBuilding {
		return aptGetArgv("install", "--solver", "sbuild-cross-resolver", dummyName)
	}

	switch r.kind {
	case config.ResolverAptitude:
		return append(append([]string{"aptitude", "install"}, aptitudeFixedArgs()...), dummyName)
	case config.ResolverAspcud, config.ResolverXapt:
		return aptGetArgv("install", "--solver", string(r.kind), dummyName)
	default:
		return aptGetArgv("install", dummyName)
	}
}

// installCrossResolver writes crossResolverScript into the session at
// apt's external-solver search path so --solver sbuild-cross-resolver
// resolves to it; idempotent, so re-running it for a later dummy package
// in the same session just rewrites the same content.
func (r *Resolver) installCrossResolver(ctx context.Context, buildArch string) error {
	script := fmt.Sprintf(crossResolverScript, buildArch)

	writeCmd := fmt.Sprintf("cat > %s && chmod +x %s",
		commandchannel.QuoteShellWord(crossResolverPath), commandchannel.QuoteShellWord(crossResolverPath))

	ec := execctx.NewBuilder(r.base).WithArgv("sh", "-c", writeCmd).Build()
	ec.Stdin = strings.NewReader(script)

	code, err := r.runner.Run(ctx, ec)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("installing cross-build external solver exited %d", code)
	}

	return nil
}

// explain invokes the configured bd-uninstallable explainer after a failed
// dummy-package install (spec.md §4.4's "Diagnostics on install failure").
// Its own failure is logged, not propagated: the explainer is a
// log-visible diagnostic, not the operation the caller is actually trying
// to carry out, so it must never mask the original install error.
func (r *Resolver) explain(ctx context.Context, dummyName, archiveDir string) error {
	switch r.explainer {
	case config.ExplainerApt:
		return r.explainViaAptDryRun(ctx, dummyName)
	case config.ExplainerDose3:
		return r.explainViaDose3(ctx, dummyName, archiveDir)
	default:
		return nil
	}
}

// explainViaAptDryRun re-runs the install as an apt-get --dry-run and logs
// its output, surfacing apt's own unsatisfiability report.
func (r *Resolver) explainViaAptDryRun(ctx context.Context, dummyName string) error {
	ec := execctx.NewBuilder(r.base).WithArgv(aptGetArgv("install", "--dry-run", dummyName)...).Build()

	out, err := r.runner.ReadAll(ctx, ec)
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageExplainBDUninstallable, "run apt dry-run explainer")
	}

	log.Warn("bd-uninstallable diagnostic", "explainer", "apt", "dummy", dummyName, "output", string(out))

	return nil
}

// explainViaDose3 pipes the union of every known Packages index (apt's own
// cached lists plus the ephemeral archive's) through dose-debcheck, asking
// it to explain why dummyName is uninstallable. Per spec.md §4.4, an exit
// code of 64 or above is a hard error (dose3's own convention for an
// invocation problem rather than a normal "unsatisfiable" verdict); below
// that is the ordinary unsatisfiable outcome and is only logged.
func (r *Resolver) explainViaDose3(ctx context.Context, dummyName, archiveDir string) error {
	shellCmd := fmt.Sprintf(
		"cat /var/lib/apt/lists/*_Packages %s 2>/dev/null | dose-debcheck --explain --failures --checkonly=%s",
		commandchannel.QuoteShellWord(filepath.Join(archiveDir, "Packages")),
		commandchannel.QuoteShellWord(dummyName),
	)

	var out bytes.Buffer

	ec := execctx.NewBuilder(r.base).WithArgv("sh", "-c", shellCmd).Build()
	ec.Stdout = &out

	code, err := r.runner.Run(ctx, ec)

	log.Warn("bd-uninstallable diagnostic", "explainer", "dose3", "dummy", dummyName, "output", out.String())

	if err != nil && code == 0 {
		return ipboerr.Wrap(err, ipboerr.StageExplainBDUninstallable, "run dose3 explainer")
	}

	if code >= 64 {
		return ipboerr.New(ipboerr.StageExplainBDUninstallable, fmt.Sprintf("dose3 explainer exited %d", code))
	}

	return nil
}

// installSourcesListFragment writes an apt sources.list.d fragment
// pointing at repoDir with trusted=yes, so the session's apt-get can
// resolve against the ephemeral archive without signature verification —
// signing (internal/signing) is only needed when the caller additionally
// requires a detached Release signature.
func (r *Resolver) installSourcesListFragment(ctx context.Context, repoDir string) error {
	fragment := fmt.Sprintf("deb [trusted=yes] file://%s ./\n", repoDir)
	fragmentPath := filepath.Join("/etc/apt/sources.list.d", filepath.Base(repoDir)+".list")

	writeCmd := fmt.Sprintf("cat > %s", commandchannel.QuoteShellWord(fragmentPath))
	ec := execctx.NewBuilder(r.base).
		WithArgv("sh", "-c", writeCmd).
		Build()
	ec.Stdin = strings.NewReader(fragment)

	code, err := r.runner.Run(ctx, ec)
	if err != nil {
		return err
	}

	if code != 0 {
		return fmt.Errorf("writing sources-list fragment exited %d", code)
	}

	return nil
}

// InstallCoreDeps builds an ephemeral archive for tag from record (the
// core build-essential-equivalent list, plus crossbuild-essential when
// cross-building) and installs its dummy package.
func (r *Resolver) InstallCoreDeps(ctx context.Context, tag, archiveDir string, record relation.DependencyRecord, opts relation.ReduceOptions) error {
	return r.installDummyFromRecords(ctx, ipboerr.StageInstallEssential, installSpec{
		tag:        tag,
		records:    []relation.DependencyRecord{record},
		opts:       opts,
		archiveDir: archiveDir,
	})
}

// InstallMainDeps builds an ephemeral archive for tag merging every record
// (the synthetic MANUAL record plus the source package's own declared
// dependencies) and installs its dummy package.
func (r *Resolver) InstallMainDeps(ctx context.Context, tag, archiveDir string, records []relation.DependencyRecord, opts relation.ReduceOptions) error {
	return r.installDummyFromRecords(ctx, ipboerr.StageInstallDeps, installSpec{
		tag:        tag,
		records:    records,
		opts:       opts,
		archiveDir: archiveDir,
	})
}

// UninstallDeps consults the Change Ledger and reverses it: reinstall what
// was removed, then remove what was installed, in that order, as the spec
// requires so a removed-then-reinstalled package never transiently
// disappears from a state another removal depended on.
func (r *Resolver) UninstallDeps(ctx context.Context) error {
	if removed := r.ledger.Removed(); len(removed) > 0 {
		if err := r.run(ctx, ipboerr.StageInstallDeps, aptGetArgv("install", removed...)...); err != nil {
			return err
		}
	}

	if installed := r.ledger.Installed(); len(installed) > 0 {
		if err := r.run(ctx, ipboerr.StageInstallDeps, aptGetArgv("remove", installed...)...); err != nil {
			return err
		}
	}

	return nil
}

// PurgeExtraPackages classifies currently installed packages (queried via
// dpkg-query) into essential-or-dummy (kept) and everything else (marked
// auto, then autoremoved with --allow-remove-essential). The primary
// solver refuses to autoremove Priority:required packages; the workaround
// materializes a mutated dpkg status file with every priority rewritten to
// "extra" and points apt at it via override options for the duration of
// the autoremove.
func (r *Resolver) PurgeExtraPackages(ctx context.Context, dummyNames []string) error {
	if r.kind != config.ResolverApt {
		return nil
	}

	installed, err := r.listInstalledPackages(ctx)
	if err != nil {
		log.Warn("purge-extra-packages: dpkg-query output did not parse as expected", "error", err)

		return ipboerr.Wrap(err, ipboerr.StageInstallDeps, "parse dpkg-query output")
	}

	dummySet := set.NewFrom(dummyNames...)

	var extras []string

	for _, pkg := range installed {
		if dummySet.Contains(pkg) {
			continue
		}

		extras = append(extras, pkg)
	}

	if len(extras) == 0 {
		return nil
	}

	if err := r.run(ctx, ipboerr.StageInstallDeps, append([]string{"apt-mark", "auto"}, extras...)...); err != nil {
		return err
	}

	overrideStatus, err := r.writeRewrittenStatusFile(ctx)
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageInstallDeps, "materialize rewritten dpkg status")
	}

	argv := aptGetArgv("autoremove",
		"-o", "APT::Get::Allow-Remove-Essential=true",
		"-o", "Dir::State::status="+overrideStatus,
	)
	if err := r.run(ctx, ipboerr.StageInstallDeps, argv...); err != nil {
		return err
	}

	for _, pkg := range extras {
		r.ledger.RecordAutoRemoved(pkg)
	}

	return nil
}

func (r *Resolver) listInstalledPackages(ctx context.Context) ([]string, error) {
	ec := execctx.NewBuilder(r.base).
		WithArgv("dpkg-query", "-W", "-f=${Package} ${Priority} ${Status}\n").
		Build()

	out, err := r.runner.ReadAll(ctx, ec)
	if err != nil {
		return nil, err
	}

	var names []string

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		if fields[1] == "required" || fields[1] == "important" {
			continue
		}

		names = append(names, fields[0])
	}

	return names, nil
}

// writeRewrittenStatusFile reads /var/lib/dpkg/status inside the session,
// rewrites every "Priority: ..." line to "Priority: extra", writes it to a
// session-local scratch path, and returns that path for use with apt's
// Dir::State::status override.
func (r *Resolver) writeRewrittenStatusFile(ctx context.Context) (string, error) {
	readEC := execctx.NewBuilder(r.base).
		WithArgv("cat", "/var/lib/dpkg/status").
		Build()

	raw, err := r.runner.ReadAll(ctx, readEC)
	if err != nil {
		return "", err
	}

	rewritten := rewritePrioritiesToExtra(string(raw))

	scratchPath := filepath.Join(os.TempDir(), "ipbo-dpkg-status-extra")
	writeCmd := fmt.Sprintf("cat > %s", commandchannel.QuoteShellWord(scratchPath))

	writeEC := execctx.NewBuilder(r.base).
		WithArgv("sh", "-c", writeCmd).
		Build()
	writeEC.Stdin = strings.NewReader(rewritten)

	code, err := r.runner.Run(ctx, writeEC)
	if err != nil {
		return "", err
	}

	if code != 0 {
		return "", fmt.Errorf("writing rewritten status file exited %d", code)
	}

	return scratchPath, nil
}

func rewritePrioritiesToExtra(status string) string {
	lines := strings.Split(status, "\n")

	for i, line := range lines {
		if strings.HasPrefix(line, "Priority: ") {
			lines[i] = "Priority: extra"
		}
	}

	return strings.Join(lines, "\n")
}
