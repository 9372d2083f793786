// Package pipeline implements the Build Pipeline: fetch, dependency
// installation glue, unpack, the disk-space guard, the binNMU changelog
// rewrite, the dpkg-buildpackage invocation under the stall watchdog,
// artifact collection, and the cleanup policies that close out a build.
// Fetch-by-dsc is grounded on the host-side copy idiom the teacher's
// builders use (otiai10/copy); fetch-by-name's HTTP fallback is grounded
// on the teacher's download package (cavaliergopher/grab).
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	copy "github.com/otiai10/copy"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/percentescape"
)

var log = ipbolog.New("pipeline")

// Runner is the narrow seam into the Command Channel.
type Runner interface {
	Run(ctx context.Context, ec execctx.ExecutionContext) (int, error)
	ReadAll(ctx context.Context, ec execctx.ExecutionContext) ([]byte, error)
}

// FetchByDsc copies every file referenced by a local .dsc (the .dsc itself
// plus its Files/Checksums-* entries) from dscDir into the session's host
// build directory, with mode ug=rw,o=r,a-s and build-user ownership
// implied by the caller already running as that user.
func FetchByDsc(dscDir, dscName string, referencedFiles []string, hostBuildDir string) error {
	names := append([]string{dscName}, referencedFiles...)

	for _, name := range names {
		src := filepath.Join(dscDir, name)
		dst := filepath.Join(hostBuildDir, name)

		if err := copy.Copy(src, dst); err != nil {
			return ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("copy %s into build directory", name))
		}

		if err := os.Chmod(dst, 0o664); err != nil { //nolint:gosec // ug=rw,o=r is the spec-mandated mode
			return ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("chmod %s", name))
		}
	}

	log.Debug("fetched source from local .dsc", "dsc", dscName, "files", len(names))

	return nil
}

// FetchByNameAptSource runs the package manager's own source-download
// inside the session for the highest version matching name (and optional
// version constraint), the spec's primary path for a name[_version]
// reference.
func FetchByNameAptSource(ctx context.Context, runner Runner, base execctx.ExecutionContext, nameVersion, buildDir string) error {
	ec := execctx.NewBuilder(base).
		WithDir(buildDir).
		WithArgv("apt-get", "source", nameVersion).
		Build()

	code, err := runner.Run(ctx, ec)
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageFetchSrc, "apt-get source")
	}

	if code != 0 {
		return ipboerr.New(ipboerr.StageFetchSrc, fmt.Sprintf("apt-get source exited %d", code))
	}

	return nil
}

// FetchByNameHTTP is the supplemented resumable-download path: when no
// local mirror is reachable by the session's APT, the .dsc and its
// referenced files are fetched directly over HTTP with resume-on-interrupt.
// It does not fall back to FetchByNameAptSource. Each URL is retried with
// exponential backoff, resuming a partial file already on disk.
func FetchByNameHTTP(ctx context.Context, urls []string, destDir string, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for _, u := range urls {
		if err := fetchOneWithRetry(ctx, u, destDir, maxRetries); err != nil {
			return err
		}
	}

	return nil
}

func fetchOneWithRetry(ctx context.Context, uri, destDir string, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ipboerr.Wrap(ctx.Err(), ipboerr.StageFetchSrc, "download cancelled during backoff")
			}

			log.Warn("retrying download", "attempt", attempt+1, "max", maxRetries+1, "url", uri)
		}

		err := fetchOne(ctx, uri, destDir)
		if err == nil {
			return nil
		}

		lastErr = err
	}

	return ipboerr.Wrap(lastErr, ipboerr.StageFetchSrc, fmt.Sprintf("download %s failed after %d attempts", uri, maxRetries+1))
}

func fetchOne(ctx context.Context, uri, destDir string) error {
	client := grab.NewClient()

	req, err := grab.NewRequest(destDir, uri)
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("build download request for %s", uri))
	}

	req = req.WithContext(ctx)

	resp := client.Do(req)
	if resp.HTTPResponse == nil {
		return ipboerr.Wrap(resp.Err(), ipboerr.StageFetchSrc, fmt.Sprintf("no response fetching %s", uri))
	}

	log.Debug("fetching source file over http", "url", uri, "status", resp.HTTPResponse.Status)

	<-resp.Done

	if err := resp.Err(); err != nil {
		return ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("download %s", uri))
	}

	log.Debug("fetched source file over http", "url", uri, "path", resp.Filename)

	return nil
}

// CheckDiskSpace compares the given KiB used by the unpacked tree with the
// given KiB free on its filesystem; if free is less than twice used, it
// fails with check-space. It does not measure either value itself.
func CheckDiskSpace(usedKiB, freeKiB uint64) error {
	if freeKiB < 2*usedKiB {
		return ipboerr.New(ipboerr.StageCheckSpace, fmt.Sprintf("free space %d KiB is less than twice used space %d KiB", freeKiB, usedKiB))
	}

	return nil
}

// ChangelogEntry is one rewritten debian/changelog entry: either the
// user-supplied full text, or a synthesized binary-only-no-source stanza.
type ChangelogEntry struct {
	Source      string
	Version     string
	Distribution string
	Urgency     string
	Maintainer  string
	Timestamp   time.Time
	ChangesText string
	BinaryOnly  bool
}

// RenderChangelogEntry formats entry per Debian policy (RFC 5322 date
// form), synthesizing the standard binary-only-no-source stanza unless
// ChangesText is already supplied verbatim.
func RenderChangelogEntry(entry ChangelogEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s (%s) %s; urgency=%s", entry.Source, entry.Version, entry.Distribution, entry.Urgency)

	if entry.BinaryOnly {
		b.WriteString(", binary-only=yes")
	}

	b.WriteString("\n\n")

	if entry.ChangesText != "" {
		b.WriteString(entry.ChangesText)
	} else {
		b.WriteString("  * Binary-only non-maintainer upload.\n")
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, " -- %s  %s\n\n", entry.Maintainer, entry.Timestamp.UTC().Format(time.RFC1123Z))

	return b.String()
}

// PrependChangelog writes entry followed by the existing changelog
// contents back to path, the binNMU changelog rewrite step.
func PrependChangelog(path string, entry ChangelogEntry) error {
	existing, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageHackBinNMU, "read existing changelog")
	}

	rendered := RenderChangelogEntry(entry)

	if err := os.WriteFile(path, []byte(rendered+string(existing)), 0o644); err != nil { //nolint:gosec // changelog is world-readable by Debian convention
		return ipboerr.Wrap(err, ipboerr.StageHackBinNMU, "write rewritten changelog")
	}

	return nil
}

// BuildSelector is the (source?, all?, any?) table mapping driving which
// dpkg-buildpackage dash-flag to append.
type BuildSelector struct {
	Source bool
	All    bool
	Any    bool
}

// buildFlag maps a BuildSelector to dpkg-buildpackage's -b/-B/-A/-S/-F
// selector flags, per the fixed 2x2x2 table the spec requires.
func buildFlag(sel BuildSelector) string {
	switch {
	case sel.Source && sel.All && sel.Any:
		return "-F"
	case sel.Source && !sel.All && !sel.Any:
		return "-S"
	case !sel.Source && sel.All && sel.Any:
		return "-b"
	case !sel.Source && sel.All && !sel.Any:
		return "-A"
	case !sel.Source && !sel.All && sel.Any:
		return "-B"
	default:
		return "-b"
	}
}

// BuildCommandOptions parametrizes the dpkg-buildpackage invocation.
type BuildCommandOptions struct {
	Selector     BuildSelector
	HostArch     string
	BuildArch    string
	Profiles     []string
	SigningKeyID string
	NoSign       bool
	FakerootOpt  string
	ExtraOptions []string
}

// BuildCommandArgv constructs the build command argv: dpkg-buildpackage,
// architecture and profile flags, the source/binary/indep-or-any
// selector, pgp/signing options, a `--` fakeroot option, user-extra
// options.
func BuildCommandArgv(opts BuildCommandOptions) []string {
	argv := []string{"dpkg-buildpackage"}

	argv = append(argv, buildFlag(opts.Selector))
	argv = append(argv, "-a"+opts.HostArch)

	if opts.BuildArch != "" && opts.BuildArch != opts.HostArch {
		argv = append(argv, "--host-arch="+opts.HostArch, "--build-arch="+opts.BuildArch)
	}

	if len(opts.Profiles) > 0 {
		argv = append(argv, "-P"+strings.Join(opts.Profiles, ","))
	}

	if opts.NoSign {
		argv = append(argv, "-uc", "-us")
	} else if opts.SigningKeyID != "" {
		argv = append(argv, "-k"+opts.SigningKeyID)
	}

	if opts.FakerootOpt != "" {
		argv = append(argv, "--", opts.FakerootOpt)
	}

	argv = append(argv, opts.ExtraOptions...)

	return argv
}

// BuildEnvironment composes the build command's environment: a copy of base,
// plus LD_LIBRARY_PATH when given, CONFIG_SITE when cross-building with a
// configSite, and nocheck in DEB_BUILD_OPTIONS when cross-building or when
// noChecks is set.
func BuildEnvironment(base map[string]string, crossBuilding, noChecks bool, configSite, ldLibraryPath string) map[string]string {
	env := make(map[string]string, len(base)+4)

	for k, v := range base {
		env[k] = v
	}

	if ldLibraryPath != "" {
		env["LD_LIBRARY_PATH"] = ldLibraryPath
	}

	if crossBuilding && configSite != "" {
		env["CONFIG_SITE"] = configSite
	}

	if noChecks || crossBuilding {
		existing := env["DEB_BUILD_OPTIONS"]
		if existing == "" {
			env["DEB_BUILD_OPTIONS"] = "nocheck"
		} else if !strings.Contains(existing, "nocheck") {
			env["DEB_BUILD_OPTIONS"] = existing + " nocheck"
		}
	}

	return env
}

// ChangesFile is one file listed in a Changes Document's Files/Checksums
// section.
type ChangesFile struct {
	Name   string
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
}

// ChangesDocument is the parsed .changes control stanza produced by the
// artifact-collection step.
type ChangesDocument struct {
	Source       string
	Version      string
	Architecture string
	Distribution string
	Files        []ChangesFile
}

// ParseChanges parses a .changes file's stanza: top-level colon fields
// plus the indented Files/Checksums-Sha1/Checksums-Sha256 continuation
// blocks, merging the three listings by filename.
func ParseChanges(data []byte) (*ChangesDocument, error) {
	doc := &ChangesDocument{}
	byName := map[string]*ChangesFile{}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))

	var section string

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "Source:"):
			doc.Source = strings.TrimSpace(strings.TrimPrefix(line, "Source:"))
			section = ""
		case strings.HasPrefix(line, "Version:"):
			doc.Version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
			section = ""
		case strings.HasPrefix(line, "Architecture:"):
			doc.Architecture = strings.TrimSpace(strings.TrimPrefix(line, "Architecture:"))
			section = ""
		case strings.HasPrefix(line, "Distribution:"):
			doc.Distribution = strings.TrimSpace(strings.TrimPrefix(line, "Distribution:"))
			section = ""
		case line == "Files:":
			section = "files"
		case line == "Checksums-Sha1:":
			section = "sha1"
		case line == "Checksums-Sha256:":
			section = "sha256"
		case strings.HasPrefix(line, " ") && section != "":
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}

			name := fields[len(fields)-1]

			entry, ok := byName[name]
			if !ok {
				entry = &ChangesFile{Name: name}
				byName[name] = entry
				doc.Files = append(doc.Files, *entry)
			}

			size, _ := strconv.ParseInt(fields[1], 10, 64)
			if entry.Size == 0 {
				entry.Size = size
			}

			switch section {
			case "files":
				entry.MD5 = fields[0]
			case "sha1":
				entry.SHA1 = fields[0]
			case "sha256":
				entry.SHA256 = fields[0]
			}

			byName[name] = entry
		default:
			if !strings.HasPrefix(line, " ") {
				section = ""
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, ipboerr.Wrap(err, ipboerr.StageParseChanges, "scan changes file")
	}

	for i, f := range doc.Files {
		if merged, ok := byName[f.Name]; ok {
			doc.Files[i] = *merged
		}
	}

	return doc, nil
}

// DscDocument is the subset of a .dsc's control stanza the Build Pipeline
// needs: package identity, the six dependency-record fields consumed by
// internal/relation, and the Files listing FetchByDsc copies alongside the
// .dsc itself.
type DscDocument struct {
	Source              string
	Version             string
	Architecture         string
	BuildDepends         string
	BuildDependsArch     string
	BuildDependsIndep    string
	BuildConflicts       string
	BuildConflictsArch   string
	BuildConflictsIndep  string
	Files                []string
}

// ParseDscControl parses a .dsc's colon-field control stanza plus its
// trailing Files/Checksums-* continuation block, the same two-pass
// shape ParseChanges uses for a .changes file's stanza.
func ParseDscControl(data []byte) (*DscDocument, error) {
	doc := &DscDocument{}
	seen := map[string]bool{}

	scanner := bufio.NewScanner(strings.NewReader(string(data)))

	var field string

	assign := func(name, value string) {
		switch name {
		case "Source":
			doc.Source = value
		case "Version":
			doc.Version = value
		case "Architecture":
			doc.Architecture = value
		case "Build-Depends":
			doc.BuildDepends = value
		case "Build-Depends-Arch":
			doc.BuildDependsArch = value
		case "Build-Depends-Indep":
			doc.BuildDependsIndep = value
		case "Build-Conflicts":
			doc.BuildConflicts = value
		case "Build-Conflicts-Arch":
			doc.BuildConflictsArch = value
		case "Build-Conflicts-Indep":
			doc.BuildConflictsIndep = value
		}
	}

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "Files:" || strings.HasPrefix(line, "Checksums-"):
			field = "files"
		case strings.HasPrefix(line, " ") && field == "files":
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}

			name := fields[len(fields)-1]
			if !seen[name] {
				seen[name] = true
				doc.Files = append(doc.Files, name)
			}
		case strings.HasPrefix(line, " "):
			// continuation of a folded colon field; the fields this
			// struct cares about are never folded, so it's ignored.
		default:
			field = ""

			colon := strings.IndexByte(line, ':')
			if colon < 0 {
				continue
			}

			assign(line[:colon], strings.TrimSpace(line[colon+1:]))
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, ipboerr.Wrap(err, ipboerr.StageFetchSrc, "scan dsc control stanza")
	}

	return doc, nil
}

// RewriteDistribution overrides the Distribution: field, the optional
// post-processing step requested by the job.
func RewriteDistribution(doc *ChangesDocument, distribution string) {
	doc.Distribution = distribution
}

// CollectArtifacts copies every file the Changes Document references from
// sessionDir to hostOutputDir, failing if any listed file is missing.
func CollectArtifacts(doc *ChangesDocument, changesPath, sessionDir, hostOutputDir string) error {
	if err := os.MkdirAll(hostOutputDir, 0o755); err != nil { //nolint:gosec // output directory is meant to be world-readable
		return ipboerr.Wrap(err, ipboerr.StageParseChanges, "create output directory")
	}

	if err := copy.Copy(changesPath, filepath.Join(hostOutputDir, filepath.Base(changesPath))); err != nil {
		return ipboerr.Wrap(err, ipboerr.StageParseChanges, "copy changes file")
	}

	for _, f := range doc.Files {
		src := filepath.Join(sessionDir, f.Name)

		if _, err := os.Stat(src); err != nil {
			return ipboerr.New(ipboerr.StageParseChanges, fmt.Sprintf("changes references missing file %q", f.Name))
		}

		if err := copy.Copy(src, filepath.Join(hostOutputDir, f.Name)); err != nil {
			return ipboerr.Wrap(err, ipboerr.StageParseChanges, fmt.Sprintf("copy artifact %q", f.Name))
		}
	}

	return nil
}

// CleanupPolicy controls whether purge/uninstall/end-session steps run
// after a build, per spec's always/successful/never knob.
type CleanupPolicy string

const (
	PolicyAlways     CleanupPolicy = "always"
	PolicySuccessful CleanupPolicy = "successful"
	PolicyNever      CleanupPolicy = "never"
)

// ShouldClean reports whether policy says to run a cleanup step given
// whether the build succeeded.
func ShouldClean(policy CleanupPolicy, succeeded bool) bool {
	switch policy {
	case PolicyAlways:
		return true
	case PolicySuccessful:
		return succeeded
	case PolicyNever:
		return false
	default:
		return false
	}
}

// RunHooks runs every argv registered under hooks[stage] in order, with
// every argument run through percentescape.Substitute against tokens
// first. The first command to exit non-zero aborts the remaining commands
// and is reported tagged with ipboerr.HookStage(stage).
func RunHooks(ctx context.Context, runner Runner, base execctx.ExecutionContext, hooks map[string][][]string, stage string, tokens []percentescape.Token) error {
	commands := hooks[stage]
	if len(commands) == 0 {
		return nil
	}

	for _, argv := range commands {
		expanded := make([]string, len(argv))

		for i, arg := range argv {
			expanded[i] = percentescape.Substitute(arg, tokens, func(escape, note string) {
				log.Warn("hook command uses a deprecated percent-escape", "stage", stage, "escape", escape, "note", note)
			})
		}

		ec := execctx.NewBuilder(base).WithArgv(expanded...).Build()

		code, err := runner.Run(ctx, ec)
		if err != nil {
			return ipboerr.Wrap(err, ipboerr.HookStage(stage), fmt.Sprintf("run %s hook %q", stage, strings.Join(expanded, " ")))
		}

		if code != 0 {
			return ipboerr.New(ipboerr.HookStage(stage), fmt.Sprintf("%s hook %q exited %d", stage, strings.Join(expanded, " "), code))
		}
	}

	return nil
}
