// Package archive implements the Ephemeral Repo Builder: it assembles a
// dummy build-dependency meta-package as a real .deb, and synthesizes the
// Packages/Sources/Release index files of a throwaway local APT archive so
// the session's apt-get can resolve Build-Depends against it without
// touching the network.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/md5" //nolint:gosec // md5/sha1 are required by the Debian Release file format, not used for security
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blakesmith/ar"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/relation"
)

var log = ipbolog.New("archive")

const (
	binaryFilename  = "debian-binary"
	binaryContent   = "2.0\n"
	controlFilename = "control.tar.gz"
	dataFilename    = "data.tar.gz"
)

// DummyPackageSpec describes the throwaway meta-package the Dependency
// Resolver asks the Ephemeral Repo Builder to synthesize so apt-get has a
// single package whose own Depends/Conflicts pull in everything the real
// source package needs, without apt ever being told about the real source.
type DummyPackageSpec struct {
	Name         string
	Version      string
	Architecture string
	Depends      []string
	Conflicts    []string
}

// BuildDummyDeb writes a minimal-but-valid .deb implementing spec to
// outputPath: an ar archive of debian-binary, control.tar.gz (control file
// only — no maintainer scripts, no payload) and an empty data.tar.gz.
func BuildDummyDeb(spec DummyPackageSpec, outputPath string) error {
	controlArchive, err := buildControlArchive(spec)
	if err != nil {
		return err
	}

	dataArchive, err := buildEmptyDataArchive()
	if err != nil {
		return err
	}

	out, err := os.Create(filepath.Clean(outputPath))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			log.Warn("failed to close dummy deb", "path", outputPath, "error", cerr)
		}
	}()

	writer := ar.NewWriter(out)
	if err := writer.WriteGlobalHeader(); err != nil {
		return err
	}

	modtime := time.Now()

	if err := addArFile(writer, binaryFilename, []byte(binaryContent), modtime); err != nil {
		return err
	}

	if err := addArFile(writer, controlFilename, controlArchive, modtime); err != nil {
		return err
	}

	if err := addArFile(writer, dataFilename, dataArchive, modtime); err != nil {
		return err
	}

	log.Debug("dummy package built", "path", outputPath, "name", spec.Name)

	return nil
}

func addArFile(writer *ar.Writer, name string, body []byte, date time.Time) error {
	header := ar.Header{
		Name:    name,
		Size:    int64(len(body)),
		Mode:    0o644,
		ModTime: date,
	}

	if err := writer.WriteHeader(&header); err != nil {
		return err
	}

	_, err := writer.Write(body)

	return err
}

func buildControlArchive(spec DummyPackageSpec) ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	control := renderControlFile(spec)

	if err := tw.WriteHeader(&tar.Header{
		Name: "./control",
		Mode: 0o644,
		Size: int64(len(control)),
	}); err != nil {
		return nil, err
	}

	if _, err := tw.Write([]byte(control)); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func buildEmptyDataArchive() ([]byte, error) {
	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	if err := tw.Close(); err != nil {
		return nil, err
	}

	if err := gz.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func renderControlFile(spec DummyPackageSpec) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Package: %s\n", spec.Name)
	fmt.Fprintf(&b, "Version: %s\n", spec.Version)
	fmt.Fprintf(&b, "Architecture: %s\n", spec.Architecture)
	fmt.Fprintf(&b, "Maintainer: IPBO Ephemeral Repo Builder <ipbo@localhost>\n")
	fmt.Fprintf(&b, "Priority: optional\n")
	fmt.Fprintf(&b, "Section: devel\n")

	if len(spec.Depends) > 0 {
		fmt.Fprintf(&b, "Depends: %s\n", strings.Join(spec.Depends, ", "))
	}

	if len(spec.Conflicts) > 0 {
		fmt.Fprintf(&b, "Conflicts: %s\n", strings.Join(spec.Conflicts, ", "))
	}

	fmt.Fprintf(&b, "Description: IPBO auto-generated build dependency package\n")
	fmt.Fprintf(&b, " This dummy package pulls in the build dependencies of a single job.\n")

	return b.String()
}

// RenderDummyDsc renders the .dsc stanza that parallels a dummy package's
// control file: same Depends/Conflicts relations, in .dsc field names
// (Build-Depends/Build-Conflicts). A dummy package never itself splits
// into arch-dependent/architecture-independent binaries, so unlike a real
// source package's six-field split, only the merged pair is meaningful
// here.
func RenderDummyDsc(spec DummyPackageSpec, depends, conflicts *relation.Expr) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Format: 3.0 (native)\n")
	fmt.Fprintf(&b, "Source: %s\n", spec.Name)
	fmt.Fprintf(&b, "Version: %s\n", spec.Version)
	fmt.Fprintf(&b, "Architecture: %s\n", spec.Architecture)
	fmt.Fprintf(&b, "Maintainer: IPBO Ephemeral Repo Builder <ipbo@localhost>\n")

	if depends != nil && !depends.Empty() {
		fmt.Fprintf(&b, "Build-Depends: %s\n", depends.String())
	}

	if conflicts != nil && !conflicts.Empty() {
		fmt.Fprintf(&b, "Build-Conflicts: %s\n", conflicts.String())
	}

	return b.String()
}

// Layout is the set of paths the Ephemeral Repo Builder produced inside
// one archive directory, handed to the Dependency Resolver so it can point
// a sources-list fragment at dir and install spec.Name from it.
type Layout struct {
	Dir         string
	DebPath     string
	DscPath     string
	PackagesPath string
	SourcesPath  string
	ReleasePath  string
}

// BuildEphemeralArchive assembles a complete throwaway local APT archive in
// dir: the dummy .deb and its parallel .dsc, a Packages index for the .deb,
// a Sources index for the .dsc, and a Release file whose hash/size fields
// are computed from the bytes actually written for Packages and Sources in
// this same call, per spec's requirement that the two never drift apart.
func BuildEphemeralArchive(dir string, spec DummyPackageSpec, depends, conflicts *relation.Expr) (*Layout, error) {
	if depends != nil {
		spec.Depends = splitRelationList(depends.String())
	}

	if conflicts != nil {
		spec.Conflicts = splitRelationList(conflicts.String())
	}

	layout := &Layout{
		Dir:          dir,
		DebPath:      filepath.Join(dir, spec.Name+"_"+spec.Version+"_"+spec.Architecture+".deb"),
		DscPath:      filepath.Join(dir, spec.Name+"_"+spec.Version+".dsc"),
		PackagesPath: filepath.Join(dir, "Packages"),
		SourcesPath:  filepath.Join(dir, "Sources"),
		ReleasePath:  filepath.Join(dir, "Release"),
	}

	if err := BuildDummyDeb(spec, layout.DebPath); err != nil {
		return nil, err
	}

	dsc := RenderDummyDsc(spec, depends, conflicts)
	if err := os.WriteFile(layout.DscPath, []byte(dsc), 0o644); err != nil { //nolint:gosec // archive index files are world-readable by design
		return nil, err
	}

	debEntry, err := indexEntryFor(renderControlFile(spec), layout.DebPath, dir)
	if err != nil {
		return nil, err
	}

	if err := writeIndexFile(layout.PackagesPath, []IndexEntry{debEntry}, WritePackagesIndex); err != nil {
		return nil, err
	}

	dscEntry, err := indexEntryFor(dsc, layout.DscPath, dir)
	if err != nil {
		return nil, err
	}

	if err := writeIndexFile(layout.SourcesPath, []IndexEntry{dscEntry}, WriteSourcesIndex); err != nil {
		return nil, err
	}

	packagesSize, packagesMD5, packagesSHA1, packagesSHA256, err := HashFile(layout.PackagesPath)
	if err != nil {
		return nil, err
	}

	sourcesSize, sourcesMD5, sourcesSHA1, sourcesSHA256, err := HashFile(layout.SourcesPath)
	if err != nil {
		return nil, err
	}

	release := RenderRelease("invalid", "invalid", spec.Architecture, []ReleaseComponentFile{
		{Path: "Packages", Size: packagesSize, MD5: packagesMD5, SHA1: packagesSHA1, SHA256: packagesSHA256},
		{Path: "Sources", Size: sourcesSize, MD5: sourcesMD5, SHA1: sourcesSHA1, SHA256: sourcesSHA256},
	})

	if err := os.WriteFile(layout.ReleasePath, []byte(release), 0o644); err != nil { //nolint:gosec // archive index files are world-readable by design
		return nil, err
	}

	log.Debug("ephemeral archive built", "dir", dir, "package", spec.Name)

	return layout, nil
}

// splitRelationList renders a merged Expr's String() form (already
// comma-separated) back into the slice form DummyPackageSpec's control
// renderer expects.
func splitRelationList(rendered string) []string {
	if strings.TrimSpace(rendered) == "" {
		return nil
	}

	parts := strings.Split(rendered, ",")
	out := make([]string, 0, len(parts))

	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}

	return out
}

func indexEntryFor(stanza, path, relativeTo string) (IndexEntry, error) {
	size, md5sum, sha1sum, sha256sum, err := HashFile(path)
	if err != nil {
		return IndexEntry{}, err
	}

	rel, err := filepath.Rel(relativeTo, path)
	if err != nil {
		rel = filepath.Base(path)
	}

	return IndexEntry{
		Stanza:       stanza,
		RelativePath: rel,
		Size:         size,
		MD5:          md5sum,
		SHA1:         sha1sum,
		SHA256:       sha256sum,
	}, nil
}

func writeIndexFile(path string, entries []IndexEntry, writer func(io.Writer, []IndexEntry) error) error {
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer f.Close()

	return writer(f, entries)
}

// IndexEntry is one stanza's worth of metadata needed to compute its
// Packages/Sources index entry: the rendered control stanza plus the file
// it refers to, so the index can record Size/MD5sum/SHA1/SHA256.
type IndexEntry struct {
	Stanza       string
	RelativePath string
	Size         int64
	MD5          string
	SHA1         string
	SHA256       string
}

// HashFile computes the MD5/SHA1/SHA256 digests and size of the file at
// path, the way every entry in Packages/Sources and the Release file
// itself is authenticated.
func HashFile(path string) (size int64, md5sum, sha1sum, sha256sum string, err error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, "", "", "", err
	}
	defer f.Close()

	md5h := md5.New()   //nolint:gosec // Debian Release file format requires md5
	sha1h := sha1.New() //nolint:gosec // Debian Release file format requires sha1
	sha256h := sha256.New()

	n, err := io.Copy(io.MultiWriter(md5h, sha1h, sha256h), f)
	if err != nil {
		return 0, "", "", "", err
	}

	return n, hex.EncodeToString(md5h.Sum(nil)), hex.EncodeToString(sha1h.Sum(nil)), hex.EncodeToString(sha256h.Sum(nil)), nil
}

// WritePackagesIndex writes entries' rendered control stanzas, each
// followed by its Size/MD5sum/SHA1/SHA256 fields so apt can verify the
// .deb it downloads from this ephemeral archive.
func WritePackagesIndex(w io.Writer, entries []IndexEntry) error {
	for _, e := range entries {
		if _, err := fmt.Fprintf(w, "%sFilename: %s\nSize: %d\nMD5sum: %s\nSHA1: %s\nSHA256: %s\n\n",
			e.Stanza, e.RelativePath, e.Size, e.MD5, e.SHA1, e.SHA256); err != nil {
			return err
		}
	}

	return nil
}

// WriteSourcesIndex writes entries' rendered control stanzas for the
// ephemeral archive's Sources index, identical in shape to Packages but
// keyed by source package rather than binary.
func WriteSourcesIndex(w io.Writer, entries []IndexEntry) error {
	return WritePackagesIndex(w, entries)
}

// ReleaseComponentFile is one file's entry in a Release file's per-hash
// file list (e.g. "main/binary-amd64/Packages").
type ReleaseComponentFile struct {
	Path   string
	Size   int64
	MD5    string
	SHA1   string
	SHA256 string
}

// RenderRelease builds the ephemeral archive's Release file: a suite
// stanza followed by MD5Sum/SHA1/SHA256 file lists, each entry's digest
// matching the Packages/Sources bytes actually written in this invocation.
func RenderRelease(suite, codename, archName string, files []ReleaseComponentFile) string {
	sorted := append([]ReleaseComponentFile(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var b strings.Builder

	fmt.Fprintf(&b, "Origin: IPBO\n")
	fmt.Fprintf(&b, "Label: IPBO ephemeral archive\n")
	fmt.Fprintf(&b, "Suite: %s\n", suite)
	fmt.Fprintf(&b, "Codename: %s\n", codename)
	fmt.Fprintf(&b, "Architectures: %s\n", archName)
	fmt.Fprintf(&b, "Components: main\n")
	fmt.Fprintf(&b, "Date: %s\n", time.Now().UTC().Format(time.RFC1123Z))

	b.WriteString("MD5Sum:\n")
	for _, f := range sorted {
		fmt.Fprintf(&b, " %s %16d %s\n", f.MD5, f.Size, f.Path)
	}

	b.WriteString("SHA1:\n")
	for _, f := range sorted {
		fmt.Fprintf(&b, " %s %16d %s\n", f.SHA1, f.Size, f.Path)
	}

	b.WriteString("SHA256:\n")
	for _, f := range sorted {
		fmt.Fprintf(&b, " %s %16d %s\n", f.SHA256, f.Size, f.Path)
	}

	return b.String()
}
