// Package gitrepo shallow-clones git-hosted extra repository definitions
// into a session-local cache so their .deb files can be indexed into the
// Ephemeral Archive alongside the dummy build-dependency package.
// Grounded on the teacher's go-git clone helper, generalized from a
// single source fetch into a cache of named extra repositories and
// stripped of its interactive progress-bar plumbing (IPBO's clone runs
// headless, behind the Session Manager, not in a terminal).
package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ggit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipboerr"
	"github.com/eth-pkg/sbuild-ubuntu-sub000/internal/ipbolog"
)

var log = ipbolog.New("gitrepo")

// Definition is one extra-repository reference the job supplies, naming a
// clone URL and an optional branch name.
type Definition struct {
	Name       string
	URL        string
	Reference  string
	SSHKeyPath string
}

// Clone shallow-clones def into cacheDir/def.Name, reusing an existing
// clone in place (fetch + checkout) rather than re-cloning, and falling
// back to SSH key auth when the URL requires authentication.
func Clone(def Definition, cacheDir string) (string, error) {
	if def.Name == "" || def.URL == "" {
		return "", ipboerr.New(ipboerr.StageFetchSrc, "extra repository definition needs both a name and a url")
	}

	dest := filepath.Join(cacheDir, def.Name)

	var refName plumbing.ReferenceName
	if def.Reference != "" {
		refName = plumbing.NewBranchReferenceName(def.Reference)
	}

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		if err := refreshExisting(dest, refName); err != nil {
			return "", ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("refresh extra repository %q", def.Name))
		}

		return dest, nil
	}

	log.Info("cloning extra repository", "name", def.Name, "url", def.URL)

	cloneOpts := &ggit.CloneOptions{
		URL:   def.URL,
		Depth: 1,
	}

	if refName != "" {
		cloneOpts.ReferenceName = refName
		cloneOpts.SingleBranch = true
	}

	_, err := ggit.PlainClone(dest, false, cloneOpts)
	if err != nil && strings.Contains(err.Error(), "authentication required") {
		return dest, cloneWithSSH(dest, def, cloneOpts)
	}

	if err != nil {
		return "", ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("clone extra repository %q", def.Name))
	}

	return dest, nil
}

func cloneWithSSH(dest string, def Definition, cloneOpts *ggit.CloneOptions) error {
	keyPath := def.SSHKeyPath
	if keyPath == "" {
		keyPath = filepath.Join(os.Getenv("HOME"), ".ssh", "id_rsa")
	}

	auth, err := ssh.NewPublicKeysFromFile("git", keyPath, "")
	if err != nil {
		return ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("load ssh key for extra repository %q", def.Name))
	}

	cloneOpts.Auth = auth

	if _, err := ggit.PlainClone(dest, false, cloneOpts); err != nil {
		return ipboerr.Wrap(err, ipboerr.StageFetchSrc, fmt.Sprintf("clone extra repository %q over ssh", def.Name))
	}

	return nil
}

func refreshExisting(dest string, refName plumbing.ReferenceName) error {
	repo, err := ggit.PlainOpen(dest)
	if err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return err
	}

	_ = repo.Fetch(&ggit.FetchOptions{})

	if refName == "" {
		return nil
	}

	if err := worktree.Checkout(&ggit.CheckoutOptions{Branch: refName}); err == nil {
		return nil
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", refName.Short()), true)
	if err != nil {
		return fmt.Errorf("remote branch %q not found: %w", refName.Short(), err)
	}

	localRef := plumbing.NewHashReference(refName, remoteRef.Hash())
	if err := repo.Storer.SetReference(localRef); err != nil {
		return err
	}

	return worktree.Checkout(&ggit.CheckoutOptions{Branch: refName})
}

// HeadCommit returns the cloned repository's current commit hash, empty
// if repoPath is not a git checkout.
func HeadCommit(repoPath string) string {
	repo, err := ggit.PlainOpen(repoPath)
	if err != nil {
		return ""
	}

	head, err := repo.Head()
	if err != nil {
		return ""
	}

	return head.Hash().String()
}

// ListDebFiles returns every .deb file found directly under repoPath,
// the set to be indexed into the Ephemeral Archive.
func ListDebFiles(repoPath string) ([]string, error) {
	entries, err := os.ReadDir(repoPath)
	if err != nil {
		return nil, ipboerr.Wrap(err, ipboerr.StageFetchSrc, "list extra repository contents")
	}

	var debs []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if strings.HasSuffix(entry.Name(), ".deb") {
			debs = append(debs, filepath.Join(repoPath, entry.Name()))
		}
	}

	return debs, nil
}
