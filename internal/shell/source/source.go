// Package source reads and refreshes the local source tree a deployment
// ships: the HEAD revision for stamping outcomes, and a managed checkout
// the webhook server updates before each run.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

var (
	ErrCheckout = errors.New("source checkout failed")
)

// Revision returns the HEAD commit of the repository containing dir. It
// returns "" without error when dir is not inside a repository or the
// repository has no commits yet.
func Revision(dir string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open repository at %s: %w", dir, err)
	}

	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// =============================================================================
// Managed Checkout
// =============================================================================

// Auth holds optional credentials for fetching the repository.
type Auth struct {
	Token   string // HTTPS token, sent as basic auth password
	SSHKey  []byte // PEM private key for ssh:// and scp-style URLs
	SSHUser string // Default: git
}

func (a Auth) method() (transport.AuthMethod, error) {
	switch {
	case a.Token != "":
		return &http.BasicAuth{Username: "dockship", Password: a.Token}, nil
	case len(a.SSHKey) > 0:
		user := a.SSHUser
		if user == "" {
			user = "git"
		}
		return gitssh.NewPublicKeys(user, a.SSHKey, "")
	default:
		return nil, nil
	}
}

// Checkout is a working copy of one branch kept in Dir.
type Checkout struct {
	URL    string
	Branch string
	Dir    string
	Auth   Auth
	Logger *slog.Logger
}

// Update clones the repository on first use and fetches the branch
// afterwards, then checks out want, or the branch tip when want is empty.
// Tracked files are forced to the checked out commit. Returns the commit.
func (c *Checkout) Update(ctx context.Context, want string) (string, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "source", "url", c.URL, "branch", c.Branch)

	if c.Branch == "" {
		return "", fmt.Errorf("%w: branch is required", ErrCheckout)
	}
	auth, err := c.Auth.method()
	if err != nil {
		return "", fmt.Errorf("%w: auth: %w", ErrCheckout, err)
	}

	repo, err := git.PlainOpen(c.Dir)
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := os.MkdirAll(filepath.Dir(c.Dir), 0o755); err != nil {
			return "", fmt.Errorf("%w: %w", ErrCheckout, err)
		}
		repo, err = git.PlainCloneContext(ctx, c.Dir, false, &git.CloneOptions{
			URL:           c.URL,
			Auth:          auth,
			ReferenceName: plumbing.NewBranchReferenceName(c.Branch),
			SingleBranch:  true,
		})
		if err != nil {
			return "", fmt.Errorf("%w: clone: %w", ErrCheckout, err)
		}
		logger.Info("repository cloned", "dir", c.Dir)
	case err != nil:
		return "", fmt.Errorf("%w: open %s: %w", ErrCheckout, c.Dir, err)
	default:
		err = repo.FetchContext(ctx, &git.FetchOptions{
			Auth: auth,
			RefSpecs: []config.RefSpec{
				config.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", c.Branch, c.Branch)),
			},
			Force: true,
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("%w: fetch: %w", ErrCheckout, err)
		}
	}

	target := plumbing.NewHash(want)
	if want == "" {
		ref, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", c.Branch), true)
		if err != nil {
			return "", fmt.Errorf("%w: resolve origin/%s: %w", ErrCheckout, c.Branch, err)
		}
		target = ref.Hash()
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCheckout, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: target, Force: true}); err != nil {
		return "", fmt.Errorf("%w: checkout %s: %w", ErrCheckout, target, err)
	}

	logger.Info("source updated", "revision", target.String())
	return target.String(), nil
}
