package gitref

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/melih/inga-supervisor/internal/core/domain"
)

// Resolver looks branches up in a local repository without shelling out to git.
type Resolver struct {
	// Remote is consulted when no local branch matches. Defaults to origin.
	Remote string
}

func NewResolver() *Resolver {
	return &Resolver{Remote: git.DefaultRemoteName}
}

// ResolveBranch returns the commit hash the branch points at. dir may be any
// directory inside the work tree.
func (r *Resolver) ResolveBranch(dir, branch string) (string, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repo at %s: %w", dir, err)
	}

	names := []plumbing.ReferenceName{plumbing.NewBranchReferenceName(branch)}
	if r.Remote != "" {
		names = append(names, plumbing.NewRemoteReferenceName(r.Remote, branch))
	}
	for _, name := range names {
		ref, err := repo.Reference(name, true)
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", name, err)
		}
		return ref.Hash().String(), nil
	}

	// tags and raw revisions
	hash, err := repo.ResolveRevision(plumbing.Revision(branch))
	if err != nil {
		return "", fmt.Errorf("branch %q: %w", branch, domain.ErrNotFound)
	}
	return hash.String(), nil
}
