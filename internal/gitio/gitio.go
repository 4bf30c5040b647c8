// Package gitio reads the bits of Git state the planner cares about.
package gitio

import (
	"fmt"

	"github.com/go-git/go-git/v5"
)

// HeadCommit returns the HEAD commit SHA of the repository containing root.
// Returns "" without error when root is not inside a Git repository; test
// selection works the same either way, the SHA only feeds staleness
// warnings.
func HeadCommit(root string) (string, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if err == git.ErrRepositoryNotExists {
			return "", nil
		}
		return "", fmt.Errorf("opening repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		// Unborn branch or detached oddities: treat as no commit.
		return "", nil
	}
	return head.Hash().String(), nil
}

// StalenessWarning compares the commit a baseline was built from with the
// current HEAD and returns a human-readable warning, or "" when they match
// (or when either side is unknown).
func StalenessWarning(baselineCommit, headCommit string) string {
	if baselineCommit == "" || headCommit == "" || baselineCommit == headCommit {
		return ""
	}
	return fmt.Sprintf(
		"baseline was built from commit %.10s, current HEAD is %.10s; selection may be stale, consider rebuilding the baseline",
		baselineCommit, headCommit,
	)
}
