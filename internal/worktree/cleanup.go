package worktree

import (
	"context"
)

// CleanupCandidate is a worktree whose branch is fully merged.
type CleanupCandidate struct {
	Worktree
	// Base is the branch the worktree's branch is merged into.
	Base string
}

// ListCleanupCandidates returns worktrees whose branch is merged into the
// default branch, with no uncommitted changes and nothing unpushed. The
// current branch, protected branches and inaccessible worktrees are never
// candidates. Deciding what to remove is left to the caller.
func (m *Manager) ListCleanupCandidates(ctx context.Context) ([]CleanupCandidate, error) {
	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	current, err := m.repo.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	base := m.repo.DefaultBranch(ctx)

	var candidates []CleanupCandidate
	for _, e := range entries {
		if e.Main || e.Branch == "" || e.Branch == current || e.Branch == base || m.IsProtected(e.Branch) {
			continue
		}
		if m.inspectDir(e.Path) != dirCheckout {
			continue
		}
		log := m.logger.WithWorktree(e.Path).WithBranch(e.Branch)

		merged, err := m.repo.IsAncestor(ctx, e.Branch, base)
		if err != nil {
			log.Debug("skipping cleanup check", "error", err)
			continue
		}
		if !merged {
			continue
		}
		dirty, err := m.repo.HasUncommittedChanges(ctx, e.Path)
		if err != nil || dirty {
			continue
		}
		ahead, err := m.repo.AheadOfUpstream(ctx, e.Path)
		if err != nil || ahead > 0 {
			continue
		}
		candidates = append(candidates, CleanupCandidate{Worktree: m.describe(e), Base: base})
	}
	return candidates, nil
}
