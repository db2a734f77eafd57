package worktree

import "context"

// BranchReader answers read-only questions about branches.
type BranchReader interface {
	CurrentBranch(ctx context.Context) (string, error)
	Branches(ctx context.Context) ([]Branch, error)
	LocalBranchExists(ctx context.Context, branch string) bool
	RemoteBranch(ctx context.Context, branch string) (string, bool, error)
	DefaultBranch(ctx context.Context) string
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// StatusReader reports the state of a single worktree checkout.
type StatusReader interface {
	HasUncommittedChanges(ctx context.Context, path string) (bool, error)
	AheadOfUpstream(ctx context.Context, path string) (int, error)
}

// WorktreeWriter mutates git's worktree bookkeeping.
type WorktreeWriter interface {
	ListWorktrees(ctx context.Context) ([]Entry, error)
	AddWorktree(ctx context.Context, path, branch string) error
	AddWorktreeNewBranch(ctx context.Context, path, branch, base string) error
	AddWorktreeTracking(ctx context.Context, path, branch, remoteRef string) error
	RemoveWorktree(ctx context.Context, path string, force bool) error
	Prune(ctx context.Context) error
	DeleteBranch(ctx context.Context, branch string, force bool) error
}

// Accessor is everything the Manager needs from a repository.
type Accessor interface {
	BranchReader
	StatusReader
	WorktreeWriter

	// Root returns the main worktree directory.
	Root() string
	// CommonDir returns the git directory shared by all worktrees.
	CommonDir() string
}

// Ensure Repo implements all interfaces at compile time.
var (
	_ BranchReader   = (*Repo)(nil)
	_ StatusReader   = (*Repo)(nil)
	_ WorktreeWriter = (*Repo)(nil)
	_ Accessor       = (*Repo)(nil)
)
