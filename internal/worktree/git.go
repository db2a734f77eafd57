// Package worktree resolves branches to working directories and manages the
// git worktrees that back them.
//
// This file holds the repository accessor: a thin wrapper over the git
// command line that answers branch and worktree questions. Commands go
// through a CommandExecutor so tests can substitute canned output.
package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/branchyard/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
// This allows tests to mock git commands without executing them.
type CommandExecutor interface {
	// Run executes a command and returns combined output.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// RunQuiet executes a command and returns only the error.
	RunQuiet(ctx context.Context, dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	return e.command(ctx, dir, name, args...).CombinedOutput()
}

// RunQuiet executes a command and returns only the error.
func (e *CLICommandExecutor) RunQuiet(ctx context.Context, dir string, name string, args ...string) error {
	return e.command(ctx, dir, name, args...).Run()
}

func (e *CLICommandExecutor) command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Stable, English output for the parsers below; never prompt.
	cmd.Env = append(os.Environ(), "LC_ALL=C", "GIT_TERMINAL_PROMPT=0")
	return cmd
}

// exitCode extracts a process exit status from err, or -1.
func exitCode(err error) int {
	var ec interface{ ExitCode() int }
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return -1
}

// -----------------------------------------------------------------------------
// Repository discovery
// -----------------------------------------------------------------------------

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (either a directory or a file for worktrees).
// Returns an error if no git repository is found.
func FindGitRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", errors.NewGitError("resolve start directory", err).WithRepository(startDir)
	}
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			// .git can be a directory (normal repo) or a file (worktree)
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root without finding .git
			return "", errors.NewGitError("find repository root", errors.ErrNotGitRepository).
				WithRepository(startDir)
		}
		dir = parent
	}
}

// -----------------------------------------------------------------------------
// Repo
// -----------------------------------------------------------------------------

// Branch is a local or remote-tracking branch.
type Branch struct {
	Name      string // "feature/x" for local, "origin/feature/x" for remote
	Scope     Scope
	IsCurrent bool
	Upstream  string // short upstream name, local branches only
}

// Scope says which namespace a branch lives in.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeRemote Scope = "remote"
)

// Entry is one record of `git worktree list --porcelain`.
type Entry struct {
	Path     string
	Head     string
	Branch   string // short name; empty when detached or bare
	Detached bool
	Bare     bool
	Locked   bool
	Prunable bool
	Main     bool // the first entry is always the main worktree
}

// Repo runs git commands against one repository.
type Repo struct {
	root      string
	commonDir string
	executor  CommandExecutor
}

// NewRepo creates a Repo for a repository whose main worktree is root and
// whose shared git directory is commonDir.
func NewRepo(root, commonDir string, executor CommandExecutor) *Repo {
	if executor == nil {
		executor = NewCLICommandExecutor()
	}
	return &Repo{root: root, commonDir: commonDir, executor: executor}
}

// OpenRepo locates the repository containing dir. When dir is inside a
// linked worktree the returned Repo still points at the main worktree.
func OpenRepo(ctx context.Context, dir string, executor CommandExecutor) (*Repo, error) {
	if executor == nil {
		executor = NewCLICommandExecutor()
	}
	top, err := FindGitRoot(dir)
	if err != nil {
		return nil, err
	}
	out, err := executor.Run(ctx, top, "git", "rev-parse", "--git-common-dir")
	if err != nil {
		return nil, errors.NewGitError("locate git directory", errors.Join(errors.ErrNotGitRepository, err)).
			WithRepository(top).
			WithGitOutput(string(out))
	}
	common := strings.TrimSpace(string(out))
	if !filepath.IsAbs(common) {
		common = filepath.Join(top, common)
	}
	// git reports worktree paths with symlinks resolved.
	if resolved, err := filepath.EvalSymlinks(common); err == nil {
		common = resolved
	}
	common = filepath.Clean(common)
	if resolved, err := filepath.EvalSymlinks(top); err == nil {
		top = resolved
	}

	root := top
	if filepath.Base(common) == ".git" {
		root = filepath.Dir(common)
	}
	return NewRepo(root, common, executor), nil
}

// Root returns the main worktree directory.
func (r *Repo) Root() string { return r.root }

// CommonDir returns the git directory shared by all worktrees.
func (r *Repo) CommonDir() string { return r.commonDir }

func (r *Repo) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := r.executor.Run(ctx, dir, "git", args...)
	return string(out), err
}

// CurrentBranch returns the branch checked out in the main worktree, or ""
// when HEAD is detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, r.root, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		if exitCode(err) == 1 {
			return "", nil
		}
		return "", errors.NewGitError("read current branch", err).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return strings.TrimSpace(out), nil
}

// Branches lists local and remote-tracking branches. Symbolic remote HEADs
// are skipped.
func (r *Repo) Branches(ctx context.Context) ([]Branch, error) {
	out, err := r.git(ctx, r.root, "for-each-ref",
		"--format=%(refname)%09%(upstream:short)%09%(HEAD)",
		"refs/heads", "refs/remotes")
	if err != nil {
		return nil, errors.NewGitError("list branches", err).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return parseBranches(out), nil
}

func parseBranches(out string) []Branch {
	var branches []Branch
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		ref := fields[0]
		var upstream, head string
		if len(fields) > 1 {
			upstream = fields[1]
		}
		if len(fields) > 2 {
			head = fields[2]
		}
		switch {
		case strings.HasPrefix(ref, "refs/heads/"):
			branches = append(branches, Branch{
				Name:      strings.TrimPrefix(ref, "refs/heads/"),
				Scope:     ScopeLocal,
				IsCurrent: head == "*",
				Upstream:  upstream,
			})
		case strings.HasPrefix(ref, "refs/remotes/"):
			name := strings.TrimPrefix(ref, "refs/remotes/")
			if strings.HasSuffix(name, "/HEAD") {
				continue
			}
			branches = append(branches, Branch{Name: name, Scope: ScopeRemote})
		}
	}
	return branches
}

// LocalBranchExists reports whether refs/heads/<branch> exists.
func (r *Repo) LocalBranchExists(ctx context.Context, branch string) bool {
	return r.executor.RunQuiet(ctx, r.root, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch) == nil
}

// RemoteBranch returns the remote-tracking ref ("origin/<branch>") for a
// branch that exists on a remote. origin wins when several remotes have it.
func (r *Repo) RemoteBranch(ctx context.Context, branch string) (string, bool, error) {
	branches, err := r.Branches(ctx)
	if err != nil {
		return "", false, err
	}
	var found string
	for _, b := range branches {
		if b.Scope != ScopeRemote {
			continue
		}
		remote, name, ok := strings.Cut(b.Name, "/")
		if !ok || name != branch {
			continue
		}
		if remote == "origin" {
			return b.Name, true, nil
		}
		if found == "" {
			found = b.Name
		}
	}
	return found, found != "", nil
}

// DefaultBranch returns the branch cleanup candidates are measured against:
// origin's HEAD when known, otherwise main or master.
func (r *Repo) DefaultBranch(ctx context.Context) string {
	if out, err := r.git(ctx, r.root, "symbolic-ref", "--quiet", "--short", "refs/remotes/origin/HEAD"); err == nil {
		if name := strings.TrimPrefix(strings.TrimSpace(out), "origin/"); name != "" {
			return name
		}
	}
	for _, name := range []string{"main", "master"} {
		if r.LocalBranchExists(ctx, name) {
			return name
		}
	}
	return "main"
}

// IsAncestor reports whether commit ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	out, err := r.git(ctx, r.root, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, errors.NewGitError("check ancestry", err).
		WithBranch(ancestor).
		WithRepository(r.root).
		WithGitOutput(out)
}

// AheadOfUpstream counts commits in the worktree at path that its upstream
// does not have. A branch without an upstream is never ahead.
func (r *Repo) AheadOfUpstream(ctx context.Context, path string) (int, error) {
	if err := r.executor.RunQuiet(ctx, path, "git", "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}"); err != nil {
		return 0, nil
	}
	out, err := r.git(ctx, path, "rev-list", "--count", "@{upstream}..HEAD")
	if err != nil {
		return 0, errors.NewGitError("count unpushed commits", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, errors.NewGitError("parse unpushed commit count", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return n, nil
}

// HasUncommittedChanges returns true if the worktree at path has staged,
// unstaged or untracked changes.
func (r *Repo) HasUncommittedChanges(ctx context.Context, path string) (bool, error) {
	out, err := r.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithRepository(path).
			WithGitOutput(out)
	}
	return len(strings.TrimSpace(out)) > 0, nil
}

// AddWorktree checks out an existing local branch at path.
func (r *Repo) AddWorktree(ctx context.Context, path, branch string) error {
	return r.addWorktree(ctx, branch, "worktree", "add", path, branch)
}

// AddWorktreeNewBranch creates branch from base (HEAD when empty) and checks
// it out at path.
func (r *Repo) AddWorktreeNewBranch(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	return r.addWorktree(ctx, branch, args...)
}

// AddWorktreeTracking creates a local branch tracking remoteRef and checks
// it out at path.
func (r *Repo) AddWorktreeTracking(ctx context.Context, path, branch, remoteRef string) error {
	return r.addWorktree(ctx, branch, "worktree", "add", "--track", "-b", branch, path, remoteRef)
}

func (r *Repo) addWorktree(ctx context.Context, branch string, args ...string) error {
	out, err := r.git(ctx, r.root, args...)
	if err != nil {
		return errors.NewGitError("failed to add worktree", err).
			WithBranch(branch).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return nil
}

// RemoveWorktree runs `git worktree remove`.
func (r *Repo) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	out, err := r.git(ctx, r.root, args...)
	if err != nil {
		return errors.NewGitError("failed to remove worktree", err).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return nil
}

// Prune drops bookkeeping for worktrees whose directories are gone.
func (r *Repo) Prune(ctx context.Context) error {
	out, err := r.git(ctx, r.root, "worktree", "prune")
	if err != nil {
		return errors.NewGitError("failed to prune worktrees", err).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return nil
}

// DeleteBranch deletes a local branch. Without force git refuses unmerged
// branches.
func (r *Repo) DeleteBranch(ctx context.Context, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	out, err := r.git(ctx, r.root, "branch", flag, branch)
	if err != nil {
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(branch).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return nil
}

// ListWorktrees parses `git worktree list --porcelain`.
func (r *Repo) ListWorktrees(ctx context.Context) ([]Entry, error) {
	out, err := r.git(ctx, r.root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).
			WithRepository(r.root).
			WithGitOutput(out)
	}
	return parsePorcelain(out), nil
}

func parsePorcelain(out string) []Entry {
	var entries []Entry
	var cur *Entry
	flush := func() {
		if cur != nil {
			cur.Main = len(entries) == 0
			entries = append(entries, *cur)
			cur = nil
		}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		key, value, _ := strings.Cut(line, " ")
		switch key {
		case "worktree":
			flush()
			cur = &Entry{Path: filepath.Clean(value)}
		case "HEAD":
			if cur != nil {
				cur.Head = value
			}
		case "branch":
			if cur != nil {
				cur.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "detached":
			if cur != nil {
				cur.Detached = true
			}
		case "bare":
			if cur != nil {
				cur.Bare = true
			}
		case "locked":
			if cur != nil {
				cur.Locked = true
			}
		case "prunable":
			if cur != nil {
				cur.Prunable = true
			}
		}
	}
	flush()
	return entries
}
