package worktree

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/lock"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/spf13/afero"
)

// DefaultDir is the worktree directory relative to the repository root.
const DefaultDir = ".worktrees"

// maxCandidates bounds how often Create re-picks a path that another
// instance claimed for a different branch while we waited for its lock.
const maxCandidates = 5

// LockState says whether a worktree's advisory lock is currently held.
type LockState string

const (
	LockUnlocked LockState = "unlocked"
	LockHeld     LockState = "held"
)

// Worktree describes a checkout registered with git.
type Worktree struct {
	Path       string
	Branch     string
	Head       string
	CreatedAt  time.Time // creation time when known, else the directory mtime
	LockState  LockState
	Accessible bool
	State      State
	Prunable   bool
	Main       bool
}

// ResolvedKind says how Resolve produced its path.
type ResolvedKind int

const (
	// ResolvedRoot means the branch is checked out in the repository root.
	ResolvedRoot ResolvedKind = iota
	ResolvedExisting
	ResolvedRepaired
	ResolvedCreated
)

func (k ResolvedKind) String() string {
	switch k {
	case ResolvedRoot:
		return "root"
	case ResolvedExisting:
		return "existing"
	case ResolvedRepaired:
		return "repaired"
	case ResolvedCreated:
		return "created"
	}
	return "unknown"
}

// Resolved is the working directory for a branch.
type Resolved struct {
	Path   string
	Branch string
	Kind   ResolvedKind
}

// RepairResult is the outcome of Repair.
type RepairResult int

const (
	RepairAccessible RepairResult = iota
	RepairRemoved
	RepairUnrecoverable
)

func (r RepairResult) String() string {
	switch r {
	case RepairAccessible:
		return "accessible"
	case RepairRemoved:
		return "removed"
	case RepairUnrecoverable:
		return "unrecoverable"
	}
	return "unknown"
}

// CreateOptions configures Create.
type CreateOptions struct {
	Branch string
	// Base is the start point for a new branch; HEAD when empty.
	Base string
	// NewBranch creates Branch instead of checking out an existing one.
	NewBranch bool
}

// RemoveOptions configures Remove.
type RemoveOptions struct {
	// Force removes dirty worktrees and worktrees of protected branches.
	Force bool
	// DeleteBranch deletes the local branch after removal. Protected branches
	// are never deleted.
	DeleteBranch bool
}

// Options configures a Manager.
type Options struct {
	// Dir holds the worktrees; relative paths are resolved against the
	// repository root. Defaults to DefaultDir.
	Dir               string
	ProtectedBranches []string

	Locks  *lock.Manager
	Fs     afero.Fs
	Events event.Publisher
	Logger *logging.Logger
}

// Manager resolves branches to directories and creates, repairs and removes
// the worktrees behind them. Every mutation runs under the worktree's lock.
type Manager struct {
	repo      Accessor
	dir       string
	protected map[string]bool
	locks     *lock.Manager
	fs        afero.Fs
	events    event.Publisher
	logger    *logging.Logger
	index     *index
	now       func() time.Time
}

// NewManager creates a Manager for repo.
func NewManager(repo Accessor, opts Options) *Manager {
	m := &Manager{
		repo:      repo,
		protected: make(map[string]bool, len(opts.ProtectedBranches)),
		locks:     opts.Locks,
		fs:        opts.Fs,
		events:    opts.Events,
		logger:    opts.Logger,
		index:     newIndex(),
		now:       time.Now,
	}
	if m.fs == nil {
		m.fs = afero.NewOsFs()
	}
	if m.events == nil {
		m.events = event.Discard
	}
	if m.logger == nil {
		m.logger = logging.NopLogger()
	}
	m.logger = m.logger.WithComponent("worktree")
	if m.locks == nil {
		m.locks = lock.NewManager(lock.Options{Fs: m.fs, Events: m.events, Logger: opts.Logger})
	}

	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repo.Root(), dir)
	}
	m.dir = filepath.Clean(dir)

	for _, b := range opts.ProtectedBranches {
		m.protected[b] = true
	}
	return m
}

// Dir returns the directory new worktrees are created in.
func (m *Manager) Dir() string { return m.dir }

// Root returns the repository root.
func (m *Manager) Root() string { return m.repo.Root() }

// IsProtected reports whether branch may only be removed with force.
func (m *Manager) IsProtected(branch string) bool { return m.protected[branch] }

// Resolve returns the working directory for branch. The branch currently
// checked out in the repository root resolves to the root itself without
// any worktree bookkeeping. Otherwise an accessible worktree is reused, an
// inaccessible one is repaired, and a missing one is created.
func (m *Manager) Resolve(ctx context.Context, branch string) (Resolved, error) {
	if err := validateBranch(branch); err != nil {
		return Resolved{}, err
	}

	current, err := m.repo.CurrentBranch(ctx)
	if err != nil {
		return Resolved{}, err
	}
	if current != "" && current == branch {
		return Resolved{Path: m.repo.Root(), Branch: branch, Kind: ResolvedRoot}, nil
	}

	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return Resolved{}, err
	}
	if e, ok := findBranch(entries, branch); ok {
		if e.Main {
			return Resolved{Path: e.Path, Branch: branch, Kind: ResolvedRoot}, nil
		}
		if m.settled(e.Path) {
			return Resolved{Path: e.Path, Branch: branch, Kind: ResolvedExisting}, nil
		}
		if _, held := m.locks.Inspect(e.Path); !held {
			result, err := m.Repair(ctx, e.Path)
			if err != nil {
				return Resolved{}, err
			}
			if result == RepairAccessible {
				return Resolved{Path: e.Path, Branch: branch, Kind: ResolvedRepaired}, nil
			}
		}
	}

	path, err := m.Create(ctx, CreateOptions{Branch: branch})
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Path: path, Branch: branch, Kind: ResolvedCreated}, nil
}

// Create makes a worktree for opts.Branch and returns its path. If another
// caller created one for the same branch meanwhile, that path is returned.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (string, error) {
	if err := validateBranch(opts.Branch); err != nil {
		return "", err
	}

	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return "", err
	}
	if e, ok := findBranch(entries, opts.Branch); ok {
		if e.Main {
			return "", errors.NewWorktreeError("branch is checked out in the repository root", errors.ErrCreateFailed).
				WithPath(e.Path).
				WithBranch(opts.Branch)
		}
		if m.settled(e.Path) {
			return e.Path, nil
		}
	}
	if opts.NewBranch && m.repo.LocalBranchExists(ctx, opts.Branch) {
		return "", errors.NewWorktreeError("branch already exists", errors.ErrCreateFailed).
			WithBranch(opts.Branch)
	}

	for range maxCandidates {
		path := candidatePath(m.dir, opts.Branch, entries)
		created, retry, err := m.createAt(ctx, path, opts)
		if !retry {
			return created, err
		}
		if entries, err = m.repo.ListWorktrees(ctx); err != nil {
			return "", err
		}
	}
	return "", errors.NewWorktreeError("no free worktree path", errors.ErrCreateFailed).
		WithBranch(opts.Branch)
}

// createAt creates the worktree at path under its lock. retry is true when
// path was claimed by another branch before the lock was obtained.
func (m *Manager) createAt(ctx context.Context, path string, opts CreateOptions) (created string, retry bool, err error) {
	log := m.logger.WithBranch(opts.Branch).WithWorktree(path)

	// Excluded before the lock so the marker never shows as untracked.
	if _, err := m.ensureExcluded(); err != nil {
		log.Warn("could not update info/exclude", "error", err)
	}

	handle, result, err := m.locks.Acquire(ctx, path)
	if err != nil {
		return "", false, err
	}
	defer m.release(handle, log)
	if result == lock.StaleReclaimed {
		log.Warn("reclaimed stale worktree lock before create")
	}

	// Another instance may have finished while we waited for the lock.
	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return "", false, err
	}
	var registered bool
	for _, e := range entries {
		if e.Branch == opts.Branch && !e.Main && m.inspectDir(e.Path) == dirCheckout {
			log.Debug("worktree created concurrently", "existing", e.Path)
			return e.Path, false, nil
		}
		if e.Path == path {
			if e.Branch != opts.Branch {
				return "", true, nil
			}
			registered = true
		}
	}

	m.index.settle(path, opts.Branch, StateAbsent)
	if err := m.transition(path, opts.Branch, StateCreating); err != nil {
		return "", false, err
	}
	fail := func(cause error) (string, bool, error) {
		_ = m.transition(path, opts.Branch, StateAbsent)
		return "", false, cause
	}

	switch kind := m.inspectDir(path); kind {
	case dirMissing:
	case dirStaleArtifact:
		log.Warn("removing stale worktree directory")
		if err := m.fs.RemoveAll(path); err != nil {
			return fail(errors.NewWorktreeError("remove stale directory", errors.Join(errors.ErrCreateFailed, err)).
				WithPath(path).
				WithBranch(opts.Branch))
		}
		registered = true
	default:
		return fail(errors.NewWorktreeError("directory exists and is not a stale worktree: "+kind.String(), errors.ErrCreateFailed).
			WithPath(path).
			WithBranch(opts.Branch))
	}
	if registered {
		if err := m.repo.Prune(ctx); err != nil {
			log.Warn("prune before create failed", "error", err)
		}
	}

	if err := m.add(ctx, path, opts); err != nil {
		wtErr := errors.NewWorktreeError("create worktree", errors.Join(errors.ErrCreateFailed, err)).
			WithPath(path).
			WithBranch(opts.Branch)
		var gitErr *errors.GitError
		if errors.As(err, &gitErr) {
			wtErr = wtErr.WithGitOutput(gitErr.GitOutput)
		}
		log.Error("worktree create failed", "error", err)
		return fail(wtErr)
	}

	if err := m.transition(path, opts.Branch, StateReady); err != nil {
		return "", false, err
	}
	log.Info("worktree created", "new_branch", opts.NewBranch, "base", opts.Base)
	return path, false, nil
}

func (m *Manager) add(ctx context.Context, path string, opts CreateOptions) error {
	if opts.NewBranch {
		return m.repo.AddWorktreeNewBranch(ctx, path, opts.Branch, opts.Base)
	}
	if m.repo.LocalBranchExists(ctx, opts.Branch) {
		return m.repo.AddWorktree(ctx, path, opts.Branch)
	}
	ref, ok, err := m.repo.RemoteBranch(ctx, opts.Branch)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewGitError("branch exists neither locally nor on a remote", errors.ErrBranchNotFound).
			WithBranch(opts.Branch).
			WithRepository(m.repo.Root())
	}
	return m.repo.AddWorktreeTracking(ctx, path, opts.Branch, ref)
}

// Repair examines a registered worktree that is missing or disconnected.
// A missing directory or a recognized stale artifact has its bookkeeping
// removed; a healthy checkout is left alone. Anything else is reported as
// unrecoverable and never deleted.
func (m *Manager) Repair(ctx context.Context, path string) (RepairResult, error) {
	path = normalizePath(path)
	branch := m.branchAt(ctx, path)
	log := m.logger.WithWorktree(path).WithBranch(branch)

	handle, result, err := m.locks.Acquire(ctx, path)
	if err != nil {
		return RepairUnrecoverable, err
	}
	defer m.release(handle, log)
	if result == lock.StaleReclaimed {
		log.Warn("reclaimed stale worktree lock before repair")
	}

	m.index.settle(path, branch, StateReady)
	if err := m.transition(path, branch, StateRepairing); err != nil {
		return RepairUnrecoverable, err
	}

	kind := m.inspectDir(path)
	switch kind {
	case dirCheckout:
		if err := m.transition(path, branch, StateReady); err != nil {
			return RepairUnrecoverable, err
		}
		return RepairAccessible, nil

	case dirMissing, dirStaleArtifact:
		if kind == dirStaleArtifact {
			if err := m.fs.RemoveAll(path); err != nil {
				_ = m.transitionAs("unrecoverable", path, branch, StateReady)
				return RepairUnrecoverable, errors.NewWorktreeError("remove stale directory", errors.Join(errors.ErrUnrecoverable, err)).
					WithPath(path).
					WithBranch(branch)
			}
		}
		if err := m.repo.Prune(ctx); err != nil {
			_ = m.transitionAs("unrecoverable", path, branch, StateReady)
			return RepairUnrecoverable, errors.NewWorktreeError("prune worktree bookkeeping", errors.Join(errors.ErrUnrecoverable, err)).
				WithPath(path).
				WithBranch(branch)
		}
		if err := m.transition(path, branch, StateRemoved); err != nil {
			return RepairUnrecoverable, err
		}
		log.Warn("removed orphaned worktree", "found", kind.String())
		return RepairRemoved, nil
	}

	_ = m.transitionAs("unrecoverable", path, branch, StateReady)
	log.Error("worktree is unrecoverable", "found", kind.String())
	return RepairUnrecoverable, errors.NewWorktreeError("directory holds unrecognized content: "+kind.String(), errors.ErrUnrecoverable).
		WithPath(path).
		WithBranch(branch)
}

// Remove deletes the worktree at path. Without force, dirty worktrees and
// worktrees of protected branches are refused.
func (m *Manager) Remove(ctx context.Context, path string, opts RemoveOptions) error {
	path = normalizePath(path)

	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return err
	}
	entry, ok := findPath(entries, path)
	if !ok {
		return errors.NewWorktreeError("remove worktree", errors.ErrWorktreeNotFound).WithPath(path)
	}
	if entry.Main {
		return errors.NewWorktreeError("refusing to remove the main worktree", errors.ErrRemoveFailed).
			WithPath(path).
			WithBranch(entry.Branch)
	}
	if m.IsProtected(entry.Branch) && !opts.Force {
		return errors.NewWorktreeError("remove worktree", errors.Join(errors.ErrRemoveFailed, errors.ErrProtectedBranch)).
			WithPath(path).
			WithBranch(entry.Branch)
	}

	log := m.logger.WithWorktree(path).WithBranch(entry.Branch)
	handle, result, err := m.locks.Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer m.release(handle, log)
	if result == lock.StaleReclaimed {
		log.Warn("reclaimed stale worktree lock before remove")
	}

	m.index.settle(path, entry.Branch, StateReady)
	if err := m.transition(path, entry.Branch, StateRemoving); err != nil {
		return err
	}
	fail := func(cause error) error {
		_ = m.transition(path, entry.Branch, StateReady)
		return cause
	}

	kind := m.inspectDir(path)
	switch kind {
	case dirCheckout:
		if !opts.Force {
			dirty, err := m.repo.HasUncommittedChanges(ctx, path)
			if err != nil {
				return fail(errors.NewWorktreeError("check worktree status", errors.Join(errors.ErrRemoveFailed, err)).
					WithPath(path).
					WithBranch(entry.Branch))
			}
			if dirty {
				return fail(errors.NewWorktreeError("remove worktree", errors.Join(errors.ErrRemoveFailed, errors.ErrDirtyWorktree)).
					WithPath(path).
					WithBranch(entry.Branch))
			}
		}
		if err := m.repo.RemoveWorktree(ctx, path, opts.Force); err != nil {
			wtErr := errors.NewWorktreeError("remove worktree", errors.Join(errors.ErrRemoveFailed, err)).
				WithPath(path).
				WithBranch(entry.Branch)
			var gitErr *errors.GitError
			if errors.As(err, &gitErr) {
				wtErr = wtErr.WithGitOutput(gitErr.GitOutput)
			}
			return fail(wtErr)
		}
	case dirMissing:
	case dirStaleArtifact:
		if err := m.fs.RemoveAll(path); err != nil {
			return fail(errors.NewWorktreeError("remove stale directory", errors.Join(errors.ErrRemoveFailed, err)).
				WithPath(path).
				WithBranch(entry.Branch))
		}
	default:
		return fail(errors.NewWorktreeError("directory holds unrecognized content: "+kind.String(),
			errors.Join(errors.ErrRemoveFailed, errors.ErrUnrecoverable)).
			WithPath(path).
			WithBranch(entry.Branch))
	}

	if err := m.repo.Prune(ctx); err != nil {
		log.Warn("prune after remove failed", "error", err)
	}
	if err := m.transition(path, entry.Branch, StateRemoved); err != nil {
		return err
	}
	log.Info("worktree removed", "force", opts.Force)

	if opts.DeleteBranch && entry.Branch != "" && !m.IsProtected(entry.Branch) {
		if err := m.repo.DeleteBranch(ctx, entry.Branch, opts.Force); err != nil {
			return errors.NewWorktreeError("delete branch", errors.Join(errors.ErrRemoveFailed, err)).
				WithPath(path).
				WithBranch(entry.Branch)
		}
		log.Info("branch deleted")
	}
	return nil
}

// List returns every registered worktree, the main one first.
func (m *Manager) List(ctx context.Context) ([]Worktree, error) {
	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	worktrees := make([]Worktree, 0, len(entries))
	for _, e := range entries {
		worktrees = append(worktrees, m.describe(e))
	}
	return worktrees, nil
}

func (m *Manager) describe(e Entry) Worktree {
	wt := Worktree{
		Path:      e.Path,
		Branch:    e.Branch,
		Head:      e.Head,
		LockState: LockUnlocked,
		State:     StateReady,
		Prunable:  e.Prunable,
		Main:      e.Main,
	}
	if e.Main {
		wt.Accessible, _ = afero.DirExists(m.fs, e.Path)
	} else {
		wt.Accessible = m.inspectDir(e.Path) == dirCheckout
		if _, held := m.locks.Inspect(e.Path); held {
			wt.LockState = LockHeld
		}
	}
	if ie, ok := m.index.get(e.Path); ok {
		wt.State = ie.state
		wt.CreatedAt = ie.createdAt
	}
	if wt.CreatedAt.IsZero() {
		if info, err := m.fs.Stat(e.Path); err == nil {
			wt.CreatedAt = info.ModTime()
		}
	}
	return wt
}

// settled reports whether path is a usable checkout that no one is
// currently creating, repairing or removing.
func (m *Manager) settled(path string) bool {
	if m.inspectDir(path) != dirCheckout {
		return false
	}
	_, held := m.locks.Inspect(path)
	return !held
}

func (m *Manager) branchAt(ctx context.Context, path string) string {
	if ie, ok := m.index.get(path); ok && ie.branch != "" {
		return ie.branch
	}
	entries, err := m.repo.ListWorktrees(ctx)
	if err != nil {
		return ""
	}
	if e, ok := findPath(entries, path); ok {
		return e.Branch
	}
	return ""
}

func (m *Manager) transition(path, branch string, next State) error {
	return m.transitionAs("", path, branch, next)
}

// transitionAs moves path to next and publishes a worktree event named
// action, or the default name for the transition when action is empty.
func (m *Manager) transitionAs(action, path, branch string, next State) error {
	from, err := m.index.transition(path, branch, next, m.now())
	if err != nil {
		return errors.NewWorktreeError("state transition", err).WithPath(path).WithBranch(branch)
	}
	if action == "" {
		action = eventAction(from, next)
	}
	m.events.Publish(event.NewWorktreeEvent(action, path, branch, from.String(), next.String()))
	return nil
}

func (m *Manager) release(h *lock.Handle, log *logging.Logger) {
	if err := h.Release(); err != nil {
		log.Warn("failed to release worktree lock", "error", err)
	}
}

func findBranch(entries []Entry, branch string) (Entry, bool) {
	for _, e := range entries {
		if e.Branch == branch {
			return e, true
		}
	}
	return Entry{}, false
}

func findPath(entries []Entry, path string) (Entry, bool) {
	for _, e := range entries {
		if e.Path == path {
			return e, true
		}
	}
	return Entry{}, false
}

// normalizePath makes path absolute and resolves symlinks the way git
// reports worktree paths. A missing leaf is resolved through its parent.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(parent, filepath.Base(abs))
	}
	return abs
}

func validateBranch(branch string) error {
	switch {
	case strings.TrimSpace(branch) == "":
		return errors.NewValidationError("branch name is required").WithField("branch")
	case strings.HasPrefix(branch, "-"):
		return errors.NewValidationError("branch name must not start with '-'").
			WithField("branch").
			WithValue(branch)
	case strings.ContainsAny(branch, " \t\n"):
		return errors.NewValidationError("branch name must not contain whitespace").
			WithField("branch").
			WithValue(branch)
	}
	return nil
}
