// Package engine wires the worktree, lock, session, agent and bridge
// components of one repository into a single object.
//
// An Engine owns exactly one event stream, one logger, one session registry
// and one bridge. Launch is the main entry point: it resolves a branch to a
// working directory, starts the agent there under a pseudo-terminal and keeps
// the session history up to date until the process exits.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/config"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/gateway"
	"github.com/Iron-Ham/branchyard/internal/lock"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/Iron-Ham/branchyard/internal/session"
	"github.com/Iron-Ham/branchyard/internal/worktree"
	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
)

// Options configures New.
type Options struct {
	// Dir is any directory inside the repository. Defaults to the working
	// directory.
	Dir string
	// Config defaults to config.Default().
	Config *config.Config
	// Logger defaults to a logger built from Config.Logging, which the engine
	// then closes on Close.
	Logger *logging.Logger
	// ToolsDir holds the global tool definition file. Defaults to
	// config.ConfigDir().
	ToolsDir string
	// HomeDir is where agent tools keep their conversation files. Defaults
	// to the user's home directory.
	HomeDir string

	Fs       afero.Fs
	Executor worktree.CommandExecutor
	// Launcher replaces the default agent launcher, mainly for tests.
	Launcher *agent.Launcher
}

// Engine orchestrates worktrees and agent sessions for one repository.
type Engine struct {
	cfg        *config.Config
	repo       *worktree.Repo
	logger     *logging.Logger
	base       *logging.Logger
	ownsLogger bool

	events    *event.Stream
	locks     *lock.Manager
	worktrees *worktree.Manager
	registry  *session.Registry
	agents    *agent.Set
	launcher  *agent.Launcher
	resumeIDs *agent.SessionIDFinder
	bridge    *bridge.Bridge

	// launchMu makes the live-session check and the spawn one step.
	launchMu sync.Mutex
	watchers conc.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New opens the repository containing opts.Dir, recovers orphaned sessions
// and prunes expired history.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	dir := opts.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "get working directory")
		}
		dir = wd
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	logger := opts.Logger
	ownsLogger := false
	if logger == nil {
		l, err := logging.NewRotatingLogger(cfg.Logging.Dir, cfg.Logging.Level, logging.Rotation{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, err
		}
		logger = l
		ownsLogger = true
	}
	fail := func(err error) (*Engine, error) {
		if ownsLogger {
			_ = logger.Close()
		}
		return nil, err
	}

	repo, err := worktree.OpenRepo(ctx, dir, opts.Executor)
	if err != nil {
		return fail(err)
	}
	logger = logger.With("repo", repo.Root())

	store, err := session.OpenStore(ctx, cfg.Session.Store, repo.CommonDir())
	if err != nil {
		return fail(err)
	}

	events := event.NewStream(cfg.Events.Buffer)
	e := &Engine{
		cfg:        cfg,
		repo:       repo,
		logger:     logger.WithComponent("engine"),
		base:       logger,
		ownsLogger: ownsLogger,
		events:     events,
	}

	e.locks = lock.NewManager(lock.Options{
		StaleAfter:     cfg.Lock.StaleAfter,
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		RetryInterval:  cfg.Lock.RetryInterval,
		Fs:             fs,
		Events:         events,
		Logger:         logger,
	})
	e.worktrees = worktree.NewManager(repo, worktree.Options{
		Dir:               cfg.Worktree.ResolveDir(repo.Root()),
		ProtectedBranches: cfg.Worktree.ProtectedBranches,
		Locks:             e.locks,
		Fs:                fs,
		Events:            events,
		Logger:            logger,
	})
	e.registry = session.NewRegistry(session.Options{
		Store:  store,
		Events: events,
		Logger: logger,
	})

	toolsDir := opts.ToolsDir
	if toolsDir == "" {
		toolsDir = config.ConfigDir()
	}
	e.agents, err = config.LoadAgents(config.AgentSources{
		Fs:        fs,
		ConfigDir: toolsDir,
		RepoRoot:  repo.Root(),
		Logger:    logger,
	})
	if err != nil {
		_ = e.registry.Close()
		events.Close()
		return fail(err)
	}
	e.launcher = opts.Launcher
	if e.launcher == nil {
		e.launcher = agent.NewLauncher(agent.WithFs(fs), agent.WithLogger(logger.WithComponent("agent")))
	}

	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	e.resumeIDs = agent.NewSessionIDFinder(fs, home)

	e.bridge = bridge.New(
		bridge.WithTerminateGrace(cfg.Bridge.TerminateGrace),
		bridge.WithShutdownGrace(cfg.Bridge.ShutdownGrace),
		bridge.WithScrollback(cfg.Bridge.ScrollbackBytes),
		bridge.WithExitLinger(cfg.Bridge.ExitLinger),
		bridge.WithDefaultSize(bridge.Size{Rows: uint16(cfg.Bridge.Rows), Cols: uint16(cfg.Bridge.Cols)}),
		bridge.WithEvents(events),
		bridge.WithLogger(logger),
	)

	orphaned, err := e.registry.Recover(ctx)
	if err != nil {
		_ = e.registry.Close()
		events.Close()
		return fail(err)
	}
	if len(orphaned) > 0 {
		e.logger.Warn("recovered orphaned sessions", "count", len(orphaned))
	}
	if retention := cfg.Session.Retention(); retention > 0 {
		pruned, err := e.registry.Prune(ctx, retention)
		if err != nil {
			e.logger.Warn("failed to prune session history", "error", err)
		} else if pruned > 0 {
			e.logger.Info("pruned session history", "count", pruned)
		}
	}

	e.logger.Info("engine ready",
		"store", cfg.Session.Store,
		"agents", e.agents.Len(),
		"worktree_dir", e.worktrees.Dir(),
	)
	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.Config { return e.cfg }

// Logger returns the logger shared by the engine's components.
func (e *Engine) Logger() *logging.Logger { return e.base }

// Root returns the main worktree directory.
func (e *Engine) Root() string { return e.repo.Root() }

// Events returns the engine's event stream. Events published while nobody
// reads are dropped once the buffer is full.
func (e *Engine) Events() <-chan event.Event { return e.events.Events() }

// DroppedEvents returns how many events were dropped.
func (e *Engine) DroppedEvents() uint64 { return e.events.Dropped() }

// Bridge returns the engine's live sessions.
func (e *Engine) Bridge() *bridge.Bridge { return e.bridge }

// Registry returns the session history.
func (e *Engine) Registry() *session.Registry { return e.registry }

// Worktrees returns the worktree manager.
func (e *Engine) Worktrees() *worktree.Manager { return e.worktrees }

// Locks returns the worktree lock manager.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// Agents returns every known agent definition.
func (e *Engine) Agents() []agent.Definition { return e.agents.All() }

// Agent returns the definition with id.
func (e *Engine) Agent(id string) (agent.Definition, error) { return e.agents.Get(id) }

// Gateway returns a remote stream gateway over the engine's live sessions.
func (e *Engine) Gateway() *gateway.Gateway {
	return gateway.New(gateway.FromBridge(e.bridge),
		gateway.WithSendQueue(e.cfg.Gateway.SendQueue),
		gateway.WithLogger(e.base),
	)
}

// Resolve returns the working directory for branch, creating or repairing
// its worktree when needed.
func (e *Engine) Resolve(ctx context.Context, branch string) (worktree.Resolved, error) {
	return e.worktrees.Resolve(ctx, branch)
}

// Create makes a worktree.
func (e *Engine) Create(ctx context.Context, opts worktree.CreateOptions) (string, error) {
	return e.worktrees.Create(ctx, opts)
}

// Repair re-validates the worktree at path.
func (e *Engine) Repair(ctx context.Context, path string) (worktree.RepairResult, error) {
	return e.worktrees.Repair(ctx, path)
}

// List returns every worktree of the repository.
func (e *Engine) List(ctx context.Context) ([]worktree.Worktree, error) {
	return e.worktrees.List(ctx)
}

// Remove deletes the worktree at path. A worktree with a live session is
// refused unless opts.Force is set, in which case its sessions are
// terminated first.
func (e *Engine) Remove(ctx context.Context, path string, opts worktree.RemoveOptions) error {
	path = canonical(path)
	if live := e.bridge.ForWorktree(path); len(live) > 0 {
		if !opts.Force {
			return errors.NewSessionError("remove worktree", errors.ErrSessionActive).
				WithSessionID(live[0].ID()).
				WithWorktree(path)
		}
		for _, s := range live {
			e.logger.Info("terminating session before removal", "session_id", s.ID(), "worktree", path)
			if err := s.Terminate(ctx); err != nil {
				return err
			}
		}
	}
	return e.worktrees.Remove(ctx, path, opts)
}

// CleanupCandidates returns merged worktrees that are safe to remove. A
// worktree with a live session is never a candidate.
func (e *Engine) CleanupCandidates(ctx context.Context) ([]worktree.CleanupCandidate, error) {
	all, err := e.worktrees.ListCleanupCandidates(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, c := range all {
		if len(e.bridge.ForWorktree(c.Path)) == 0 {
			out = append(out, c)
		}
	}
	return out, nil
}

// History returns session records matching q, newest first.
func (e *Engine) History(ctx context.Context, q session.Query) ([]session.Record, error) {
	return e.registry.History(ctx, q)
}

// Sessions describes the live sessions, oldest first.
func (e *Engine) Sessions() []bridge.Info {
	live := e.bridge.List()
	out := make([]bridge.Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	return out
}

// Session returns the session with id while it runs and for the exit
// linger period after.
func (e *Engine) Session(id string) (*bridge.Session, bool) { return e.bridge.Get(id) }

// Close terminates every live session within the shutdown grace period,
// waits for their records to be finalized and closes the store and the
// event stream. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		// A launch in progress finishes registering its watcher first.
		e.launchMu.Lock()
		e.closed.Store(true)
		e.launchMu.Unlock()

		var errs []error
		if err := e.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		e.watchers.Wait()
		if err := e.registry.Close(); err != nil {
			errs = append(errs, err)
		}
		e.events.Close()
		e.logger.Info("engine closed")
		if e.ownsLogger {
			_ = e.logger.Close()
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

// canonical makes path absolute and resolves symlinks the way git reports
// worktree paths.
func canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return filepath.Clean(path)
}
