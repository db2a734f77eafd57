package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/lock"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/google/uuid"
)

// StartRequest describes a session about to be launched.
type StartRequest struct {
	// ID is optional; a random id is generated when empty.
	ID              string
	ResumeID        string
	Branch          string
	WorktreePath    string
	AgentID         string
	Mode            agent.Mode
	SkipPermissions bool
	ToolVersion     string
}

// Options configures a Registry.
type Options struct {
	Store  Store
	Events event.Publisher
	Logger *logging.Logger
	// PID is recorded as the owner of new sessions. Defaults to os.Getpid().
	PID int
	// Alive reports whether an owner PID is still running. Defaults to
	// lock.ProcessAlive.
	Alive func(pid int) bool
	Now   func() time.Time
}

// Registry records session lifecycles in a Store. All writes go through one
// mutex, so a Start and a Finish of the same id are never reordered.
type Registry struct {
	mu        sync.Mutex
	store     Store
	events    event.Publisher
	logger    *logging.Logger
	pid       int
	alive     func(int) bool
	now       func() time.Time
	recovered bool
}

// NewRegistry creates a Registry over opts.Store.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		store:  opts.Store,
		events: opts.Events,
		logger: opts.Logger,
		pid:    opts.PID,
		alive:  opts.Alive,
		now:    opts.Now,
	}
	if r.events == nil {
		r.events = event.Discard
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	r.logger = r.logger.WithComponent("session")
	if r.pid == 0 {
		r.pid = os.Getpid()
	}
	if r.alive == nil {
		r.alive = lock.ProcessAlive
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Close closes the underlying store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Close()
}

// Recover finalizes records left running by a process that is gone. A
// record owned by this process's PID is also orphaned: nothing in this
// process started it, since recovery runs before the first Start. Records
// owned by another live process are left alone.
func (r *Registry) Recover(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recoverLocked(ctx)
}

func (r *Registry) recoverLocked(ctx context.Context) ([]Record, error) {
	running, err := r.store.Query(ctx, Query{RunningOnly: true})
	if err != nil {
		return nil, errors.NewSessionError("recover sessions", err)
	}

	var orphaned []Record
	for _, rec := range running {
		if rec.OwnerPID > 0 && rec.OwnerPID != r.pid && r.alive(rec.OwnerPID) {
			continue
		}
		status := Orphaned()
		ended := r.now()
		ok, err := r.store.Finalize(ctx, rec.ID, ended, status)
		if err != nil {
			return orphaned, errors.NewSessionError("recover sessions", err).WithSessionID(rec.ID)
		}
		if !ok {
			continue
		}
		rec.EndedAt = &ended
		rec.Exit = &status
		orphaned = append(orphaned, rec)

		r.logger.WithSession(rec.ID).WithBranch(rec.Branch).Warn("finalized orphaned session",
			"agent", rec.AgentID,
			"owner_pid", rec.OwnerPID,
			"started_at", rec.StartedAt,
		)
		r.events.Publish(event.NewSessionFinishedEvent(rec.ID, string(status.Kind), nil, ""))
	}
	r.recovered = true
	return orphaned, nil
}

// Start records a new running session. The first Start runs Recover.
func (r *Registry) Start(ctx context.Context, req StartRequest) (Record, error) {
	if err := validateStart(req); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recovered {
		if _, err := r.recoverLocked(ctx); err != nil {
			return Record{}, err
		}
	}

	rec := Record{
		ID:              req.ID,
		ResumeID:        req.ResumeID,
		Branch:          req.Branch,
		WorktreePath:    req.WorktreePath,
		AgentID:         req.AgentID,
		Mode:            req.Mode,
		SkipPermissions: req.SkipPermissions,
		ToolVersion:     req.ToolVersion,
		OwnerPID:        r.pid,
		StartedAt:       r.now(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Mode == "" {
		rec.Mode = agent.ModeNormal
	}

	if err := r.store.Insert(ctx, rec); err != nil {
		return Record{}, errors.NewSessionError("start session", err).
			WithSessionID(rec.ID).
			WithWorktree(rec.WorktreePath)
	}

	r.logger.WithSession(rec.ID).WithBranch(rec.Branch).Info("session started",
		"agent", rec.AgentID,
		"mode", string(rec.Mode),
		"worktree", rec.WorktreePath,
	)
	r.events.Publish(event.NewSessionStartedEvent(rec.ID, rec.AgentID, rec.Branch, rec.WorktreePath))
	return rec, nil
}

// Finish finalizes a session. Finishing an already finished session is a
// no-op that returns the stored record unchanged.
func (r *Registry) Finish(ctx context.Context, id string, status ExitStatus) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if !rec.Running() {
		return rec, nil
	}

	ended := r.now()
	ok, err := r.store.Finalize(ctx, id, ended, status)
	if err != nil {
		return Record{}, errors.NewSessionError("finish session", err).WithSessionID(id)
	}
	if !ok {
		// Finalized by another process between Get and Finalize.
		return r.store.Get(ctx, id)
	}
	rec.EndedAt = &ended
	rec.Exit = &status

	r.logger.WithSession(id).Info("session finished",
		"exit", status.String(),
		"duration", rec.Duration(ended).String(),
	)
	r.events.Publish(event.NewSessionFinishedEvent(id, string(status.Kind), status.Code, status.Signal))
	return rec, nil
}

// Get returns one record.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	return r.store.Get(ctx, id)
}

// HistoryFor returns the records of a (branch, worktree, agent) key, newest
// first. An empty agentID matches every agent.
func (r *Registry) HistoryFor(ctx context.Context, branch, worktreePath, agentID string) ([]Record, error) {
	return r.store.Query(ctx, Query{Branch: branch, WorktreePath: worktreePath, AgentID: agentID})
}

// History returns records matching q, newest first.
func (r *Registry) History(ctx context.Context, q Query) ([]Record, error) {
	return r.store.Query(ctx, q)
}

// Running returns every unfinished record.
func (r *Registry) Running(ctx context.Context) ([]Record, error) {
	return r.store.Query(ctx, Query{RunningOnly: true})
}

// LastResumable returns the newest record of the key that carries a resume
// id, or nil when there is none.
func (r *Registry) LastResumable(ctx context.Context, branch, worktreePath, agentID string) (*Record, error) {
	records, err := r.HistoryFor(ctx, branch, worktreePath, agentID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ResumeID != "" {
			return &rec, nil
		}
	}
	return nil, nil
}

// SetResumeID records the tool's resume id. Only running sessions accept it.
func (r *Registry) SetResumeID(ctx context.Context, id, resumeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.store.SetResumeID(ctx, id, resumeID)
	if err != nil {
		return errors.NewSessionError("set resume id", err).WithSessionID(id)
	}
	if ok {
		return nil
	}
	if _, err := r.store.Get(ctx, id); err != nil {
		return err
	}
	return errors.NewSessionError("set resume id", errors.ErrAlreadyExited).WithSessionID(id)
}

// Prune deletes finished records that ended more than olderThan ago. A
// non-positive olderThan keeps everything.
func (r *Registry) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.store.Prune(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, errors.NewSessionError("prune sessions", err)
	}
	if n > 0 {
		r.logger.Info("pruned session history", "removed", n, "older_than", olderThan.String())
	}
	return n, nil
}

func validateStart(req StartRequest) error {
	switch {
	case req.Branch == "":
		return errors.NewValidationError("branch is required").WithField("branch")
	case req.WorktreePath == "":
		return errors.NewValidationError("worktree path is required").WithField("worktree_path")
	case req.AgentID == "":
		return errors.NewValidationError("agent id is required").WithField("agent_id")
	}
	return nil
}
