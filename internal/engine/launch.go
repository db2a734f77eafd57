package engine

import (
	"context"
	"sync"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/Iron-Ham/branchyard/internal/session"
	"github.com/Iron-Ham/branchyard/internal/worktree"
)

// LaunchRequest describes an agent to start on a branch.
type LaunchRequest struct {
	Branch          string
	AgentID         string
	Mode            agent.Mode
	SkipPermissions bool
	ExtraArgs       []string
	// ResumeID picks the conversation to resume. In resume mode it defaults
	// to the newest resumable record of the same branch, worktree and agent.
	ResumeID string
	// Size is the initial terminal size; the configured default when zero.
	Size bridge.Size
	// Consumer, when set, is attached before the agent's first output.
	Consumer bridge.Consumer
}

// Launched is a started session.
type Launched struct {
	Record   session.Record
	Session  *bridge.Session
	Resolved worktree.Resolved

	def      agent.Definition
	finished chan struct{}
	mu       sync.Mutex
	final    session.Record
	err      error
}

// Wait blocks until the process has exited and its record is finalized, and
// returns the final record.
func (l *Launched) Wait(ctx context.Context) (session.Record, error) {
	select {
	case <-l.finished:
	case <-ctx.Done():
		return session.Record{}, ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.final, l.err
}

// Done is closed once the record is finalized.
func (l *Launched) Done() <-chan struct{} { return l.finished }

// Launch resolves req.Branch to a working directory and starts the agent in
// it. At most one live session runs per worktree; a second launch fails with
// ErrSessionActive.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (*Launched, error) {
	if e.closed.Load() {
		return nil, errors.NewSessionError("launch", bridge.ErrClosed)
	}
	def, err := e.agents.Get(req.AgentID)
	if err != nil {
		return nil, err
	}
	mode := req.Mode
	if mode == "" {
		mode = agent.ModeNormal
	}

	resolved, err := e.worktrees.Resolve(ctx, req.Branch)
	if err != nil {
		return nil, err
	}
	log := e.logger.WithBranch(resolved.Branch).WithWorktree(resolved.Path).With("agent", def.ID)

	e.launchMu.Lock()
	defer e.launchMu.Unlock()

	if e.closed.Load() {
		return nil, errors.NewSessionError("launch", bridge.ErrClosed)
	}
	if live := e.bridge.ForWorktree(resolved.Path); len(live) > 0 {
		return nil, errors.NewSessionError("launch", errors.ErrSessionActive).
			WithSessionID(live[0].ID()).
			WithWorktree(resolved.Path)
	}

	resumeID := req.ResumeID
	if mode == agent.ModeResume && resumeID == "" {
		last, err := e.registry.LastResumable(ctx, resolved.Branch, resolved.Path, def.ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			resumeID = last.ResumeID
			log.Debug("resuming previous conversation", "resume_id", resumeID, "from_session", last.ID)
		}
	}

	start := session.StartRequest{
		ResumeID:        resumeID,
		Branch:          resolved.Branch,
		WorktreePath:    resolved.Path,
		AgentID:         def.ID,
		Mode:            mode,
		SkipPermissions: req.SkipPermissions,
	}

	inv, err := e.launcher.BuildInvocation(agent.Request{
		Definition:      def,
		Mode:            mode,
		WorktreePath:    resolved.Path,
		SkipPermissions: req.SkipPermissions,
		ExtraArgs:       req.ExtraArgs,
		ResumeID:        resumeID,
	})
	if err != nil {
		// The attempt still leaves a record, finalized as failed.
		rec, serr := e.registry.Start(ctx, start)
		if serr != nil {
			return nil, errors.Join(err, serr)
		}
		log.Error("agent could not be resolved", "session_id", rec.ID, "error", err)
		e.finishFailed(ctx, log, rec.ID, err)
		return nil, err
	}
	start.ToolVersion = e.launcher.Version(ctx, def, inv)

	rec, err := e.registry.Start(ctx, start)
	if err != nil {
		return nil, err
	}

	s, err := e.bridge.SpawnAttached(ctx, rec.ID, inv, req.Size, req.Consumer)
	if err != nil {
		log.Error("agent failed to start", "session_id", rec.ID, "command", inv.Command, "error", err)
		e.finishFailed(ctx, log, rec.ID, err)
		return nil, errors.NewAgentError("start agent", err).WithAgentID(def.ID).WithCommand(inv.Command)
	}

	l := &Launched{
		Record:   rec,
		Session:  s,
		Resolved: resolved,
		def:      def,
		finished: make(chan struct{}),
	}
	e.watch(l)
	log.Info("agent launched", "session_id", rec.ID, "pid", s.PID(), "mode", string(mode), "resolved", resolved.Kind.String())
	return l, nil
}

func (e *Engine) finishFailed(ctx context.Context, log *logging.Logger, id string, cause error) {
	if _, err := e.registry.Finish(context.WithoutCancel(ctx), id, session.Failed(cause.Error())); err != nil {
		log.Error("failed to finalize session", "session_id", id, "error", err)
	}
}

// watch finalizes the record of l once its process exits. A run that had no
// resume id first picks up the conversation id the tool stored.
func (e *Engine) watch(l *Launched) {
	e.watchers.Go(func() {
		<-l.Session.Done()
		if l.Record.ResumeID == "" {
			e.captureResumeID(l)
		}
		final, err := e.registry.Finish(context.Background(), l.Record.ID, exitStatus(l.Session.Exit()))
		if err != nil {
			e.logger.WithSession(l.Record.ID).Error("failed to finalize session", "error", err)
		}
		l.mu.Lock()
		l.final, l.err = final, err
		l.mu.Unlock()
		close(l.finished)
	})
}

func (e *Engine) captureResumeID(l *Launched) {
	id, ok := e.resumeIDs.Find(l.def, l.Resolved.Path, l.Record.StartedAt)
	if !ok {
		return
	}
	log := e.logger.WithSession(l.Record.ID)
	if err := e.registry.SetResumeID(context.Background(), l.Record.ID, id); err != nil {
		log.Warn("failed to record resume id", "resume_id", id, "error", err)
		return
	}
	log.Debug("captured resume id", "resume_id", id)
}

func exitStatus(x *bridge.Exit) session.ExitStatus {
	switch {
	case x == nil:
		return session.Failed("no exit status")
	case x.Signal != "":
		return session.Signaled(x.Signal)
	case x.Code != nil:
		return session.Exited(*x.Code)
	}
	return session.Failed("no exit status")
}
