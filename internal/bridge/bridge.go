package bridge

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/sourcegraph/conc"
)

// ErrClosed is returned by Spawn after Shutdown.
var ErrClosed = errors.New("bridge is shut down")

// Bridge owns the live sessions of one engine. Exited sessions drop out of
// the live set on their own and stay reachable through Get for the exit
// linger period.
type Bridge struct {
	cfg config

	mu       sync.RWMutex
	sessions map[string]*Session
	exited   map[string]*Session
	closed   bool
}

// New creates a Bridge.
func New(opts ...Option) *Bridge {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.WithComponent("bridge")
	return &Bridge{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		exited:   make(map[string]*Session),
	}
}

// Spawn starts inv under a new pseudo-terminal of the given size (the
// default size when zero). The id must not belong to a live session.
func (b *Bridge) Spawn(ctx context.Context, id string, inv agent.Invocation, size Size) (*Session, error) {
	return b.SpawnAttached(ctx, id, inv, size, nil)
}

// SpawnAttached is Spawn with c attached before the first byte of output is
// read, so c sees everything even from a process that exits at once. A nil
// c behaves like Spawn.
func (b *Bridge) SpawnAttached(ctx context.Context, id string, inv agent.Invocation, size Size, c Consumer) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, errors.NewValidationError("session id is required").WithField("id")
	}
	if inv.Path == "" {
		return nil, errors.NewValidationError("invocation has no executable path").WithField("path")
	}
	if !size.Valid() {
		size = b.cfg.size
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.NewSessionError("spawn session", ErrClosed).WithSessionID(id)
	}
	if _, ok := b.sessions[id]; ok {
		return nil, errors.NewSessionError("spawn session", errors.ErrSessionActive).WithSessionID(id)
	}

	s, err := startSession(id, inv, size, b.cfg, c, b.forget)
	if err != nil {
		b.cfg.logger.Warn("spawn failed", "session_id", id, "command", inv.Command, "error", err)
		return nil, err
	}
	b.sessions[id] = s
	return s, nil
}

// forget moves s out of the live set once it has exited.
func (b *Bridge) forget(s *Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.id] == s {
		delete(b.sessions, s.id)
	}
	if b.cfg.exitLinger <= 0 {
		return
	}
	b.exited[s.id] = s
	time.AfterFunc(b.cfg.exitLinger, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.exited[s.id] == s {
			delete(b.exited, s.id)
		}
	})
}

// Get returns a live session, or one that exited within the linger period.
// Attaching to an exited session replays its output and exit.
func (b *Bridge) Get(id string) (*Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.sessions[id]; ok {
		return s, true
	}
	s, ok := b.exited[id]
	return s, ok
}

// List returns the live sessions, oldest first.
func (b *Bridge) List() []*Session {
	b.mu.RLock()
	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].startedAt.Equal(out[j].startedAt) {
			return out[i].id < out[j].id
		}
		return out[i].startedAt.Before(out[j].startedAt)
	})
	return out
}

// ForWorktree returns the live sessions running in path.
func (b *Bridge) ForWorktree(path string) []*Session {
	path = filepath.Clean(path)
	var out []*Session
	for _, s := range b.List() {
		if filepath.Clean(s.Dir()) == path {
			out = append(out, s)
		}
	}
	return out
}

// Shutdown terminates every live session concurrently and refuses new
// ones. It waits at most the shutdown grace period (or until ctx ends) for
// interrupts to take effect before sessions are killed.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	live := b.List()
	if len(live) == 0 {
		return nil
	}
	b.cfg.logger.Info("shutting down sessions", "count", len(live))

	ctx, cancel := context.WithTimeout(ctx, b.cfg.shutdownGrace)
	defer cancel()

	var wg conc.WaitGroup
	for _, s := range live {
		wg.Go(func() {
			_ = s.Terminate(ctx)
		})
	}
	wg.Wait()
	return nil
}
