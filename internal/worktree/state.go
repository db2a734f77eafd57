package worktree

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a worktree.
type State int

const (
	StateAbsent State = iota
	StateCreating
	StateReady
	StateRepairing
	StateRemoving
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateRepairing:
		return "repairing"
	case StateRemoving:
		return "removing"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// CanTransition reports whether moving from s to next is allowed.
// Failed creates and removes roll back to where they started.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateAbsent, StateRemoved:
		return next == StateCreating
	case StateCreating:
		return next == StateReady || next == StateAbsent
	case StateReady:
		return next == StateRepairing || next == StateRemoving
	case StateRepairing:
		return next == StateReady || next == StateRemoved
	case StateRemoving:
		return next == StateRemoved || next == StateReady
	}
	return false
}

// eventAction names the event published for a transition.
func eventAction(from, to State) string {
	switch {
	case from == StateCreating && to == StateReady:
		return "created"
	case from == StateRepairing && to == StateReady:
		return "repaired"
	case from == StateCreating && to == StateAbsent:
		return "create_failed"
	case from == StateRemoving && to == StateReady:
		return "remove_failed"
	}
	return to.String()
}

type indexEntry struct {
	branch    string
	state     State
	createdAt time.Time
}

// index tracks worktree states known to this process. Lookups share the
// read lock; transitions are serialized.
type index struct {
	mu      sync.RWMutex
	entries map[string]indexEntry
}

func newIndex() *index {
	return &index{entries: make(map[string]indexEntry)}
}

func (ix *index) get(path string) (indexEntry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[path]
	return e, ok
}

// settle records the state observed on disk for a path that is not in the
// middle of an operation. Callers hold the path's lock, so no other
// operation on it can be in flight.
func (ix *index) settle(path, branch string, observed State) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e, ok := ix.entries[path]
	if ok && e.state == observed {
		return
	}
	e.state = observed
	if branch != "" {
		e.branch = branch
	}
	if observed != StateReady {
		e.createdAt = time.Time{}
	}
	ix.entries[path] = e
}

// transition moves path to next and returns the state it left.
func (ix *index) transition(path, branch string, next State, now time.Time) (State, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	e := ix.entries[path]
	if !e.state.CanTransition(next) {
		return e.state, fmt.Errorf("invalid worktree transition %s -> %s", e.state, next)
	}
	from := e.state
	e.state = next
	if branch != "" {
		e.branch = branch
	}
	if from == StateCreating && next == StateReady {
		e.createdAt = now
	}
	ix.entries[path] = e
	return from, nil
}
