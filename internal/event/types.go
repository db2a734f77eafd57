package event

import "time"

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "worktree.created", "bridge.exited")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(Event)
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Lock Events
// -----------------------------------------------------------------------------

// LockReclaimedEvent is emitted when a marker left by a dead owner is removed
// and the lock taken over.
type LockReclaimedEvent struct {
	baseEvent
	Path         string // Worktree path the lock guards
	PreviousPID  int    // PID recorded in the reclaimed marker (0 if unreadable)
	PreviousHost string
}

// NewLockReclaimedEvent creates a LockReclaimedEvent.
func NewLockReclaimedEvent(path string, previousPID int, previousHost string) LockReclaimedEvent {
	return LockReclaimedEvent{
		baseEvent:    newBaseEvent("lock.reclaimed"),
		Path:         path,
		PreviousPID:  previousPID,
		PreviousHost: previousHost,
	}
}

// -----------------------------------------------------------------------------
// Worktree Events
// -----------------------------------------------------------------------------

// WorktreeEvent is emitted on every worktree state transition. The event type
// is "worktree.<action>", e.g. "worktree.creating" or "worktree.created".
type WorktreeEvent struct {
	baseEvent
	Path   string
	Branch string
	From   string // Previous state
	To     string // New state
}

// NewWorktreeEvent creates a WorktreeEvent for a transition from one state
// to another.
func NewWorktreeEvent(action, path, branch, from, to string) WorktreeEvent {
	return WorktreeEvent{
		baseEvent: newBaseEvent("worktree." + action),
		Path:      path,
		Branch:    branch,
		From:      from,
		To:        to,
	}
}

// -----------------------------------------------------------------------------
// Session Events
// -----------------------------------------------------------------------------

// SessionStartedEvent is emitted when a session record is created.
type SessionStartedEvent struct {
	baseEvent
	SessionID    string
	AgentID      string
	Branch       string
	WorktreePath string
}

// NewSessionStartedEvent creates a SessionStartedEvent.
func NewSessionStartedEvent(sessionID, agentID, branch, worktreePath string) SessionStartedEvent {
	return SessionStartedEvent{
		baseEvent:    newBaseEvent("session.started"),
		SessionID:    sessionID,
		AgentID:      agentID,
		Branch:       branch,
		WorktreePath: worktreePath,
	}
}

// SessionFinishedEvent is emitted when a session record is finalized.
type SessionFinishedEvent struct {
	baseEvent
	SessionID string
	Kind      string // exited, signaled, orphaned or failed
	Code      *int
	Signal    string
}

// NewSessionFinishedEvent creates a SessionFinishedEvent. Orphaned sessions
// use the "session.orphaned" type so observers can tell recovery apart.
func NewSessionFinishedEvent(sessionID, kind string, code *int, signal string) SessionFinishedEvent {
	eventType := "session.finished"
	if kind == "orphaned" {
		eventType = "session.orphaned"
	}
	return SessionFinishedEvent{
		baseEvent: newBaseEvent(eventType),
		SessionID: sessionID,
		Kind:      kind,
		Code:      code,
		Signal:    signal,
	}
}

// -----------------------------------------------------------------------------
// Bridge Events
// -----------------------------------------------------------------------------

// ConsumerEvent is emitted when a consumer attaches to or detaches from a
// live session.
type ConsumerEvent struct {
	baseEvent
	SessionID string
	Consumer  string // "local-terminal" or "remote:<conn id>"
}

// NewConsumerAttachedEvent creates a "bridge.attached" ConsumerEvent.
func NewConsumerAttachedEvent(sessionID, consumer string) ConsumerEvent {
	return ConsumerEvent{
		baseEvent: newBaseEvent("bridge.attached"),
		SessionID: sessionID,
		Consumer:  consumer,
	}
}

// NewConsumerDetachedEvent creates a "bridge.detached" ConsumerEvent.
func NewConsumerDetachedEvent(sessionID, consumer string) ConsumerEvent {
	return ConsumerEvent{
		baseEvent: newBaseEvent("bridge.detached"),
		SessionID: sessionID,
		Consumer:  consumer,
	}
}

// ProcessExitedEvent is emitted once when a live session's process exits.
type ProcessExitedEvent struct {
	baseEvent
	SessionID string
	Code      *int
	Signal    string
}

// NewProcessExitedEvent creates a ProcessExitedEvent.
func NewProcessExitedEvent(sessionID string, code *int, signal string) ProcessExitedEvent {
	return ProcessExitedEvent{
		baseEvent: newBaseEvent("bridge.exited"),
		SessionID: sessionID,
		Code:      code,
		Signal:    signal,
	}
}
