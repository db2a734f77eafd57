// Package session records agent sessions per (branch, worktree, agent) so
// they can be listed, resumed and finalized after a crash.
//
// The Registry owns all writes. Records live in a Store, either SQLite (the
// default) or a single JSON history file.
package session

import (
	"strconv"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
)

// ExitKind describes how a session ended.
type ExitKind string

const (
	ExitExited   ExitKind = "exited"
	ExitSignaled ExitKind = "signaled"
	// ExitOrphaned marks a session whose owning process died without
	// finalizing it.
	ExitOrphaned ExitKind = "orphaned"
	// ExitFailed marks a session whose process could not be started.
	ExitFailed ExitKind = "failed"
)

// ExitStatus is the final status of a session.
type ExitStatus struct {
	Kind   ExitKind `json:"kind"`
	Code   *int     `json:"code,omitempty"`
	Signal string   `json:"signal,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// Exited returns the status of a process that exited with code.
func Exited(code int) ExitStatus {
	return ExitStatus{Kind: ExitExited, Code: &code}
}

// Signaled returns the status of a process killed by a signal.
func Signaled(signal string) ExitStatus {
	return ExitStatus{Kind: ExitSignaled, Signal: signal}
}

// Orphaned returns the status used by crash recovery.
func Orphaned() ExitStatus {
	return ExitStatus{Kind: ExitOrphaned, Detail: "owner process is gone"}
}

// Failed returns the status of a session that never ran.
func Failed(detail string) ExitStatus {
	return ExitStatus{Kind: ExitFailed, Detail: detail}
}

// Success reports a clean exit.
func (s ExitStatus) Success() bool {
	return s.Kind == ExitExited && s.Code != nil && *s.Code == 0
}

func (s ExitStatus) String() string {
	switch {
	case s.Code != nil:
		return string(s.Kind) + " (" + strconv.Itoa(*s.Code) + ")"
	case s.Signal != "":
		return string(s.Kind) + " (" + s.Signal + ")"
	default:
		return string(s.Kind)
	}
}

// Record is one agent session.
type Record struct {
	ID string `json:"id"`
	// ResumeID is the tool's own conversation id, passed back to the tool on
	// resume. It is empty until the caller learns it.
	ResumeID        string     `json:"resume_id,omitempty"`
	Branch          string     `json:"branch"`
	WorktreePath    string     `json:"worktree_path"`
	AgentID         string     `json:"agent_id"`
	Mode            agent.Mode `json:"mode"`
	SkipPermissions bool       `json:"skip_permissions,omitempty"`
	ToolVersion     string     `json:"tool_version,omitempty"`
	// OwnerPID is the engine process that started the session.
	OwnerPID  int         `json:"owner_pid"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   *time.Time  `json:"ended_at,omitempty"`
	Exit      *ExitStatus `json:"exit,omitempty"`
}

// Running reports whether the record has not been finalized.
func (r Record) Running() bool {
	return r.EndedAt == nil
}

// Duration returns how long the session ran, or has been running as of now.
func (r Record) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

// Query filters records. Empty fields match anything.
type Query struct {
	Branch       string
	WorktreePath string
	AgentID      string
	RunningOnly  bool
	// Limit caps the number of records returned; 0 means no limit.
	Limit int
}

func (q Query) matches(r Record) bool {
	if q.Branch != "" && r.Branch != q.Branch {
		return false
	}
	if q.WorktreePath != "" && r.WorktreePath != q.WorktreePath {
		return false
	}
	if q.AgentID != "" && r.AgentID != q.AgentID {
		return false
	}
	return !q.RunningOnly || r.Running()
}
