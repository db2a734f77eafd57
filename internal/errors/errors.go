// Package errors defines the error taxonomy shared by every branchyard
// component: typed domain errors for locks, worktrees, agents and live
// sessions, a few semantic errors, and helpers that classify errors by
// severity and retryability.
//
// # Error Types
//
// Domain errors name the subsystem that failed and carry the path or session
// id the failure concerns:
//   - LockError: advisory worktree lock could not be taken (busy, stale)
//   - WorktreeError: create, remove or repair of a worktree failed
//   - AgentError: an agent invocation could not be built
//   - SessionError: an operation on a live or recorded session failed
//   - GitError: the git command line returned an error
//
// Semantic errors describe common conditions:
//   - NotFoundError, ValidationError, TimeoutError
//
// # Usage
//
//	err := errors.NewWorktreeError("create worktree", errors.ErrCreateFailed).
//		WithPath("/repo/.worktrees/feature-x").
//		WithBranch("feature/x")
//
//	if errors.Is(err, errors.ErrCreateFailed) { ... }
//
//	var wtErr *errors.WorktreeError
//	if errors.As(err, &wtErr) { fmt.Println(wtErr.Path) }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors only useful while debugging.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational conditions.
	SeverityInfo
	// SeverityWarning is for conditions that were recovered from.
	SeverityWarning
	// SeverityError is for failed operations.
	SeverityError
	// SeverityCritical is for failures that must reach the user untouched.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Lock sentinel errors
var (
	// ErrLockBusy indicates the lock is held by a live owner.
	ErrLockBusy = New("worktree lock is busy")
	// ErrLockStale indicates a lock marker left behind by a dead owner.
	ErrLockStale = New("worktree lock is stale")
)

// Worktree sentinel errors
var (
	// ErrCreateFailed indicates a worktree could not be created.
	ErrCreateFailed = New("worktree create failed")
	// ErrRemoveFailed indicates a worktree could not be removed.
	ErrRemoveFailed = New("worktree remove failed")
	// ErrUnrecoverable indicates a worktree path holds content that cannot be
	// removed without risking user data.
	ErrUnrecoverable = New("worktree is unrecoverable")
	// ErrWorktreeNotFound indicates no worktree is registered for the path or branch.
	ErrWorktreeNotFound = New("worktree not found")
	// ErrDirtyWorktree indicates the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
	// ErrProtectedBranch indicates the branch may not be removed.
	ErrProtectedBranch = New("branch is protected")
)

// Agent sentinel errors
var (
	// ErrCommandNotFound indicates the agent command could not be located.
	ErrCommandNotFound = New("agent command not found")
	// ErrInvalidPath indicates the agent path is not an executable file.
	ErrInvalidPath = New("agent path is not executable")
	// ErrUnknownAgent indicates no definition exists for the agent id.
	ErrUnknownAgent = New("unknown agent")
)

// Session sentinel errors
var (
	// ErrAlreadyExited indicates the session process has already exited.
	ErrAlreadyExited = New("session already exited")
	// ErrSessionActive indicates a live session already runs in the worktree.
	ErrSessionActive = New("worktree already has a live session")
	// ErrSessionNotFound indicates no session with the id exists.
	ErrSessionNotFound = New("session not found")
)

// Git sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates the branch exists neither locally nor remotely.
	ErrBranchNotFound = New("branch not found")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ClassifiedError is implemented by every error type in this package.
type ClassifiedError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable reports whether the operation may succeed if repeated.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func newBase(message string, cause error) baseError {
	return baseError{
		message:  message,
		cause:    cause,
		severity: SeverityError,
	}
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// LockError reports a failed lock acquisition or release.
//
// Example:
//
//	err := errors.NewLockError("acquire", errors.ErrLockBusy).
//		WithPath("/repo/.worktrees/feature-x").WithOwnerPID(4242)
//	fmt.Println(err) // "lock error [path=/repo/.worktrees/feature-x, owner_pid=4242]: acquire: worktree lock is busy"
type LockError struct {
	baseError
	Path     string
	OwnerPID int
}

// NewLockError creates a new LockError. Busy locks are retryable.
func NewLockError(message string, cause error) *LockError {
	e := &LockError{baseError: newBase(message, cause)}
	if errors.Is(cause, ErrLockBusy) {
		e.retryable = true
		e.severity = SeverityWarning
	}
	if errors.Is(cause, ErrLockStale) {
		e.severity = SeverityWarning
	}
	return e
}

// WithPath adds the locked worktree path.
func (e *LockError) WithPath(path string) *LockError {
	e.Path = path
	return e
}

// WithOwnerPID adds the pid recorded in the lock marker.
func (e *LockError) WithOwnerPID(pid int) *LockError {
	e.OwnerPID = pid
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	if e.OwnerPID > 0 {
		parts = append(parts, fmt.Sprintf("owner_pid=%d", e.OwnerPID))
	}
	return e.format("lock error", parts)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorktreeError reports a failed worktree operation.
//
// Example:
//
//	err := errors.NewWorktreeError("remove worktree", errors.ErrDirtyWorktree).
//		WithPath("/repo/.worktrees/feature-x")
type WorktreeError struct {
	baseError
	Path      string
	Branch    string
	GitOutput string
}

// NewWorktreeError creates a new WorktreeError. Unrecoverable worktrees are
// critical so they always reach the user.
func NewWorktreeError(message string, cause error) *WorktreeError {
	e := &WorktreeError{baseError: newBase(message, cause)}
	if errors.Is(cause, ErrUnrecoverable) {
		e.severity = SeverityCritical
	}
	return e
}

// WithPath adds the worktree path to the error context.
func (e *WorktreeError) WithPath(path string) *WorktreeError {
	e.Path = path
	return e
}

// WithBranch adds the branch name to the error context.
func (e *WorktreeError) WithBranch(branch string) *WorktreeError {
	e.Branch = branch
	return e
}

// WithGitOutput attaches captured git output.
func (e *WorktreeError) WithGitOutput(output string) *WorktreeError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *WorktreeError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}
	msg := e.format("worktree error", parts)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *WorktreeError) Is(target error) bool {
	if _, ok := target.(*WorktreeError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AgentError reports an agent invocation that could not be built.
type AgentError struct {
	baseError
	AgentID string
	Command string
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{baseError: newBase(message, cause)}
}

// WithAgentID adds the agent definition id.
func (e *AgentError) WithAgentID(id string) *AgentError {
	e.AgentID = id
	return e
}

// WithCommand adds the command or path that failed to resolve.
func (e *AgentError) WithCommand(command string) *AgentError {
	e.Command = command
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("command=%s", e.Command))
	}
	return e.format("agent error", parts)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SessionError reports a failed operation on an agent session.
//
// Example:
//
//	err := errors.NewSessionError("write", errors.ErrAlreadyExited).WithSessionID("abc123")
//	fmt.Println(err) // "session error [session=abc123]: write: session already exited"
type SessionError struct {
	baseError
	SessionID    string
	WorktreePath string
}

// NewSessionError creates a new SessionError.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{baseError: newBase(message, cause)}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithWorktree adds the worktree path the session is bound to.
func (e *SessionError) WithWorktree(path string) *SessionError {
	e.WorktreePath = path
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	var parts []string
	if e.SessionID != "" {
		parts = append(parts, fmt.Sprintf("session=%s", e.SessionID))
	}
	if e.WorktreePath != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.WorktreePath))
	}
	return e.format("session error", parts)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors related to git operations.
//
// Example:
//
//	err := errors.NewGitError("failed to list worktrees", cause).
//		WithRepository("/repo").WithGitOutput(out)
type GitError struct {
	baseError
	Branch     string
	Repository string
	GitOutput  string
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{baseError: newBase(message, cause)}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}
	msg := e.format("git error", parts)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("session", "abc123")
//	fmt.Println(err) // "session 'abc123' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition,
// such as a busy lock or a timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ClassifiedError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
