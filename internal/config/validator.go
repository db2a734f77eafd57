package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "lock.acquire_timeout")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidStores returns the list of valid session store backends
func ValidStores() []string {
	return []string{StoreSQLite, StoreJSON}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateWorktree()...)
	errors = append(errors, c.validateLock()...)
	errors = append(errors, c.validateBridge()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, c.validateGateway()...)
	errors = append(errors, c.validateLogging()...)

	if c.Events.Buffer <= 0 {
		errors = append(errors, ValidationError{
			Field:   "events.buffer",
			Value:   c.Events.Buffer,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateWorktree() []ValidationError {
	var errors []ValidationError

	path := c.Worktree.Dir
	if strings.ContainsRune(path, '\x00') {
		errors = append(errors, ValidationError{
			Field:   "worktree.dir",
			Value:   path,
			Message: "path contains invalid null character",
		})
	}

	// Reasonable path length limit (most filesystems have limits around 4096)
	const maxPathLength = 4096
	if len(path) > maxPathLength {
		errors = append(errors, ValidationError{
			Field:   "worktree.dir",
			Value:   path,
			Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
		})
	}

	for i, b := range c.Worktree.ProtectedBranches {
		if strings.TrimSpace(b) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("worktree.protected_branches[%d]", i),
				Value:   b,
				Message: "branch name must not be empty",
			})
		}
	}

	return errors
}

func (c *Config) validateLock() []ValidationError {
	var errors []ValidationError

	if c.Lock.StaleAfter < 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.stale_after",
			Value:   c.Lock.StaleAfter,
			Message: "must be non-negative",
		})
	}
	if c.Lock.AcquireTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.acquire_timeout",
			Value:   c.Lock.AcquireTimeout,
			Message: "must be non-negative",
		})
	}
	if c.Lock.RetryInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "lock.retry_interval",
			Value:   c.Lock.RetryInterval,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateBridge() []ValidationError {
	var errors []ValidationError

	if c.Bridge.TerminateGrace <= 0 {
		errors = append(errors, ValidationError{
			Field:   "bridge.terminate_grace",
			Value:   c.Bridge.TerminateGrace,
			Message: "must be positive",
		})
	}
	if c.Bridge.ShutdownGrace < c.Bridge.TerminateGrace {
		errors = append(errors, ValidationError{
			Field:   "bridge.shutdown_grace",
			Value:   c.Bridge.ShutdownGrace,
			Message: "must be at least bridge.terminate_grace",
		})
	}

	// Terminal dimensions are uint16 on the wire
	const maxDim = 1<<16 - 1
	if c.Bridge.Rows < 1 || c.Bridge.Rows > maxDim {
		errors = append(errors, ValidationError{
			Field:   "bridge.rows",
			Value:   c.Bridge.Rows,
			Message: fmt.Sprintf("must be between 1 and %d", maxDim),
		})
	}
	if c.Bridge.Cols < 1 || c.Bridge.Cols > maxDim {
		errors = append(errors, ValidationError{
			Field:   "bridge.cols",
			Value:   c.Bridge.Cols,
			Message: fmt.Sprintf("must be between 1 and %d", maxDim),
		})
	}

	const maxScrollback = 64 * 1024 * 1024
	if c.Bridge.ScrollbackBytes < 0 || c.Bridge.ScrollbackBytes > maxScrollback {
		errors = append(errors, ValidationError{
			Field:   "bridge.scrollback_bytes",
			Value:   c.Bridge.ScrollbackBytes,
			Message: fmt.Sprintf("must be between 0 and %d", maxScrollback),
		})
	}
	if c.Bridge.ExitLinger < 0 {
		errors = append(errors, ValidationError{
			Field:   "bridge.exit_linger",
			Value:   c.Bridge.ExitLinger,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateSession() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidStores(), c.Session.Store) {
		errors = append(errors, ValidationError{
			Field:   "session.store",
			Value:   c.Session.Store,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidStores(), ", ")),
		})
	}
	if c.Session.RetentionDays < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.retention_days",
			Value:   c.Session.RetentionDays,
			Message: "must be non-negative (0 disables pruning)",
		})
	}

	return errors
}

func (c *Config) validateGateway() []ValidationError {
	var errors []ValidationError

	if _, _, err := net.SplitHostPort(c.Gateway.Addr); err != nil {
		errors = append(errors, ValidationError{
			Field:   "gateway.addr",
			Value:   c.Gateway.Addr,
			Message: "must be host:port",
		})
	}
	if c.Gateway.SendQueue <= 0 {
		errors = append(errors, ValidationError{
			Field:   "gateway.send_queue",
			Value:   c.Gateway.SendQueue,
			Message: "must be positive",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative (0 disables rotation)",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
