package bridge

import (
	"time"

	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/logging"
)

const (
	defaultTerminateGrace  = 3 * time.Second
	defaultShutdownGrace   = 10 * time.Second
	defaultScrollbackBytes = 64 * 1024
	defaultExitLinger      = 30 * time.Second
	// drainTimeout bounds how long output is drained after the process has
	// exited, for children that leave the terminal open.
	drainTimeout = 2 * time.Second
)

// Option configures a Bridge.
type Option func(*config)

type config struct {
	terminateGrace  time.Duration
	shutdownGrace   time.Duration
	scrollbackBytes int
	exitLinger      time.Duration
	size            Size
	events          event.Publisher
	logger          *logging.Logger
}

// WithTerminateGrace sets how long Terminate waits after SIGINT before it
// kills the process group. A zero or negative value keeps the default (3s).
func WithTerminateGrace(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.terminateGrace = d
		}
	}
}

// WithShutdownGrace bounds Shutdown. A zero or negative value keeps the
// default (10s).
func WithShutdownGrace(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.shutdownGrace = d
		}
	}
}

// WithScrollback sets the number of output bytes replayed to a newly
// attached consumer.
func WithScrollback(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.scrollbackBytes = n
		}
	}
}

// WithExitLinger sets how long an exited session can still be found with
// Get, so a consumer that arrives late receives its output and exit. Zero
// forgets exited sessions at once.
func WithExitLinger(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.exitLinger = d
		}
	}
}

// WithDefaultSize sets the terminal size used when Spawn gets a zero Size.
func WithDefaultSize(size Size) Option {
	return func(c *config) {
		if size.Valid() {
			c.size = size
		}
	}
}

// WithEvents sets the publisher for bridge events.
func WithEvents(p event.Publisher) Option {
	return func(c *config) {
		if p != nil {
			c.events = p
		}
	}
}

// WithLogger sets the logger for the bridge.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func defaultConfig() config {
	return config{
		terminateGrace:  defaultTerminateGrace,
		shutdownGrace:   defaultShutdownGrace,
		scrollbackBytes: defaultScrollbackBytes,
		exitLinger:      defaultExitLinger,
		size:            DefaultSize,
		events:          event.Discard,
		logger:          logging.NopLogger(),
	}
}
