package bridge

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/Iron-Ham/branchyard/internal/agent"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/event"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/creack/pty"
)

// Size is a terminal size in character cells.
type Size struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// DefaultSize is used when no size is known.
var DefaultSize = Size{Rows: 24, Cols: 80}

// Valid reports whether both dimensions are positive.
func (s Size) Valid() bool {
	return s.Rows > 0 && s.Cols > 0
}

// Exit describes how a session's process ended. Exactly one of Code and
// Signal is set.
type Exit struct {
	Code   *int   `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (e Exit) String() string {
	if e.Signal != "" {
		return "signal " + e.Signal
	}
	if e.Code != nil {
		return "exit " + strconv.Itoa(*e.Code)
	}
	return "exit unknown"
}

// Consumer receives the output of one session.
//
// Output and Exited are called with the session locked, in order, from the
// session's own goroutines. They must not block and must not call back into
// the session; hand the data off instead.
type Consumer interface {
	// Name identifies the consumer in logs and events.
	Name() string
	Output(p []byte)
	// Exited is called once, after the last Output.
	Exited(Exit)
	// Detached is called when the consumer is replaced or removed while the
	// process keeps running.
	Detached()
}

// Info is a snapshot of a live session.
type Info struct {
	ID        string    `json:"id"`
	Dir       string    `json:"worktree_path"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Size      Size      `json:"size"`
	Consumer  string    `json:"consumer,omitempty"`
}

// control is one entry of the input queue: either bytes to write or a new
// terminal size.
type control struct {
	data   []byte
	size   *Size
	result chan error
}

// Session is one agent process attached to a pseudo-terminal.
type Session struct {
	id        string
	inv       agent.Invocation
	startedAt time.Time
	cmd       *exec.Cmd
	ptmx      *os.File
	grace     time.Duration
	events    event.Publisher
	logger    *logging.Logger

	ctrl       chan control
	done       chan struct{}
	readerDone chan struct{}
	onExit     func(*Session)

	mu       sync.Mutex
	consumer Consumer
	scroll   *scrollback
	size     Size
	exit     *Exit
}

func startSession(id string, inv agent.Invocation, size Size, cfg config, c Consumer, onExit func(*Session)) (*Session, error) {
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: size.Rows, Cols: size.Cols})
	if err != nil {
		return nil, errors.NewSessionError("spawn session", err).
			WithSessionID(id).
			WithWorktree(inv.Dir)
	}

	s := &Session{
		id:         id,
		inv:        inv,
		startedAt:  time.Now(),
		cmd:        cmd,
		ptmx:       ptmx,
		grace:      cfg.terminateGrace,
		events:     cfg.events,
		logger:     cfg.logger.WithSession(id).WithWorktree(inv.Dir),
		ctrl:       make(chan control, 64),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		onExit:     onExit,
		scroll:     newScrollback(cfg.scrollbackBytes),
		size:       size,
		consumer:   c,
	}

	s.logger.Info("session spawned",
		"command", inv.Command,
		"pid", cmd.Process.Pid,
		"rows", size.Rows,
		"cols", size.Cols,
	)
	if c != nil {
		s.logger.Info("consumer attached", "consumer", c.Name())
		s.events.Publish(event.NewConsumerAttachedEvent(id, c.Name()))
	}

	go s.readLoop()
	go s.controlLoop()
	go s.waitLoop()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Dir returns the working directory, normally the worktree path.
func (s *Session) Dir() string { return s.inv.Dir }

// PID returns the process id of the agent.
func (s *Session) PID() int { return s.cmd.Process.Pid }

// Done is closed after the process has exited and Exited was delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Exit returns the exit status, or nil while the process runs.
func (s *Session) Exit() *Exit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exit == nil {
		return nil
	}
	e := *s.exit
	return &e
}

// Consumer returns the attached consumer, or nil.
func (s *Session) Consumer() Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.id,
		Dir:       s.inv.Dir,
		Command:   s.inv.Command,
		PID:       s.cmd.Process.Pid,
		StartedAt: s.startedAt,
		Size:      s.size,
	}
	if s.consumer != nil {
		info.Consumer = s.consumer.Name()
	}
	return info
}

// Attach makes c the session's consumer and returns the consumer it
// replaced, which is told it was detached. c first receives the scrollback.
// On an exited session c receives the scrollback and then Exited, and does
// not become the consumer.
func (s *Session) Attach(c Consumer) (Consumer, error) {
	if c == nil {
		return nil, errors.NewValidationError("consumer is required").WithField("consumer")
	}
	s.mu.Lock()
	if s.exit != nil {
		if s.scroll.Len() > 0 {
			c.Output(s.scroll.Bytes())
		}
		c.Exited(*s.exit)
		s.mu.Unlock()
		s.logger.Debug("replayed exited session", "consumer", c.Name())
		return nil, nil
	}
	prev := s.consumer
	if prev == c {
		s.mu.Unlock()
		return nil, nil
	}
	s.consumer = c
	if s.scroll.Len() > 0 {
		c.Output(s.scroll.Bytes())
	}
	s.mu.Unlock()

	if prev != nil {
		prev.Detached()
		s.events.Publish(event.NewConsumerDetachedEvent(s.id, prev.Name()))
		s.logger.Info("consumer replaced", "previous", prev.Name(), "consumer", c.Name())
	} else {
		s.logger.Info("consumer attached", "consumer", c.Name())
	}
	s.events.Publish(event.NewConsumerAttachedEvent(s.id, c.Name()))
	return prev, nil
}

// Detach removes c if it is the current consumer. The process is not
// affected.
func (s *Session) Detach(c Consumer) bool {
	s.mu.Lock()
	if c == nil || s.consumer != c {
		s.mu.Unlock()
		return false
	}
	s.consumer = nil
	s.mu.Unlock()

	c.Detached()
	s.events.Publish(event.NewConsumerDetachedEvent(s.id, c.Name()))
	s.logger.Info("consumer detached", "consumer", c.Name())
	return true
}

// Write queues p as input for the process and waits until it was written.
func (s *Session) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	return s.submit(control{data: append([]byte(nil), p...)}, "write")
}

// Resize changes the terminal size. It is queued behind earlier writes.
func (s *Session) Resize(rows, cols uint16) error {
	size := Size{Rows: rows, Cols: cols}
	if !size.Valid() {
		return errors.NewValidationError("terminal size must be positive").
			WithField("size").
			WithValue(strconv.Itoa(int(rows)) + "x" + strconv.Itoa(int(cols)))
	}
	return s.submit(control{size: &size}, "resize")
}

// Terminate interrupts the process group, waits up to the terminate grace
// period (or until ctx ends) and then kills it. It returns once the session
// has exited.
func (s *Session) Terminate(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}

	proc := s.cmd.Process
	s.logger.Info("terminating session", "grace", s.grace.String())
	if err := interruptGroup(proc); err != nil {
		s.logger.Debug("interrupt failed", "error", err)
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-s.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("session did not exit after interrupt, killing", "pid", proc.Pid)
	if err := killGroup(proc); err != nil {
		s.logger.Debug("kill failed", "error", err)
	}
	<-s.done
	return nil
}

func (s *Session) submit(op control, what string) error {
	op.result = make(chan error, 1)
	select {
	case <-s.done:
		return s.exitedError(what)
	default:
	}
	select {
	case s.ctrl <- op:
	case <-s.done:
		return s.exitedError(what)
	}
	select {
	case err := <-op.result:
		return err
	case <-s.done:
		return s.exitedError(what)
	}
}

func (s *Session) exitedError(what string) error {
	return errors.NewSessionError(what, errors.ErrAlreadyExited).WithSessionID(s.id)
}

// controlLoop applies writes and resizes in the order they were queued.
func (s *Session) controlLoop() {
	for {
		select {
		case op := <-s.ctrl:
			op.result <- s.apply(op)
		case <-s.done:
			return
		}
	}
}

func (s *Session) apply(op control) error {
	if op.size != nil {
		if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: op.size.Rows, Cols: op.size.Cols}); err != nil {
			return errors.NewSessionError("resize", err).WithSessionID(s.id)
		}
		s.mu.Lock()
		s.size = *op.size
		s.mu.Unlock()
		return nil
	}
	if _, err := s.ptmx.Write(op.data); err != nil {
		return errors.NewSessionError("write", err).WithSessionID(s.id)
	}
	return nil
}

// readLoop is the only reader of the terminal. It ends when the terminal is
// closed, which on Linux shows up as EIO.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			s.deliver(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) deliver(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.scroll.Write(p)
	if s.consumer != nil {
		s.consumer.Output(append([]byte(nil), p...))
	}
}

// waitLoop reaps the process, drains what is left of its output and then
// reports the exit.
func (s *Session) waitLoop() {
	err := s.cmd.Wait()
	exit := exitOf(s.cmd.ProcessState)
	if err != nil && s.cmd.ProcessState == nil {
		s.logger.Warn("wait failed", "error", err)
	}

	select {
	case <-s.readerDone:
	case <-time.After(drainTimeout):
		s.logger.Debug("output still open after exit, closing terminal")
	}
	_ = s.ptmx.Close()
	<-s.readerDone

	s.mu.Lock()
	s.exit = &exit
	if s.consumer != nil {
		s.consumer.Exited(exit)
	}
	s.mu.Unlock()
	close(s.done)

	s.logger.Info("session exited", "exit", exit.String())
	s.events.Publish(event.NewProcessExitedEvent(s.id, exit.Code, exit.Signal))
	if s.onExit != nil {
		s.onExit(s)
	}
}
