package bridge

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/term"
)

// LocalTerminalName is the consumer name of a LocalTerminal.
const LocalTerminalName = "local-terminal"

// LocalTerminal relays a session to the controlling terminal: stdin is
// forwarded as input, window changes as resizes and output is copied to out.
type LocalTerminal struct {
	in  *os.File
	out io.Writer

	mu      sync.Mutex
	pending [][]byte
	notify  chan struct{}

	exited   chan Exit
	detached chan struct{}
	stopped  atomic.Bool
}

// NewLocalTerminal creates a consumer reading from in and writing to out.
func NewLocalTerminal(in *os.File, out io.Writer) *LocalTerminal {
	return &LocalTerminal{
		in:       in,
		out:      out,
		notify:   make(chan struct{}, 1),
		exited:   make(chan Exit, 1),
		detached: make(chan struct{}, 1),
	}
}

// Name implements Consumer.
func (t *LocalTerminal) Name() string { return LocalTerminalName }

// Output implements Consumer. Data is queued and written by Run.
func (t *LocalTerminal) Output(p []byte) {
	t.mu.Lock()
	t.pending = append(t.pending, p)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Exited implements Consumer.
func (t *LocalTerminal) Exited(e Exit) {
	select {
	case t.exited <- e:
	default:
	}
}

// Detached implements Consumer.
func (t *LocalTerminal) Detached() {
	select {
	case t.detached <- struct{}{}:
	default:
	}
}

// Run attaches to s and relays until the process exits, another consumer
// takes over or ctx is cancelled. It returns the exit status when the
// process exited and nil otherwise. The terminal is restored on return.
func (t *LocalTerminal) Run(ctx context.Context, s *Session) (*Exit, error) {
	fd := int(t.in.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return nil, err
		}
		defer func() { _ = term.Restore(fd, state) }()
		t.syncSize(s)
	}

	if _, err := s.Attach(t); err != nil {
		return nil, err
	}
	defer t.stopped.Store(true)

	winch, stopWinch := NotifyResize()
	defer stopWinch()

	go t.forwardInput(s)

	for {
		select {
		case <-t.notify:
			t.flush()
		case <-winch:
			t.syncSize(s)
		case e := <-t.exited:
			t.flush()
			return &e, nil
		case <-t.detached:
			t.flush()
			return nil, nil
		case <-ctx.Done():
			s.Detach(t)
			t.flush()
			return nil, nil
		}
	}
}

func (t *LocalTerminal) flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, p := range pending {
		_, _ = t.out.Write(p)
	}
}

func (t *LocalTerminal) syncSize(s *Session) {
	cols, rows, err := term.GetSize(int(t.in.Fd()))
	if err != nil || rows <= 0 || cols <= 0 {
		return
	}
	_ = s.Resize(uint16(rows), uint16(cols))
}

// forwardInput copies stdin to the session. A blocked read cannot be
// interrupted, so input read after Run returned is dropped.
func (t *LocalTerminal) forwardInput(s *Session) {
	buf := make([]byte, 4096)
	for {
		n, err := t.in.Read(buf)
		if t.stopped.Load() {
			return
		}
		if n > 0 {
			if werr := s.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
