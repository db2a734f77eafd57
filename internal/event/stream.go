package event

import (
	"sync"
	"sync/atomic"
)

// Stream is a bounded, non-blocking event channel.
// Publish never waits: when the buffer is full the event is dropped and
// counted. Events that are delivered keep their publish order.
type Stream struct {
	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// NewStream creates a Stream buffering up to capacity events.
func NewStream(capacity int) *Stream {
	if capacity < 1 {
		capacity = 1
	}
	return &Stream{ch: make(chan Event, capacity)}
}

// Publish enqueues e, or drops it when the buffer is full or the stream is
// closed. Safe for concurrent use.
func (s *Stream) Publish(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side. It is closed by Close.
func (s *Stream) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting events and closes the channel. Buffered events remain
// readable. Safe to call multiple times.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
