// Package bridge runs agent processes under a pseudo-terminal and relays
// their I/O to at most one consumer at a time.
//
// A Bridge owns every live Session. A Session has a single reader goroutine
// for output, a single control goroutine for input and resizes, and a waiter
// that reports the exit exactly once:
//
//	b := bridge.New(bridge.WithLogger(logger))
//	s, err := b.Spawn(ctx, id, inv, bridge.DefaultSize)
//	prev := s.Attach(consumer) // consumer first receives the scrollback
//	_ = s.Write([]byte("hello\r"))
//	<-s.Done()
//
// Consumers are swapped without touching the process; a detached consumer
// may reattach later and pick up from the scrollback.
package bridge
