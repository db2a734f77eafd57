// Package event carries engine notifications to observers.
//
// Components publish into a [Stream], a bounded channel that never blocks the
// publisher: when the buffer is full the event is dropped and counted. This
// keeps lock acquisition, pty reads and registry writes independent of how
// fast (or whether) anyone is listening.
//
// # Event Type Naming Convention
//
// Event types follow the pattern "category.action":
//   - lock.reclaimed
//   - worktree.creating, worktree.created, worktree.repairing, worktree.repaired,
//     worktree.removing, worktree.removed
//   - session.started, session.finished, session.orphaned
//   - bridge.attached, bridge.detached, bridge.exited
//
// # Basic Usage
//
//	stream := event.NewStream(256)
//	defer stream.Close()
//
//	go func() {
//	    for e := range stream.Events() {
//	        log.Printf("%s at %v", e.EventType(), e.Timestamp())
//	    }
//	}()
//
//	stream.Publish(event.NewLockReclaimedEvent("/repo/.worktrees/x", 4242, "host"))
package event
