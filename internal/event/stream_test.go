package event

import (
	"sync"
	"testing"
)

func TestStream_PublishAndReceive(t *testing.T) {
	s := NewStream(4)

	s.Publish(NewLockReclaimedEvent("/repo/.worktrees/a", 42, "host"))
	s.Publish(NewWorktreeEvent("creating", "/repo/.worktrees/a", "a", "absent", "creating"))

	got := <-s.Events()
	if got.EventType() != "lock.reclaimed" {
		t.Errorf("first event = %q, want lock.reclaimed", got.EventType())
	}
	got = <-s.Events()
	if got.EventType() != "worktree.creating" {
		t.Errorf("second event = %q, want worktree.creating", got.EventType())
	}
	if got.Timestamp().IsZero() {
		t.Error("Timestamp() should be set")
	}
}

func TestStream_DropsWhenFull(t *testing.T) {
	s := NewStream(2)

	for i := 0; i < 5; i++ {
		s.Publish(newBaseEvent("test.event"))
	}

	if s.Dropped() != 3 {
		t.Errorf("Dropped() = %d, want 3", s.Dropped())
	}
	if len(s.Events()) != 2 {
		t.Errorf("buffered = %d, want 2", len(s.Events()))
	}
}

func TestStream_PreservesOrder(t *testing.T) {
	s := NewStream(100)
	for i := 0; i < 100; i++ {
		s.Publish(NewSessionStartedEvent(string(rune('a'+i%26)), "demo", "b", "/w"))
	}
	s.Close()

	i := 0
	for e := range s.Events() {
		started := e.(SessionStartedEvent)
		if want := string(rune('a' + i%26)); started.SessionID != want {
			t.Fatalf("event %d SessionID = %q, want %q", i, started.SessionID, want)
		}
		i++
	}
	if i != 100 {
		t.Errorf("received %d events, want 100", i)
	}
}

func TestStream_CloseIsIdempotentAndDropsLatePublishes(t *testing.T) {
	s := NewStream(1)
	s.Close()
	s.Close()

	s.Publish(newBaseEvent("late.event"))
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
	if _, ok := <-s.Events(); ok {
		t.Error("Events() should be closed")
	}
}

func TestStream_ConcurrentPublishAndClose(t *testing.T) {
	s := NewStream(8)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Publish(newBaseEvent("test.event"))
			}
		}()
	}

	go func() {
		for range s.Events() {
		}
	}()

	wg.Wait()
	s.Close()
}

func TestSessionFinishedEvent_Type(t *testing.T) {
	code := 0
	tests := []struct {
		kind string
		want string
	}{
		{"exited", "session.finished"},
		{"failed", "session.finished"},
		{"orphaned", "session.orphaned"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			e := NewSessionFinishedEvent("id", tt.kind, &code, "")
			if e.EventType() != tt.want {
				t.Errorf("EventType() = %q, want %q", e.EventType(), tt.want)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic or block.
	Discard.Publish(newBaseEvent("test.event"))
}
