package ratelimit

import (
	"testing"
	"time"
)

func TestAllowBlocksAfterMaxEvents(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("peer-a") {
			t.Fatalf("event %d unexpectedly blocked", i)
		}
	}
	if l.Allow("peer-a") {
		t.Fatal("expected the 4th event within the window to be blocked")
	}
}

func TestAllowIsPerKey(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("peer-a") {
		t.Fatal("first event for peer-a should be allowed")
	}
	if !l.Allow("peer-b") {
		t.Fatal("peer-b should have its own independent budget")
	}
	if l.Allow("peer-a") {
		t.Fatal("peer-a should now be rate limited")
	}
}

func TestAllowRecoversAfterWindow(t *testing.T) {
	l := New(1, 20*time.Millisecond)
	if !l.Allow("peer-a") {
		t.Fatal("first event should be allowed")
	}
	if l.Allow("peer-a") {
		t.Fatal("second immediate event should be blocked")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("peer-a") {
		t.Fatal("event after the window elapsed should be allowed again")
	}
}

func TestResetClearsKey(t *testing.T) {
	l := New(1, time.Minute)
	l.Allow("peer-a")
	l.Reset("peer-a")
	if !l.Allow("peer-a") {
		t.Fatal("expected Reset to clear the recorded events for the key")
	}
}

func TestRemaining(t *testing.T) {
	l := New(2, time.Minute)
	if got := l.Remaining("peer-a"); got != 2 {
		t.Fatalf("Remaining before any events = %d, want 2", got)
	}
	l.Allow("peer-a")
	if got := l.Remaining("peer-a"); got != 1 {
		t.Fatalf("Remaining after one event = %d, want 1", got)
	}
}
