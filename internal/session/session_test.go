package session

import (
	"testing"
	"time"
)

func TestStateAdvancesForwardOnly(t *testing.T) {
	s := New("abc", RoleSender)
	if s.State() != StateInit {
		t.Fatalf("new session should be init, got %v", s.State())
	}
	s.MarkConnecting()
	s.MarkOpen()
	if s.State() != StateOpen {
		t.Fatalf("expected open, got %v", s.State())
	}
	// regressions are ignored
	s.MarkConnecting()
	if s.State() != StateOpen {
		t.Errorf("state went backwards to %v", s.State())
	}
	s.BeginClose()
	if s.State() != StateClosing {
		t.Errorf("expected closing, got %v", s.State())
	}
	_ = s.Close("done")
	if s.State() != StateClosed {
		t.Errorf("expected closed, got %v", s.State())
	}
	// terminal: no transition out of closed
	s.MarkOpen()
	if s.State() != StateClosed {
		t.Errorf("closed must be terminal, got %v", s.State())
	}
}

func TestIdleTimerFiresAndResets(t *testing.T) {
	s := New("abc", RoleSender)
	fired := make(chan struct{}, 1)
	s.StartIdleTimer(50*time.Millisecond, func() { fired <- struct{}{} })

	// activity inside the window defers expiry
	time.Sleep(30 * time.Millisecond)
	s.Touch()
	select {
	case <-fired:
		t.Fatal("idle timer fired despite recent activity")
	case <-time.After(30 * time.Millisecond):
	}
	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("idle timer never fired")
	}
}

func TestCloseStopsIdleTimer(t *testing.T) {
	s := New("abc", RoleSender)
	fired := make(chan struct{}, 1)
	s.StartIdleTimer(50*time.Millisecond, func() { fired <- struct{}{} })
	_ = s.Close("done")
	select {
	case <-fired:
		t.Fatal("idle timer fired after close")
	case <-time.After(120 * time.Millisecond):
	}
}

func TestCancelRunsOnClose(t *testing.T) {
	s := New("abc", RoleSender)
	cancelled := false
	s.SetCancel(func() { cancelled = true })
	_ = s.Close("done")
	if !cancelled {
		t.Error("per-session cancel did not run on close")
	}
}
