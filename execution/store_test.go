package execution

import (
	"strings"
	"testing"
	"time"
)

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return now })

	if err := s.Begin("t1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	exec, ok := s.Get("t1")
	if !ok {
		t.Fatalf("Get() missing t1")
	}
	if exec.Status != StatusPending || !exec.StartedAt.Equal(now) {
		t.Fatalf("exec = %+v", exec)
	}

	if err := s.Begin("t1"); err == nil || !strings.Contains(err.Error(), "already tracked") {
		t.Fatalf("duplicate Begin() error = %v", err)
	}

	if err := s.SetStatus("t1", StatusRunning); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.AppendContent("t1", "hello\n"); err != nil {
		t.Fatalf("AppendContent() error = %v", err)
	}
	if err := s.AppendContent("t1", "world\n"); err != nil {
		t.Fatalf("AppendContent() error = %v", err)
	}
	exec, _ = s.Get("t1")
	if exec.StreamingContent != "hello\nworld\n" {
		t.Fatalf("content = %q", exec.StreamingContent)
	}

	if err := s.SetStatus("t1", StatusCompleted); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.SetStatus("t1", StatusFailed); err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("terminal SetStatus() error = %v", err)
	}

	s.Remove("t1")
	if _, ok := s.Get("t1"); ok {
		t.Fatalf("Get() found removed execution")
	}
}

func TestStoreRejectsUnknownTask(t *testing.T) {
	s := NewStore()
	if err := s.SetStatus("nope", StatusRunning); err == nil {
		t.Fatalf("SetStatus() error = nil, want not tracked")
	}
	if err := s.AppendContent("nope", "x"); err == nil {
		t.Fatalf("AppendContent() error = nil, want not tracked")
	}
	if err := s.SetStatus("nope", Status("bogus")); err == nil || !strings.Contains(err.Error(), "invalid") {
		t.Fatalf("SetStatus() error = %v, want invalid status", err)
	}
}

func TestStoreNotifiesOncePerMutation(t *testing.T) {
	s := NewStore()
	var ticks int
	unsub := s.Subscribe(func() { ticks++ })

	if err := s.Begin("t1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := s.SetStatus("t1", StatusRunning); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := s.AppendContent("t1", "chunk"); err != nil {
		t.Fatalf("AppendContent() error = %v", err)
	}
	if err := s.AppendContent("t1", ""); err != nil {
		t.Fatalf("AppendContent() error = %v", err)
	}
	if ticks != 3 {
		t.Fatalf("ticks = %d, want 3", ticks)
	}

	unsub()
	unsub() // second call is a no-op
	s.Remove("t1")
	if ticks != 3 {
		t.Fatalf("ticks after unsubscribe = %d, want 3", ticks)
	}
}

func TestStoreListenerRunsOutsideLock(t *testing.T) {
	s := NewStore()
	var seen Execution
	s.Subscribe(func() {
		// Re-entering the store from a listener must not deadlock.
		seen, _ = s.Get("t1")
	})
	if err := s.Begin("t1"); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if seen.TaskID != "t1" {
		t.Fatalf("listener saw %+v", seen)
	}
}

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}
