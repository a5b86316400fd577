package execution

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store is the execution feed: a process-wide table of active task
// executions with change subscriptions. Listeners are invoked after the
// store lock is released, once per mutation.
type Store struct {
	mu        sync.Mutex
	execs     map[string]Execution
	listeners map[int]func()
	nextSub   int
	nowFn     func() time.Time
}

func NewStore() *Store {
	return &Store{
		execs:     make(map[string]Execution),
		listeners: make(map[int]func()),
		nowFn:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.nowFn = now
	}
}

// Subscribe registers a change listener and returns its unsubscribe.
func (s *Store) Subscribe(listener func()) func() {
	if listener == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Get returns the execution bound to taskID.
func (s *Store) Get(taskID string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[taskID]
	return exec, ok
}

// Snapshot returns a copy of every tracked execution.
func (s *Store) Snapshot() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.execs))
	for _, exec := range s.execs {
		out = append(out, exec)
	}
	return out
}

// Begin registers a new execution in pending state.
func (s *Store) Begin(taskID string) error {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	if _, ok := s.execs[taskID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q is already tracked", taskID)
	}
	now := s.nowFn().UTC()
	s.execs[taskID] = Execution{TaskID: taskID, Status: StatusPending, StartedAt: now, UpdatedAt: now}
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetStatus moves an execution to the given status. Terminal executions
// stay in the table so late subscribers can observe the final state; the
// bridge removes its own session when it acknowledges the terminal tick.
func (s *Store) SetStatus(taskID string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("status %q is invalid", status)
	}
	s.mu.Lock()
	exec, ok := s.execs[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q is not tracked", taskID)
	}
	if exec.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %q is already terminal", taskID)
	}
	exec.Status = status
	exec.UpdatedAt = s.nowFn().UTC()
	s.execs[taskID] = exec
	s.mu.Unlock()
	s.notify()
	return nil
}

// AppendContent appends streamed text to an execution.
func (s *Store) AppendContent(taskID, chunk string) error {
	if chunk == "" {
		return nil
	}
	s.mu.Lock()
	exec, ok := s.execs[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q is not tracked", taskID)
	}
	exec.StreamingContent += chunk
	exec.UpdatedAt = s.nowFn().UTC()
	s.execs[taskID] = exec
	s.mu.Unlock()
	s.notify()
	return nil
}

// Remove drops an execution from the table.
func (s *Store) Remove(taskID string) {
	s.mu.Lock()
	_, ok := s.execs[taskID]
	delete(s.execs, taskID)
	s.mu.Unlock()
	if ok {
		s.notify()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	listeners := make([]func(), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}
