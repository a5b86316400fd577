package approval

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Item is one pending approval request raised by a task: typically a file
// change waiting for a human decision.
type Item struct {
	ID        string
	TaskID    string
	Path      string
	Summary   string
	Diff      string
	CreatedAt time.Time
}

// Decision records how a pending item was resolved.
type Decision struct {
	ItemID     string
	TaskID     string
	Approved   bool
	ResolvedAt time.Time
}

// Store tracks pending approval items and their decisions. Listeners are
// invoked after the store lock is released, once per mutation.
type Store struct {
	mu        sync.Mutex
	pending   map[string]Item
	decisions []Decision
	listeners map[int]func()
	nextSub   int
	nowFn     func() time.Time
}

func NewStore() *Store {
	return &Store{
		pending:   make(map[string]Item),
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

// Add registers a pending item. The item id must be unique among pending
// items.
func (s *Store) Add(item Item) error {
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("item id is required")
	}
	if strings.TrimSpace(item.TaskID) == "" {
		return fmt.Errorf("task id is required")
	}
	s.mu.Lock()
	if _, ok := s.pending[item.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("approval %q is already pending", item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.nowFn().UTC()
	}
	s.pending[item.ID] = item
	s.mu.Unlock()
	s.notify()
	return nil
}

// Get returns a pending item by id.
func (s *Store) Get(id string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.pending[id]
	return item, ok
}

// Pending returns all pending items, oldest first.
func (s *Store) Pending() []Item {
	s.mu.Lock()
	out := make([]Item, 0, len(s.pending))
	for _, item := range s.pending {
		out = append(out, item)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resolve removes a pending item and records the decision. Resolving an
// unknown or already resolved item is an error.
func (s *Store) Resolve(id string, approved bool) (Decision, error) {
	s.mu.Lock()
	item, ok := s.pending[id]
	if !ok {
		s.mu.Unlock()
		return Decision{}, fmt.Errorf("approval %q is not pending", id)
	}
	delete(s.pending, id)
	decision := Decision{
		ItemID:     id,
		TaskID:     item.TaskID,
		Approved:   approved,
		ResolvedAt: s.nowFn().UTC(),
	}
	s.decisions = append(s.decisions, decision)
	s.mu.Unlock()
	s.notify()
	return decision, nil
}

// Decisions returns every recorded decision in resolution order.
func (s *Store) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.decisions...)
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
