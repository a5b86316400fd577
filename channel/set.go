package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Set routes outbound calls to the adapter owning the target channel and
// fans inbound messages from every adapter into registered handlers.
type Set struct {
	logger *slog.Logger

	mu       sync.Mutex
	adapters map[string]Adapter
	order    []string
	handlers map[int]func(Inbound)
	nextSub  int
	started  bool
}

func NewSet(logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		logger:   logger,
		adapters: make(map[string]Adapter),
		handlers: make(map[int]func(Inbound)),
	}
}

// Register adds an adapter to the set. Registration after StartAll is an error.
func (s *Set) Register(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is required")
	}
	id := a.ID()
	if id == "" {
		return fmt.Errorf("adapter id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("adapter set is already started")
	}
	if _, ok := s.adapters[id]; ok {
		return fmt.Errorf("adapter %q is already registered", id)
	}
	s.adapters[id] = a
	s.order = append(s.order, id)
	a.SetInboundHandler(s.dispatchInbound)
	return nil
}

// StartAll starts every adapter in registration order. On failure the
// adapters already started are stopped again so the set never half-starts.
func (s *Set) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	order := append([]string(nil), s.order...)
	adapters := make(map[string]Adapter, len(s.adapters))
	for id, a := range s.adapters {
		adapters[id] = a
	}
	s.mu.Unlock()

	var started []Adapter
	for _, id := range order {
		a := adapters[id]
		if err := a.Start(ctx); err != nil {
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					s.logger.Warn("channel_stop_error", "channel", started[i].ID(), "error", stopErr.Error())
				}
			}
			return fmt.Errorf("start channel %q: %w", id, err)
		}
		started = append(started, a)
		s.logger.Info("channel_started", "channel", id)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// StopAll stops every adapter. Errors are aggregated; every adapter gets a
// stop attempt regardless of earlier failures.
func (s *Set) StopAll(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	order := append([]string(nil), s.order...)
	adapters := make(map[string]Adapter, len(s.adapters))
	for id, a := range s.adapters {
		adapters[id] = a
	}
	s.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if err := adapters[id].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop channel %q: %w", id, err))
			continue
		}
		s.logger.Info("channel_stopped", "channel", id)
	}
	return errors.Join(errs...)
}

// OnInbound registers a handler for inbound messages from all adapters and
// returns its unsubscribe.
func (s *Set) OnInbound(handler func(Inbound)) func() {
	if handler == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Set) SendMessage(ctx context.Context, target Target, text string) (string, error) {
	a, err := s.adapterFor(target.ChannelID)
	if err != nil {
		return "", err
	}
	return a.SendMessage(ctx, target.ChatID, text)
}

func (s *Set) EditMessage(ctx context.Context, target Target, messageID, text string) error {
	a, err := s.adapterFor(target.ChannelID)
	if err != nil {
		return err
	}
	return a.EditMessage(ctx, target.ChatID, messageID, text)
}

func (s *Set) adapterFor(channelID string) (Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.adapters[channelID]
	if !ok {
		return nil, fmt.Errorf("unknown channel %q", channelID)
	}
	return a, nil
}

func (s *Set) dispatchInbound(msg Inbound) {
	s.mu.Lock()
	handlers := make([]func(Inbound), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}
