package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/QurzEditer/talkcody/approval"
	"github.com/QurzEditer/talkcody/channel"
	"github.com/QurzEditer/talkcody/execution"
)

// AdapterSet is the outbound and inbound surface of the channel layer.
type AdapterSet interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	OnInbound(handler func(channel.Inbound)) func()
	SendMessage(ctx context.Context, target channel.Target, text string) (string, error)
	EditMessage(ctx context.Context, target channel.Target, messageID, text string) error
}

// ExecutionFeed is the subscribe+lookup surface of the execution store.
type ExecutionFeed interface {
	Get(taskID string) (execution.Execution, bool)
	Subscribe(listener func()) func()
}

// ApprovalFeed is the subscribe+lookup surface of the approval store.
type ApprovalFeed interface {
	Pending() []approval.Item
	Resolve(id string, approved bool) (approval.Decision, error)
	Subscribe(listener func()) func()
}

// TaskRunner starts, continues and cancels task executions.
type TaskRunner interface {
	Start(ctx context.Context, prompt string) (string, error)
	Continue(ctx context.Context, taskID, text string) error
	Cancel(taskID string) error
}

type Config struct {
	// ThrottleInterval bounds streaming edits to one per session per
	// interval. Defaults to one second.
	ThrottleInterval time.Duration
}

// relayEntry maps a pending approval item to the remote message presenting
// it, so an inbound reply resolves exactly one approval.
type relayEntry struct {
	target    channel.Target
	taskID    string
	messageID string
}

// Service is the bridge core: it owns the session registry, the streaming
// reconciler, the inbound router and the approval relay, and controls their
// shared lifecycle.
type Service struct {
	set       AdapterSet
	execs     ExecutionFeed
	approvals ApprovalFeed
	runner    TaskRunner
	logger    *slog.Logger
	throttle  time.Duration
	nowFn     func() time.Time

	mu       sync.Mutex
	running  bool
	unsubs   []func()
	sessions map[channel.Target]*session
	relays   map[string]*relayEntry
}

func New(set AdapterSet, execs ExecutionFeed, approvals ApprovalFeed, runner TaskRunner, cfg Config, logger *slog.Logger) (*Service, error) {
	if set == nil {
		return nil, fmt.Errorf("adapter set is required")
	}
	if execs == nil {
		return nil, fmt.Errorf("execution feed is required")
	}
	if approvals == nil {
		return nil, fmt.Errorf("approval feed is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		set:       set,
		execs:     execs,
		approvals: approvals,
		runner:    runner,
		logger:    logger,
		throttle:  cfg.ThrottleInterval,
		nowFn:     time.Now,
		sessions:  make(map[channel.Target]*session),
		relays:    make(map[string]*relayEntry),
	}, nil
}

// Start brings the bridge up: adapters first, then the three subscriptions.
// If adapter startup fails nothing is subscribed. Calling Start on a
// running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.set.StartAll(ctx); err != nil {
		return fmt.Errorf("start adapters: %w", err)
	}
	s.unsubs = []func(){
		s.set.OnInbound(s.onInbound),
		s.execs.Subscribe(s.onExecutionTick),
		s.approvals.Subscribe(s.onApprovalTick),
	}
	s.running = true
	s.logger.Info("bridge_start", "throttle_interval", s.throttle.String())
	return nil
}

// Stop is idempotent. Subscriptions and throttle timers are torn down
// before the adapter set is stopped, so no handler fires against a
// half-stopped adapter.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	unsubs := s.unsubs
	s.unsubs = nil
	for _, sess := range s.sessions {
		sess.cancelTimer()
	}
	s.sessions = make(map[channel.Target]*session)
	s.relays = make(map[string]*relayEntry)
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if err := s.set.StopAll(ctx); err != nil {
		return fmt.Errorf("stop adapters: %w", err)
	}
	s.logger.Info("bridge_stop")
	return nil
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Sessions returns a snapshot of every live session.
func (s *Service) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.snapshot())
	}
	return out
}

// RelayCount returns the number of approval relay entries currently tracked.
func (s *Service) RelayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.relays)
}

// send is the guarded outbound path: while the service is not running it
// returns an empty message id without touching the adapter, so timer races
// after Stop are harmless.
func (s *Service) send(ctx context.Context, target channel.Target, text string) (string, error) {
	if !s.Running() {
		return "", nil
	}
	return s.set.SendMessage(ctx, target, text)
}

func (s *Service) edit(ctx context.Context, target channel.Target, messageID, text string) error {
	if !s.Running() {
		return nil
	}
	return s.set.EditMessage(ctx, target, messageID, text)
}

// reply sends a plain response to a chat, logging instead of propagating
// failures.
func (s *Service) reply(target channel.Target, text string) {
	if _, err := s.send(context.Background(), target, text); err != nil {
		s.logger.Warn("bridge_send_error", "target", target.String(), "error", err.Error())
	}
}

// removeSessionLocked drops a session and its armed timer.
func (s *Service) removeSessionLocked(target channel.Target) {
	if sess, ok := s.sessions[target]; ok {
		sess.cancelTimer()
		delete(s.sessions, target)
	}
}
