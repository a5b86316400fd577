package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/QurzEditer/talkcody/approval"
	"github.com/QurzEditer/talkcody/channel"
	"github.com/QurzEditer/talkcody/execution"
)

type sentMsg struct {
	target channel.Target
	text   string
	id     string
}

type editMsg struct {
	target    channel.Target
	messageID string
	text      string
}

type fakeSet struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	unsubCalls int
	handlers   []func(channel.Inbound)
	sends        []sentMsg
	edits        []editMsg
	nextID       int
	editFailures int
}

func (f *fakeSet) StartAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}

func (f *fakeSet) StopAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeSet) OnInbound(handler func(channel.Inbound)) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.unsubCalls++
			f.mu.Unlock()
		})
	}
}

func (f *fakeSet) SendMessage(ctx context.Context, target channel.Target, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("m%d", f.nextID)
	f.sends = append(f.sends, sentMsg{target: target, text: text, id: id})
	return id, nil
}

func (f *fakeSet) EditMessage(ctx context.Context, target channel.Target, messageID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editFailures > 0 {
		f.editFailures--
		return fmt.Errorf("edit temporarily unavailable")
	}
	f.edits = append(f.edits, editMsg{target: target, messageID: messageID, text: text})
	return nil
}

func (f *fakeSet) failNextEdit() {
	f.mu.Lock()
	f.editFailures++
	f.mu.Unlock()
}

func (f *fakeSet) emit(msg channel.Inbound) {
	f.mu.Lock()
	handlers := make([]func(channel.Inbound), len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (f *fakeSet) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sends))
	for i, s := range f.sends {
		out[i] = s.text
	}
	return out
}

func (f *fakeSet) sendsWith(substr string) []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMsg
	for _, s := range f.sends {
		if strings.Contains(s.text, substr) {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSet) editCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.edits)
}

func (f *fakeSet) allEdits() []editMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]editMsg(nil), f.edits...)
}

type fakeExecFeed struct {
	mu        sync.Mutex
	execs     map[string]execution.Execution
	listeners []func()
	unsubs    int
}

func newFakeExecFeed() *fakeExecFeed {
	return &fakeExecFeed{execs: make(map[string]execution.Execution)}
}

func (f *fakeExecFeed) Get(taskID string) (execution.Execution, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[taskID]
	return exec, ok
}

func (f *fakeExecFeed) Subscribe(listener func()) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, listener)
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.unsubs++
			f.mu.Unlock()
		})
	}
}

func (f *fakeExecFeed) set(exec execution.Execution) {
	f.mu.Lock()
	f.execs[exec.TaskID] = exec
	listeners := make([]func(), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (f *fakeExecFeed) tick() {
	f.mu.Lock()
	listeners := make([]func(), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

type fakeApprovalFeed struct {
	mu        sync.Mutex
	pending   map[string]approval.Item
	resolved  []approval.Decision
	listeners []func()
	unsubs    int
}

func newFakeApprovalFeed() *fakeApprovalFeed {
	return &fakeApprovalFeed{pending: make(map[string]approval.Item)}
}

func (f *fakeApprovalFeed) Pending() []approval.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]approval.Item, 0, len(f.pending))
	for _, item := range f.pending {
		out = append(out, item)
	}
	return out
}

func (f *fakeApprovalFeed) Resolve(id string, approved bool) (approval.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.pending[id]
	if !ok {
		return approval.Decision{}, fmt.Errorf("approval %q is not pending", id)
	}
	delete(f.pending, id)
	decision := approval.Decision{ItemID: id, TaskID: item.TaskID, Approved: approved}
	f.resolved = append(f.resolved, decision)
	return decision, nil
}

func (f *fakeApprovalFeed) Subscribe(listener func()) func() {
	f.mu.Lock()
	f.listeners = append(f.listeners, listener)
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.unsubs++
			f.mu.Unlock()
		})
	}
}

func (f *fakeApprovalFeed) add(item approval.Item) {
	f.mu.Lock()
	f.pending[item.ID] = item
	listeners := make([]func(), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (f *fakeApprovalFeed) remove(id string) {
	f.mu.Lock()
	delete(f.pending, id)
	listeners := make([]func(), len(f.listeners))
	copy(listeners, f.listeners)
	f.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (f *fakeApprovalFeed) decisions() []approval.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]approval.Decision(nil), f.resolved...)
}

type fakeRunner struct {
	mu        sync.Mutex
	n         int
	started   []string
	continued map[string][]string
	cancelled []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{continued: make(map[string][]string)}
}

func (f *fakeRunner) Start(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	id := fmt.Sprintf("task-%d", f.n)
	f.started = append(f.started, prompt)
	return id, nil
}

func (f *fakeRunner) Continue(ctx context.Context, taskID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continued[taskID] = append(f.continued[taskID], text)
	return nil
}

func (f *fakeRunner) Cancel(taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return nil
}

type fixture struct {
	svc    *Service
	set    *fakeSet
	execs  *fakeExecFeed
	appr   *fakeApprovalFeed
	runner *fakeRunner
}

func newFixture(t *testing.T, throttle time.Duration) *fixture {
	t.Helper()
	set := &fakeSet{}
	execs := newFakeExecFeed()
	appr := newFakeApprovalFeed()
	runner := newFakeRunner()
	svc, err := New(set, execs, appr, runner, Config{ThrottleInterval: throttle}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{svc: svc, set: set, execs: execs, appr: appr, runner: runner}
}

func (fx *fixture) start(t *testing.T) {
	t.Helper()
	if err := fx.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = fx.svc.Stop(context.Background()) })
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", desc)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var tgChat = channel.Target{ChannelID: "telegram", ChatID: "1"}

func (fx *fixture) inbound(text string) {
	fx.set.emit(channel.Inbound{ChannelID: tgChat.ChannelID, ChatID: tgChat.ChatID, MessageID: "in-1", Text: text, SentAt: time.Now()})
}

// newTask binds a fresh task session for the default chat and returns its id.
func (fx *fixture) newTask(t *testing.T, prompt string) string {
	t.Helper()
	fx.inbound("/task " + prompt)
	var taskID string
	waitFor(t, "session bound", func() bool {
		for _, info := range fx.svc.Sessions() {
			if info.Target == tgChat {
				taskID = info.TaskID
				return true
			}
		}
		return false
	})
	return taskID
}

func TestStartStopSubscriptionsExactlyOnce(t *testing.T) {
	fx := newFixture(t, time.Second)
	if err := fx.svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := fx.svc.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if fx.set.startCalls != 1 {
		t.Fatalf("startCalls = %d, want 1", fx.set.startCalls)
	}

	if err := fx.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := fx.svc.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	if fx.set.stopCalls != 1 {
		t.Fatalf("stopCalls = %d, want 1", fx.set.stopCalls)
	}
	if fx.set.unsubCalls != 1 {
		t.Fatalf("inbound unsubs = %d, want 1", fx.set.unsubCalls)
	}
	if fx.execs.unsubs != 1 {
		t.Fatalf("execution unsubs = %d, want 1", fx.execs.unsubs)
	}
	if fx.appr.unsubs != 1 {
		t.Fatalf("approval unsubs = %d, want 1", fx.appr.unsubs)
	}
	if fx.svc.Running() {
		t.Fatalf("Running() = true after Stop")
	}
}

func TestOutboundGuardWhileStopped(t *testing.T) {
	fx := newFixture(t, time.Second)

	id, err := fx.svc.send(context.Background(), tgChat, "hello")
	if err != nil {
		t.Fatalf("send() error = %v", err)
	}
	if id != "" {
		t.Fatalf("send() id = %q, want empty", id)
	}
	if err := fx.svc.edit(context.Background(), tgChat, "m1", "hello"); err != nil {
		t.Fatalf("edit() error = %v", err)
	}
	if len(fx.set.sentTexts()) != 0 || fx.set.editCount() != 0 {
		t.Fatalf("adapter was called while stopped")
	}
}

func TestStreamingFirstSendThenThrottledEdit(t *testing.T) {
	fx := newFixture(t, 100*time.Millisecond)
	fx.start(t)
	taskID := fx.newTask(t, "build the thing")

	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "hello"})
	waitFor(t, "first streaming send", func() bool {
		return len(fx.set.sendsWith("hello")) == 1
	})
	first := fx.set.sendsWith("hello")[0]

	// Edits within the throttle window are coalesced: only the latest
	// content is flushed, once, as an edit of the first message.
	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "hello wo"})
	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "hello wor"})
	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "hello world"})

	waitFor(t, "throttled edit", func() bool { return fx.set.editCount() == 1 })
	edits := fx.set.allEdits()
	if edits[0].messageID != first.id {
		t.Fatalf("edit messageID = %s, want %s", edits[0].messageID, first.id)
	}
	if edits[0].text != "hello world" {
		t.Fatalf("edit text = %q, want latest content", edits[0].text)
	}

	time.Sleep(150 * time.Millisecond)
	if got := fx.set.editCount(); got != 1 {
		t.Fatalf("edits = %d, want 1 (one per interval)", got)
	}
}

func TestTerminalNotificationExactlyOnce(t *testing.T) {
	fx := newFixture(t, 20*time.Millisecond)
	fx.start(t)
	taskID := fx.newTask(t, "finish fast")

	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "working"})
	waitFor(t, "streaming send", func() bool { return len(fx.set.sendsWith("working")) == 1 })

	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusCompleted, StreamingContent: "working done"})
	notice := "task " + taskID + " completed"
	waitFor(t, "terminal notice", func() bool { return len(fx.set.sendsWith(notice)) == 1 })

	// Repeated terminal ticks must not produce further notices.
	fx.execs.tick()
	fx.execs.tick()
	fx.execs.tick()
	time.Sleep(60 * time.Millisecond)
	if got := len(fx.set.sendsWith(notice)); got != 1 {
		t.Fatalf("terminal notices = %d, want 1", got)
	}

	// The final content flush is causally before the notice, and the
	// session is retired afterwards.
	waitFor(t, "session removed", func() bool { return len(fx.svc.Sessions()) == 0 })
	edits := fx.set.allEdits()
	if len(edits) == 0 || edits[len(edits)-1].text != "working done" {
		t.Fatalf("final flush missing, edits = %+v", edits)
	}
}

func TestTerminalNoticeSurvivesTransientFlushError(t *testing.T) {
	fx := newFixture(t, 10*time.Millisecond)
	fx.start(t)
	taskID := fx.newTask(t, "flaky network")

	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "partial"})
	waitFor(t, "streaming send", func() bool { return len(fx.set.sendsWith("partial")) == 1 })

	// The final content flush fails once; the buffer is retained and the
	// next feed ticks drive the flush and the notice to completion.
	fx.set.failNextEdit()
	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusCompleted, StreamingContent: "partial done"})

	notice := "task " + taskID + " completed"
	deadline := time.Now().Add(2 * time.Second)
	for len(fx.set.sendsWith(notice)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("terminal notice never sent after transient flush error")
		}
		fx.execs.tick()
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(fx.set.sendsWith(notice)); got != 1 {
		t.Fatalf("terminal notices = %d, want 1", got)
	}

	edits := fx.set.allEdits()
	if len(edits) == 0 || edits[len(edits)-1].text != "partial done" {
		t.Fatalf("buffered content not flushed after the failure, edits = %+v", edits)
	}
	waitFor(t, "session retired", func() bool { return len(fx.svc.Sessions()) == 0 })
}

func TestStopCancelsArmedTimers(t *testing.T) {
	fx := newFixture(t, 100*time.Millisecond)
	fx.start(t)
	taskID := fx.newTask(t, "slow burn")

	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "a"})
	waitFor(t, "first send", func() bool { return len(fx.set.sendsWith("a")) >= 1 })
	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning, StreamingContent: "ab"})

	if err := fx.svc.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := fx.set.editCount(); got != 0 {
		t.Fatalf("edits after Stop = %d, want 0", got)
	}
}

func TestInboundRoutesContinuationAndNewTask(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.start(t)

	// Bare text with no session starts a task.
	fx.inbound("summarize the logs")
	waitFor(t, "task started", func() bool {
		fx.runner.mu.Lock()
		defer fx.runner.mu.Unlock()
		return len(fx.runner.started) == 1 && fx.runner.started[0] == "summarize the logs"
	})
	waitFor(t, "session bound", func() bool { return len(fx.svc.Sessions()) == 1 })
	taskID := fx.svc.Sessions()[0].TaskID

	// Bare text with a live session continues it.
	fx.inbound("also check stderr")
	waitFor(t, "continuation", func() bool {
		fx.runner.mu.Lock()
		defer fx.runner.mu.Unlock()
		return len(fx.runner.continued[taskID]) == 1
	})

	// A new task replaces the session for the same chat.
	fx.inbound("/new different job")
	waitFor(t, "session replaced", func() bool {
		sessions := fx.svc.Sessions()
		return len(sessions) == 1 && sessions[0].TaskID != taskID
	})
}

func TestInboundCancelAndStatus(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.start(t)

	fx.inbound("/status")
	waitFor(t, "no task reply", func() bool { return len(fx.set.sendsWith("no active task")) == 1 })

	taskID := fx.newTask(t, "cancel me")
	fx.execs.set(execution.Execution{TaskID: taskID, Status: execution.StatusRunning})

	fx.inbound("/status")
	waitFor(t, "status reply", func() bool {
		return len(fx.set.sendsWith("task "+taskID+" running")) == 1
	})

	fx.inbound("/cancel")
	waitFor(t, "cancel routed", func() bool {
		fx.runner.mu.Lock()
		defer fx.runner.mu.Unlock()
		return len(fx.runner.cancelled) == 1 && fx.runner.cancelled[0] == taskID
	})
}

func TestApprovalRelayRoundTrip(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.start(t)
	taskID := fx.newTask(t, "edit some files")

	fx.appr.add(approval.Item{ID: "a1", TaskID: taskID, Path: "main.go", Summary: "tighten validation"})
	waitFor(t, "approval relayed", func() bool {
		return len(fx.set.sendsWith("approval a1 requested")) == 1 && fx.svc.RelayCount() == 1
	})
	body := fx.set.sendsWith("approval a1 requested")[0].text
	if !strings.Contains(body, "path: main.go") || !strings.Contains(body, "/approve a1") {
		t.Fatalf("relay body = %q", body)
	}

	fx.inbound("/approve a1")
	waitFor(t, "approval resolved", func() bool {
		decisions := fx.appr.decisions()
		return len(decisions) == 1 && decisions[0].ItemID == "a1" && decisions[0].Approved
	})
	waitFor(t, "confirmation reply", func() bool { return len(fx.set.sendsWith("approved a1")) == 1 })
	if fx.svc.RelayCount() != 0 {
		t.Fatalf("RelayCount() = %d, want 0", fx.svc.RelayCount())
	}
}

func TestApprovalResolvedElsewhereDropsSilently(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.start(t)
	taskID := fx.newTask(t, "edit some files")

	fx.appr.add(approval.Item{ID: "a1", TaskID: taskID, Path: "main.go"})
	waitFor(t, "approval relayed", func() bool { return fx.svc.RelayCount() == 1 })
	before := len(fx.set.sentTexts())

	fx.appr.remove("a1")
	waitFor(t, "relay dropped", func() bool { return fx.svc.RelayCount() == 0 })
	if got := len(fx.set.sentTexts()); got != before {
		t.Fatalf("sends after drop = %d, want %d (no extra message)", got, before)
	}
}

func TestStaleApprovalReply(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.start(t)

	fx.inbound("/approve zzz")
	waitFor(t, "stale reply", func() bool {
		return len(fx.set.sendsWith("approval zzz is no longer pending")) == 1
	})
}

func TestBareApproveResolvesSinglePending(t *testing.T) {
	fx := newFixture(t, time.Second)
	fx.start(t)
	taskID := fx.newTask(t, "edit some files")

	fx.appr.add(approval.Item{ID: "a1", TaskID: taskID, Path: "main.go"})
	waitFor(t, "approval relayed", func() bool { return fx.svc.RelayCount() == 1 })

	fx.inbound("reject")
	waitFor(t, "rejection recorded", func() bool {
		decisions := fx.appr.decisions()
		return len(decisions) == 1 && !decisions[0].Approved
	})
}
