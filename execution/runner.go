package execution

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/QurzEditer/talkcody/internal/worker"
)

// Engine launches one task process per prompt.
type Engine interface {
	Launch(ctx context.Context, prompt string) (Process, error)
}

// Process is a running task: a line-oriented stdout stream plus a stdin
// channel for follow-up input.
type Process interface {
	Output() io.Reader
	Send(text string) error
	Kill() error
	Wait() error
}

// CommandEngine runs a configured argv per task, with the prompt appended
// as the final argument. Stdin stays open for follow-up input.
type CommandEngine struct {
	Argv []string
}

func (e CommandEngine) Launch(ctx context.Context, prompt string) (Process, error) {
	if len(e.Argv) == 0 {
		return nil, fmt.Errorf("engine argv is required")
	}
	args := append(append([]string(nil), e.Argv[1:]...), prompt)
	cmd := exec.CommandContext(ctx, e.Argv[0], args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return &cmdProcess{cmd: cmd, stdout: stdout, stdin: stdin}, nil
}

type cmdProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stdin  io.WriteCloser
	sendMu sync.Mutex
}

func (p *cmdProcess) Output() io.Reader { return p.stdout }

func (p *cmdProcess) Send(text string) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	_, err := io.WriteString(p.stdin, text+"\n")
	return err
}

func (p *cmdProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *cmdProcess) Wait() error { return p.cmd.Wait() }

// RunnerConfig bounds and shapes task execution.
type RunnerConfig struct {
	MaxConcurrent int
	QueueSize     int
}

type launchJob struct {
	taskID string
	prompt string
}

// Runner starts engine processes for prompts, streams their stdout into
// the execution store, and maps process exit onto a terminal status.
type Runner struct {
	engine Engine
	store  *Store
	logger *slog.Logger

	workersCtx context.Context
	cancelAll  context.CancelFunc
	jobs       chan launchJob
	wg         sync.WaitGroup

	mu    sync.Mutex
	procs map[string]*trackedProc
}

type trackedProc struct {
	proc      Process
	cancelled bool
}

func NewRunner(engine Engine, store *Store, cfg RunnerConfig, logger *slog.Logger) (*Runner, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		engine:     engine,
		store:      store,
		logger:     logger,
		workersCtx: ctx,
		cancelAll:  cancel,
		jobs:       make(chan launchJob, cfg.QueueSize),
		procs:      make(map[string]*trackedProc),
	}
	sem := make(chan struct{}, cfg.MaxConcurrent)
	for i := 0; i < cfg.MaxConcurrent; i++ {
		r.wg.Add(1)
		worker.Start(worker.StartOptions[launchJob]{
			Ctx:    ctx,
			Sem:    sem,
			Jobs:   r.jobs,
			Handle: r.run,
			Done:   r.wg.Done,
		})
	}
	return r, nil
}

// Start queues a new task and returns its id. The execution appears in the
// store as pending immediately; it moves to running once a worker picks
// it up and the process launches.
func (r *Runner) Start(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	taskID := uuid.NewString()
	if err := r.store.Begin(taskID); err != nil {
		return "", err
	}
	if err := worker.Enqueue(ctx, r.workersCtx, r.jobs, launchJob{taskID: taskID, prompt: prompt}); err != nil {
		_ = r.store.SetStatus(taskID, StatusFailed)
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	r.logger.Info("task_queued", "task_id", taskID)
	return taskID, nil
}

// Continue feeds follow-up text to a running task's stdin.
func (r *Runner) Continue(ctx context.Context, taskID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("text is required")
	}
	r.mu.Lock()
	tracked, ok := r.procs[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q is not running", taskID)
	}
	if err := tracked.proc.Send(text); err != nil {
		return fmt.Errorf("send to task %s: %w", taskID, err)
	}
	r.logger.Info("task_continued", "task_id", taskID)
	return nil
}

// Cancel kills a running task. The exit is reported as cancelled rather
// than failed.
func (r *Runner) Cancel(taskID string) error {
	r.mu.Lock()
	tracked, ok := r.procs[taskID]
	if ok {
		tracked.cancelled = true
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %q is not running", taskID)
	}
	if err := tracked.proc.Kill(); err != nil {
		return fmt.Errorf("kill task %s: %w", taskID, err)
	}
	r.logger.Info("task_cancelled", "task_id", taskID)
	return nil
}

// Close stops the workers. Running processes are killed.
func (r *Runner) Close() {
	r.cancelAll()
	r.mu.Lock()
	procs := make([]*trackedProc, 0, len(r.procs))
	for _, p := range r.procs {
		p.cancelled = true
		procs = append(procs, p)
	}
	r.mu.Unlock()
	for _, p := range procs {
		_ = p.proc.Kill()
	}
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, job launchJob) {
	proc, err := r.engine.Launch(ctx, job.prompt)
	if err != nil {
		r.logger.Error("task_launch_error", "task_id", job.taskID, "error", err.Error())
		_ = r.store.SetStatus(job.taskID, StatusFailed)
		return
	}
	tracked := &trackedProc{proc: proc}
	r.mu.Lock()
	r.procs[job.taskID] = tracked
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.procs, job.taskID)
		r.mu.Unlock()
	}()

	if err := r.store.SetStatus(job.taskID, StatusRunning); err != nil {
		r.logger.Warn("task_status_error", "task_id", job.taskID, "error", err.Error())
	}
	r.logger.Info("task_started", "task_id", job.taskID)

	scanner := bufio.NewScanner(proc.Output())
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if err := r.store.AppendContent(job.taskID, line+"\n"); err != nil {
			r.logger.Warn("task_stream_error", "task_id", job.taskID, "error", err.Error())
		}
	}

	waitErr := proc.Wait()
	r.mu.Lock()
	cancelled := tracked.cancelled
	r.mu.Unlock()

	status := StatusCompleted
	switch {
	case cancelled:
		status = StatusCancelled
	case waitErr != nil:
		status = StatusFailed
	}
	if err := r.store.SetStatus(job.taskID, status); err != nil {
		r.logger.Warn("task_status_error", "task_id", job.taskID, "error", err.Error())
	}
	r.logger.Info("task_finished", "task_id", job.taskID, "status", string(status))
}
