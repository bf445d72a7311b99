// Package executor runs queued tasks through a pluggable TaskExecutor with
// bounded concurrency, and records each task's lifecycle in the process
// store and on the event bus.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/events"
	"github.com/cocdev/coc/internal/events/bus"
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/process/store"
	"github.com/cocdev/coc/internal/queue"
)

var (
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("executor is already running")
	// ErrNotRunning is returned when Stop is called before Start.
	ErrNotRunning = errors.New("executor is not running")
)

const processIDPrefix = "queue-"

// ProcessIDForTask returns the tracking process id for a queue task.
func ProcessIDForTask(taskID string) string {
	return processIDPrefix + taskID
}

// Result is the outcome of one task execution attempt.
type Result struct {
	Success    bool
	Result     string
	Error      string
	DurationMs int64
	// SessionID is the AI session that served the task, when one was used.
	SessionID string
}

// TaskExecutor executes a single task. Execute blocks until the task
// finishes or ctx is cancelled; Cancel requests a non-blocking best-effort
// abort of the task's in-flight work.
type TaskExecutor interface {
	Execute(ctx context.Context, task *queue.Task) (*Result, error)
	Cancel(taskID string)
}

// Config holds executor tuning.
type Config struct {
	// MaxConcurrency caps simultaneously running tasks; <= 0 selects 1.
	MaxConcurrency int
	// TickInterval is the dispatch safety tick; <= 0 selects 2s. Queue
	// change events and worker completions wake dispatch immediately, the
	// tick only covers missed wakeups.
	TickInterval time.Duration
}

// Executor drains the queue manager through a TaskExecutor, enforcing
// maxConcurrency with a weighted semaphore. Terminal outcomes are written
// back to the queue, mirrored onto the tracking process, and published as
// queue.task.* lifecycle events.
type Executor struct {
	queue    *queue.Manager
	store    store.Store
	taskExec TaskExecutor
	bus      bus.EventBus
	cfg      Config
	logger   *logger.Logger

	sem  *semaphore.Weighted
	wake chan struct{}

	mu      sync.Mutex
	running bool
	active  map[string]context.CancelFunc
	stopCh  chan struct{}

	loopWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

// New creates an executor. The event bus may be nil to skip lifecycle
// publishing.
func New(q *queue.Manager, st store.Store, taskExec TaskExecutor, eventBus bus.EventBus, cfg Config, log *logger.Logger) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	e := &Executor{
		queue:    q,
		store:    st,
		taskExec: taskExec,
		bus:      eventBus,
		cfg:      cfg,
		logger:   log.WithComponent("executor"),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		wake:     make(chan struct{}, 1),
		active:   make(map[string]context.CancelFunc),
	}
	q.OnChange(func(queue.ChangeEvent) { e.nudge() })
	return e
}

// Start launches the dispatch loop. Cancelling ctx aborts in-flight
// executions; call Stop to wait for them.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info("Executor starting",
		zap.Int("max_concurrency", e.cfg.MaxConcurrency),
		zap.Duration("tick_interval", e.cfg.TickInterval))

	e.loopWG.Add(1)
	go e.dispatchLoop(ctx)
	return nil
}

// Stop ends dispatching and waits for in-flight workers to finish. Workers
// observe the Start context, so cancel it first for a prompt stop.
func (e *Executor) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.loopWG.Wait()
	e.workerWG.Wait()
	e.logger.Info("Executor stopped")
	return nil
}

// ActiveCount returns the number of tasks currently executing.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// CancelTask cancels a queued task immediately, or requests cancellation of
// a running one. Returns false for unknown or terminal tasks.
func (e *Executor) CancelTask(id string) bool {
	if !e.queue.CancelTask(id) {
		return false
	}
	// For a running task the manager left a tombstone; abort its work so
	// the worker returns promptly. Both calls are no-ops for queued tasks.
	e.cancelActive(id)
	e.taskExec.Cancel(id)
	return true
}

func (e *Executor) cancelActive(id string) {
	e.mu.Lock()
	cancel := e.active[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// nudge wakes the dispatch loop without blocking.
func (e *Executor) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) dispatchLoop(ctx context.Context) {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		e.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// dispatch starts queued tasks while capacity remains. A paused or empty
// queue yields no dispatch head and ends the pass.
func (e *Executor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		default:
		}

		head, ok := e.queue.NextQueued()
		if !ok {
			return
		}
		if !e.sem.TryAcquire(1) {
			return
		}
		task, ok := e.queue.MarkStarted(head.ID, ProcessIDForTask(head.ID))
		if !ok {
			// The head was cancelled or moved since the peek.
			e.sem.Release(1)
			continue
		}

		e.workerWG.Add(1)
		go e.runTask(ctx, task)
	}
}

func (e *Executor) runTask(ctx context.Context, task *queue.Task) {
	defer e.workerWG.Done()
	defer e.sem.Release(1)
	defer e.nudge()

	taskCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.active[task.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, task.ID)
		e.mu.Unlock()
		cancel()
	}()

	e.publishLifecycle(events.TaskStarted, task)

	res := e.executeWithRetry(taskCtx, task)

	// A cancellation tombstone overrides whatever the executor reported.
	if e.queue.ConsumeCancelled(task.ID) {
		e.queue.MarkCancelled(task.ID)
		e.finishProcess(task, models.StatusCancelled, res)
		e.publishLifecycle(events.TaskCancelled, task)
		return
	}

	if res.Success {
		e.queue.MarkCompleted(task.ID, res.Result)
		e.finishProcess(task, models.StatusCompleted, res)
		e.publishLifecycle(events.TaskCompleted, task)
		return
	}

	e.queue.MarkFailed(task.ID, res.Error)
	e.finishProcess(task, models.StatusFailed, res)
	e.publishLifecycle(events.TaskFailed, task)
}

// executeWithRetry runs the task, re-invoking Execute in place after the
// configured delay while attempts remain. The task never leaves running
// between attempts; cancellation aborts the loop.
func (e *Executor) executeWithRetry(ctx context.Context, task *queue.Task) *Result {
	res := e.execute(ctx, task)
	if res.Success || !task.Config.RetryOnFailure {
		return res
	}

	attempts := task.Config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := time.Duration(task.Config.RetryDelayMs) * time.Millisecond

	for attempt := 1; attempt <= attempts && !res.Success; attempt++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return res
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return res
		}

		e.queue.SetRetryCount(task.ID, attempt)
		task.RetryCount = attempt
		e.logger.Info("Retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.String("previous_error", res.Error))

		res = e.execute(ctx, task)
	}
	return res
}

// execute normalizes the TaskExecutor contract: an error return becomes a
// failed result, and a missing duration is measured here.
func (e *Executor) execute(ctx context.Context, task *queue.Task) *Result {
	start := time.Now()
	res, err := e.taskExec.Execute(ctx, task)
	if err != nil {
		return &Result{
			Success:    false,
			Error:      err.Error(),
			DurationMs: time.Since(start).Milliseconds(),
		}
	}
	if res == nil {
		res = &Result{Success: true}
	}
	if res.DurationMs == 0 {
		res.DurationMs = time.Since(start).Milliseconds()
	}
	return res
}

// finishProcess mirrors the task's terminal state onto its tracking process
// and delivers the output stream's completion event. Store failures are
// logged; they never block the queue transition.
func (e *Executor) finishProcess(task *queue.Task, status models.ProcessStatus, res *Result) {
	processID := task.ProcessID
	if processID == "" {
		processID = ProcessIDForTask(task.ID)
	}

	update := models.ProcessUpdate{Status: &status}
	if res.Result != "" {
		update.Result = &res.Result
	}
	if res.Error != "" {
		update.Error = &res.Error
	}
	if res.SessionID != "" {
		update.SDKSessionID = &res.SessionID
	}
	// The task context is already cancelled on the cancel path; the terminal
	// write still has to land.
	if _, err := e.store.UpdateProcess(context.Background(), processID, update); err != nil {
		e.logger.Warn("Failed to update tracking process",
			zap.String("process_id", processID),
			zap.Error(err))
	}
	e.store.EmitProcessComplete(processID, status, res.DurationMs)
}

func (e *Executor) publishLifecycle(subject string, task *queue.Task) {
	if e.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "executor", map[string]any{
		"taskId":      task.ID,
		"type":        string(task.Type),
		"priority":    string(task.Priority),
		"displayName": task.DisplayName,
		"processId":   task.ProcessID,
	})
	// Publishing must survive shutdown of the task's own context.
	if err := e.bus.Publish(context.Background(), subject, event); err != nil {
		e.logger.Warn("Failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
