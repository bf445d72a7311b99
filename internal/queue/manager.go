package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/common/stringutil"
)

const defaultMaxHistory = 100

// ChangeType labels a queue change notification.
type ChangeType string

const (
	ChangeEnqueued       ChangeType = "enqueued"
	ChangeStarted        ChangeType = "started"
	ChangeCompleted      ChangeType = "completed"
	ChangeFailed         ChangeType = "failed"
	ChangeCancelled      ChangeType = "cancelled"
	ChangeMoved          ChangeType = "moved"
	ChangePaused         ChangeType = "paused"
	ChangeResumed        ChangeType = "resumed"
	ChangeCleared        ChangeType = "cleared"
	ChangeHistoryCleared ChangeType = "history-cleared"
)

// ChangeEvent describes a single queue state change.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	TaskID string     `json:"taskId,omitempty"`
	Count  int        `json:"count,omitempty"`
}

// ChangeHandler observes queue change events. Handlers run synchronously on
// the mutating goroutine, after the manager mutex is released, in
// registration order.
type ChangeHandler func(ChangeEvent)

// Stats is a point-in-time summary of queue state. Terminal tallies count
// what is currently retained in history.
type Stats struct {
	Queued       int  `json:"queued"`
	Running      int  `json:"running"`
	Completed    int  `json:"completed"`
	Failed       int  `json:"failed"`
	Cancelled    int  `json:"cancelled"`
	Paused       bool `json:"paused"`
	MaxQueueSize int  `json:"maxQueueSize"`
	HistorySize  int  `json:"historySize"`
}

// Manager owns all queue state: three FIFO priority bands forming the queued
// order, the running set, a bounded history of terminal tasks, the paused
// flag, and cancellation tombstones for in-flight tasks.
type Manager struct {
	mu         sync.Mutex
	high       []*Task
	normal     []*Task
	low        []*Task
	running    map[string]*Task
	history    []*Task // oldest first, bounded by maxHistory
	cancelled  map[string]bool
	paused     bool
	maxSize    int
	maxHistory int
	handlers   []ChangeHandler
	logger     *logger.Logger
}

// NewManager creates a queue manager. maxSize 0 means unlimited;
// maxHistory <= 0 selects the default of 100.
func NewManager(maxSize, maxHistory int, log *logger.Logger) *Manager {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Manager{
		running:    make(map[string]*Task),
		cancelled:  make(map[string]bool),
		maxSize:    maxSize,
		maxHistory: maxHistory,
		logger:     log.WithComponent("queue"),
	}
}

// OnChange registers a change observer.
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// notify invokes handlers outside the mutex. Callers pass the handler
// snapshot taken while the lock was held.
func (m *Manager) notify(handlers []ChangeHandler, ev ChangeEvent) {
	for _, h := range handlers {
		h(ev)
	}
}

// Enqueue validates the request, creates the task, and appends it to its
// priority band. Returns ErrQueueFull when maxSize would be exceeded.
func (m *Manager) Enqueue(req EnqueueRequest) (*Task, error) {
	if !ValidTaskType(req.Type) {
		return nil, ErrInvalidTaskType
	}
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	if !ValidPriority(priority) {
		return nil, ErrInvalidPriority
	}

	now := time.Now()
	task := &Task{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Priority:    priority,
		Status:      StatusQueued,
		CreatedAt:   now.UnixMilli(),
		DisplayName: req.DisplayName,
		Payload:     req.Payload.clone(),
		Config:      req.Config,
	}
	if stringutil.IsBlank(task.DisplayName) {
		task.DisplayName = deriveDisplayName(task.Type, task.Payload, now)
	}

	m.mu.Lock()
	if m.maxSize > 0 && m.queuedLenLocked() >= m.maxSize {
		m.mu.Unlock()
		return nil, ErrQueueFull
	}
	switch priority {
	case PriorityHigh:
		m.high = append(m.high, task)
	case PriorityLow:
		m.low = append(m.low, task)
	default:
		m.normal = append(m.normal, task)
	}
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.String("priority", string(priority)))
	m.notify(handlers, ChangeEvent{Type: ChangeEnqueued, TaskID: task.ID})
	return task.Clone(), nil
}

// Queued returns the queued tasks in dispatch order: high, then normal,
// then low, FIFO within each band.
func (m *Manager) Queued() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queuedLocked()
}

// Running returns the running tasks ordered by start time.
func (m *Manager) Running() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Task, 0, len(m.running))
	for _, t := range m.running {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns the retained terminal tasks, oldest first.
func (m *Manager) History() []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Task, 0, len(m.history))
	for _, t := range m.history {
		out = append(out, t.Clone())
	}
	return out
}

// Stats returns a snapshot of queue counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Queued:       m.queuedLenLocked(),
		Running:      len(m.running),
		Paused:       m.paused,
		MaxQueueSize: m.maxSize,
		HistorySize:  len(m.history),
	}
	for _, t := range m.history {
		switch t.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s
}

// Task finds a task by id across queued, running, and history.
func (m *Manager) Task(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, _, _ := m.findQueuedLocked(id); t != nil {
		return t.Clone(), true
	}
	if t, ok := m.running[id]; ok {
		return t.Clone(), true
	}
	for _, t := range m.history {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return nil, false
}

// Position returns the task's index in the queued order, or -1 when the
// task is not queued.
func (m *Manager) Position(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := 0
	for _, band := range [][]*Task{m.high, m.normal, m.low} {
		for _, t := range band {
			if t.ID == id {
				return pos
			}
			pos++
		}
	}
	return -1
}

// Paused reports whether dispatch is paused.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// NextQueued returns the dispatch head: the FIFO head of the highest
// non-empty band. Returns false when the queue is paused or empty.
func (m *Manager) NextQueued() (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused {
		return nil, false
	}
	for _, band := range [][]*Task{m.high, m.normal, m.low} {
		if len(band) > 0 {
			return band[0].Clone(), true
		}
	}
	return nil, false
}

// CancelTask cancels a queued task immediately, or tombstones a running one
// so the executor reports cancelled on return. Returns false for unknown or
// terminal tasks.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()

	if task, band, idx := m.findQueuedLocked(id); task != nil {
		*band = append((*band)[:idx], (*band)[idx+1:]...)
		task.Status = StatusCancelled
		task.CompletedAt = time.Now().UnixMilli()
		m.pushHistoryLocked(task)
		handlers := m.handlersLocked()
		m.mu.Unlock()

		m.logger.Info("Queued task cancelled", zap.String("task_id", id))
		m.notify(handlers, ChangeEvent{Type: ChangeCancelled, TaskID: id})
		return true
	}

	if _, ok := m.running[id]; ok {
		m.cancelled[id] = true
		m.mu.Unlock()
		m.logger.Info("Running task marked for cancellation", zap.String("task_id", id))
		return true
	}

	m.mu.Unlock()
	return false
}

// ConsumeCancelled atomically checks and clears the cancellation tombstone
// for id.
func (m *Manager) ConsumeCancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelled[id] {
		delete(m.cancelled, id)
		return true
	}
	return false
}

// MoveToTop moves a queued task to the front of its priority band.
func (m *Manager) MoveToTop(id string) bool {
	return m.reorder(id, func(band []*Task, idx int) bool {
		if idx == 0 {
			return false
		}
		task := band[idx]
		copy(band[1:idx+1], band[:idx])
		band[0] = task
		return true
	})
}

// MoveUp swaps a queued task with its predecessor in the same band.
func (m *Manager) MoveUp(id string) bool {
	return m.reorder(id, func(band []*Task, idx int) bool {
		if idx == 0 {
			return false
		}
		band[idx-1], band[idx] = band[idx], band[idx-1]
		return true
	})
}

// MoveDown swaps a queued task with its successor in the same band.
func (m *Manager) MoveDown(id string) bool {
	return m.reorder(id, func(band []*Task, idx int) bool {
		if idx == len(band)-1 {
			return false
		}
		band[idx], band[idx+1] = band[idx+1], band[idx]
		return true
	})
}

// reorder applies move inside the task's band. Cross-band moves are never
// performed; priority rank ordering is preserved by construction.
func (m *Manager) reorder(id string, move func(band []*Task, idx int) bool) bool {
	m.mu.Lock()

	task, band, idx := m.findQueuedLocked(id)
	if task == nil || !move(*band, idx) {
		m.mu.Unlock()
		return false
	}
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{Type: ChangeMoved, TaskID: id})
	return true
}

// Pause stops dispatch of new tasks. Running tasks are not interrupted.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.logger.Info("Queue paused")
	m.notify(handlers, ChangeEvent{Type: ChangePaused})
}

// Resume re-enables dispatch.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.logger.Info("Queue resumed")
	m.notify(handlers, ChangeEvent{Type: ChangeResumed})
}

// Clear cancels every queued task into history. Running tasks are not
// affected. Emits a single cleared event carrying the count.
func (m *Manager) Clear() int {
	m.mu.Lock()

	now := time.Now().UnixMilli()
	count := 0
	for _, band := range []*[]*Task{&m.high, &m.normal, &m.low} {
		for _, task := range *band {
			task.Status = StatusCancelled
			task.CompletedAt = now
			m.pushHistoryLocked(task)
			count++
		}
		*band = nil
	}
	handlers := m.handlersLocked()
	m.mu.Unlock()

	if count > 0 {
		m.logger.Info("Queue cleared", zap.Int("count", count))
	}
	m.notify(handlers, ChangeEvent{Type: ChangeCleared, Count: count})
	return count
}

// ClearHistory discards all retained terminal tasks.
func (m *Manager) ClearHistory() {
	m.mu.Lock()
	count := len(m.history)
	m.history = nil
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.notify(handlers, ChangeEvent{Type: ChangeHistoryCleared, Count: count})
}

// MarkStarted moves a queued task to running, stamping startedAt and the
// tracking process id. Returns the running task, or false when the id is
// not queued.
func (m *Manager) MarkStarted(id, processID string) (*Task, bool) {
	m.mu.Lock()

	task, band, idx := m.findQueuedLocked(id)
	if task == nil {
		m.mu.Unlock()
		return nil, false
	}
	*band = append((*band)[:idx], (*band)[idx+1:]...)

	task.Status = StatusRunning
	task.StartedAt = time.Now().UnixMilli()
	if task.StartedAt < task.CreatedAt {
		task.StartedAt = task.CreatedAt
	}
	task.ProcessID = processID
	m.running[id] = task
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.logger.Info("Task started",
		zap.String("task_id", id),
		zap.String("process_id", processID))
	m.notify(handlers, ChangeEvent{Type: ChangeStarted, TaskID: id})
	return task.Clone(), true
}

// MarkCompleted moves a running task to history as completed.
func (m *Manager) MarkCompleted(id, result string) bool {
	return m.finish(id, StatusCompleted, ChangeCompleted, func(t *Task) {
		t.Result = result
	})
}

// MarkFailed moves a running task to history as failed.
func (m *Manager) MarkFailed(id, errMsg string) bool {
	return m.finish(id, StatusFailed, ChangeFailed, func(t *Task) {
		t.Error = errMsg
	})
}

// MarkCancelled moves a running task to history as cancelled.
func (m *Manager) MarkCancelled(id string) bool {
	return m.finish(id, StatusCancelled, ChangeCancelled, nil)
}

// SetRetryCount records the attempt counter on a running task.
func (m *Manager) SetRetryCount(id string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.running[id]; ok {
		task.RetryCount = count
	}
}

// finish moves a running task to history with the given terminal status.
func (m *Manager) finish(id string, status Status, change ChangeType, apply func(*Task)) bool {
	m.mu.Lock()

	task, ok := m.running[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.running, id)
	delete(m.cancelled, id)

	task.Status = status
	task.CompletedAt = time.Now().UnixMilli()
	if task.CompletedAt < task.StartedAt {
		task.CompletedAt = task.StartedAt
	}
	if apply != nil {
		apply(task)
	}
	m.pushHistoryLocked(task)
	handlers := m.handlersLocked()
	m.mu.Unlock()

	m.logger.Info("Task finished",
		zap.String("task_id", id),
		zap.String("status", string(status)))
	m.notify(handlers, ChangeEvent{Type: change, TaskID: id})
	return true
}

// findQueuedLocked locates a queued task, returning the task, its band, and
// its index. Caller must hold m.mu.
func (m *Manager) findQueuedLocked(id string) (*Task, *[]*Task, int) {
	for _, band := range []*[]*Task{&m.high, &m.normal, &m.low} {
		for i, t := range *band {
			if t.ID == id {
				return t, band, i
			}
		}
	}
	return nil, nil, -1
}

func (m *Manager) queuedLenLocked() int {
	return len(m.high) + len(m.normal) + len(m.low)
}

func (m *Manager) queuedLocked() []*Task {
	out := make([]*Task, 0, m.queuedLenLocked())
	for _, band := range [][]*Task{m.high, m.normal, m.low} {
		for _, t := range band {
			out = append(out, t.Clone())
		}
	}
	return out
}

// pushHistoryLocked appends a terminal task, evicting the oldest entry when
// the ring is full. Caller must hold m.mu.
func (m *Manager) pushHistoryLocked(task *Task) {
	m.history = append(m.history, task)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

func (m *Manager) handlersLocked() []ChangeHandler {
	return append([]ChangeHandler(nil), m.handlers...)
}
