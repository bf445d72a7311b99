// Package events provides event subjects and utilities for the coc event system.
package events

// Subjects for queue task lifecycle events, published by the executor.
const (
	TaskStarted   = "queue.task.started"
	TaskCompleted = "queue.task.completed"
	TaskFailed    = "queue.task.failed"
	TaskCancelled = "queue.task.cancelled"
)

// BuildTaskLifecycleWildcard returns a subscription pattern matching all
// task lifecycle subjects.
func BuildTaskLifecycleWildcard() string {
	return "queue.task.*"
}
