// Package queue implements the task queue manager: a three-band priority
// queue with a bounded history of terminal tasks and change notifications.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
	// ErrInvalidTaskType is returned for an unknown task type
	ErrInvalidTaskType = errors.New("invalid task type")
	// ErrInvalidPriority is returned for an unknown priority
	ErrInvalidPriority = errors.New("invalid priority")
)

// TaskType identifies what kind of work a queued task carries.
type TaskType string

const (
	TaskTypeFollowPrompt    TaskType = "follow-prompt"
	TaskTypeResolveComments TaskType = "resolve-comments"
	TaskTypeCodeReview      TaskType = "code-review"
	TaskTypeAIClarification TaskType = "ai-clarification"
	TaskTypeCustom          TaskType = "custom"
)

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskTypeFollowPrompt, TaskTypeResolveComments, TaskTypeCodeReview,
		TaskTypeAIClarification, TaskTypeCustom:
		return true
	}
	return false
}

// Priority is the scheduling band of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
//
// Transitions are monotone: queued -> running -> {completed, failed,
// cancelled}, or queued -> cancelled. Terminal tasks never re-enter queued.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AIClarificationPayload asks the AI service a free-form question.
type AIClarificationPayload struct {
	Prompt           string `json:"prompt"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// FollowPromptPayload runs a prompt read from a file, optionally extended
// with a plan file and extra context.
type FollowPromptPayload struct {
	PromptFilePath    string `json:"promptFilePath"`
	PlanFilePath      string `json:"planFilePath,omitempty"`
	AdditionalContext string `json:"additionalContext,omitempty"`
	WorkingDirectory  string `json:"workingDirectory,omitempty"`
}

// CodeReviewPayload describes a diff to review. Execution is a no-op in this
// deployment; the fields feed display-name derivation.
type CodeReviewPayload struct {
	DiffType         string `json:"diffType,omitempty"`
	CommitSha        string `json:"commitSha,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// ReviewComment is a single review comment to resolve.
type ReviewComment struct {
	ID   string `json:"id,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
	Body string `json:"body,omitempty"`
}

// ResolveCommentsPayload carries review comments to address. Execution is a
// no-op in this deployment.
type ResolveCommentsPayload struct {
	Comments []ReviewComment `json:"comments,omitempty"`
}

// CustomPayload carries arbitrary caller data; a string "prompt" entry is
// sent to the AI service.
type CustomPayload struct {
	Data map[string]any `json:"data,omitempty"`
}

// Payload is the task's type-discriminated body. Exactly one variant is set,
// matching the task's Type. On the wire the payload object is the variant
// body itself, keyed by the sibling "type" field.
type Payload struct {
	AIClarification *AIClarificationPayload
	FollowPrompt    *FollowPromptPayload
	CodeReview      *CodeReviewPayload
	ResolveComments *ResolveCommentsPayload
	Custom          *CustomPayload
}

// MarshalJSON emits the set variant's body, or an empty object when no
// variant is set.
func (p Payload) MarshalJSON() ([]byte, error) {
	switch {
	case p.AIClarification != nil:
		return json.Marshal(p.AIClarification)
	case p.FollowPrompt != nil:
		return json.Marshal(p.FollowPrompt)
	case p.CodeReview != nil:
		return json.Marshal(p.CodeReview)
	case p.ResolveComments != nil:
		return json.Marshal(p.ResolveComments)
	case p.Custom != nil:
		return json.Marshal(p.Custom)
	}
	return []byte("{}"), nil
}

// decode parses raw into the variant selected by taskType. A missing or
// null payload yields a zero-valued variant.
func (p *Payload) decode(taskType TaskType, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch taskType {
	case TaskTypeAIClarification:
		p.AIClarification = &AIClarificationPayload{}
		return unmarshalPayload(raw, p.AIClarification)
	case TaskTypeFollowPrompt:
		p.FollowPrompt = &FollowPromptPayload{}
		return unmarshalPayload(raw, p.FollowPrompt)
	case TaskTypeCodeReview:
		p.CodeReview = &CodeReviewPayload{}
		return unmarshalPayload(raw, p.CodeReview)
	case TaskTypeResolveComments:
		p.ResolveComments = &ResolveCommentsPayload{}
		return unmarshalPayload(raw, p.ResolveComments)
	case TaskTypeCustom:
		p.Custom = &CustomPayload{}
		return unmarshalPayload(raw, p.Custom)
	}
	return fmt.Errorf("%w: %q", ErrInvalidTaskType, taskType)
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// clone deep-copies the set variant.
func (p Payload) clone() Payload {
	var out Payload
	if p.AIClarification != nil {
		v := *p.AIClarification
		out.AIClarification = &v
	}
	if p.FollowPrompt != nil {
		v := *p.FollowPrompt
		out.FollowPrompt = &v
	}
	if p.CodeReview != nil {
		v := *p.CodeReview
		out.CodeReview = &v
	}
	if p.ResolveComments != nil {
		v := ResolveCommentsPayload{Comments: append([]ReviewComment(nil), p.ResolveComments.Comments...)}
		out.ResolveComments = &v
	}
	if p.Custom != nil {
		data := make(map[string]any, len(p.Custom.Data))
		for k, val := range p.Custom.Data {
			data[k] = val
		}
		out.Custom = &CustomPayload{Data: data}
	}
	return out
}

// TaskConfig carries per-task execution overrides.
type TaskConfig struct {
	Model          string `json:"model,omitempty"`
	TimeoutMs      int64  `json:"timeoutMs,omitempty"`
	RetryOnFailure bool   `json:"retryOnFailure,omitempty"`
	RetryAttempts  int    `json:"retryAttempts,omitempty"`
	RetryDelayMs   int64  `json:"retryDelayMs,omitempty"`
}

// Task is a unit of work tracked by the queue manager.
//
// Timestamps are epoch milliseconds; zero means unset.
type Task struct {
	ID          string     `json:"id"`
	Type        TaskType   `json:"type"`
	Priority    Priority   `json:"priority"`
	Status      Status     `json:"status"`
	CreatedAt   int64      `json:"createdAt"`
	StartedAt   int64      `json:"startedAt,omitempty"`
	CompletedAt int64      `json:"completedAt,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Payload     Payload    `json:"payload"`
	Config      TaskConfig `json:"config"`
	ProcessID   string     `json:"processId,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retryCount"`
}

// UnmarshalJSON decodes a task, dispatching the payload object on the
// task's type.
func (t *Task) UnmarshalJSON(data []byte) error {
	type taskAlias Task
	aux := struct {
		*taskAlias
		Payload json.RawMessage `json:"payload"`
	}{taskAlias: (*taskAlias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return t.Payload.decode(t.Type, aux.Payload)
}

// Clone returns a defensive copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Payload = t.Payload.clone()
	return &out
}

// TaskSummary is the transport projection of a task: enough for list
// rendering, without the payload.
type TaskSummary struct {
	ID          string   `json:"id"`
	Type        TaskType `json:"type"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
	DisplayName string   `json:"displayName,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	StartedAt   int64    `json:"startedAt,omitempty"`
	CompletedAt int64    `json:"completedAt,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Summary projects the task for transport.
func (t *Task) Summary() TaskSummary {
	return TaskSummary{
		ID:          t.ID,
		Type:        t.Type,
		Priority:    t.Priority,
		Status:      t.Status,
		DisplayName: t.DisplayName,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Error:       t.Error,
	}
}

// EnqueueRequest is the caller-facing input to Manager.Enqueue.
type EnqueueRequest struct {
	Type        TaskType   `json:"type"`
	Priority    Priority   `json:"priority,omitempty"`
	DisplayName string     `json:"displayName,omitempty"`
	Payload     Payload    `json:"payload"`
	Config      TaskConfig `json:"config"`
}

// UnmarshalJSON decodes an enqueue request, dispatching the payload object
// on the request's type.
func (r *EnqueueRequest) UnmarshalJSON(data []byte) error {
	type reqAlias EnqueueRequest
	aux := struct {
		*reqAlias
		Payload json.RawMessage `json:"payload"`
	}{reqAlias: (*reqAlias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if !ValidTaskType(r.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskType, r.Type)
	}
	return r.Payload.decode(r.Type, aux.Payload)
}
