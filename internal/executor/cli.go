package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/common/stringutil"
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/process/store"
	"github.com/cocdev/coc/internal/queue"
)

const previewMaxLen = 80

// executionSpec is the classified work of one task.
type executionSpec struct {
	Prompt     string
	WorkingDir string
	NoOp       bool
}

// CLITaskExecutor is the default TaskExecutor. It registers a tracking
// process for every task, sends prompt-bearing task types to the AI service
// with output streamed onto the process's output bus, and acknowledges
// review-style types as no-op successes.
type CLITaskExecutor struct {
	ai     AIService
	store  store.Store
	cfg    *config.Config
	logger *logger.Logger
}

var _ TaskExecutor = (*CLITaskExecutor)(nil)

// NewCLITaskExecutor creates the default task executor.
func NewCLITaskExecutor(ai AIService, st store.Store, cfg *config.Config, log *logger.Logger) *CLITaskExecutor {
	return &CLITaskExecutor{
		ai:     ai,
		store:  st,
		cfg:    cfg,
		logger: log.WithComponent("cli_executor"),
	}
}

// Execute classifies the task, registers its tracking process, and runs the
// AI call when the type carries a prompt.
func (e *CLITaskExecutor) Execute(ctx context.Context, task *queue.Task) (*Result, error) {
	start := time.Now()

	spec, buildErr := e.classify(task)
	e.trackProcess(ctx, task, spec)
	if buildErr != nil {
		return nil, buildErr
	}

	if spec.NoOp {
		e.logger.Info("Task type requires no AI work, completing",
			zap.String("task_id", task.ID),
			zap.String("type", string(task.Type)))
		return &Result{Success: true, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	processID := ProcessIDForTask(task.ID)
	result, err := e.ai.Send(ctx, SendRequest{
		ID:               task.ID,
		Prompt:           spec.Prompt,
		WorkingDirectory: spec.WorkingDir,
		Model:            e.modelFor(task),
		Timeout:          e.timeoutFor(task),
		OnChunk: func(chunk string) {
			e.store.EmitProcessOutput(processID, chunk)
		},
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		Success:    true,
		Result:     result.Text,
		SessionID:  result.SessionID,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// Cancel aborts the task's in-flight AI call, if any.
func (e *CLITaskExecutor) Cancel(taskID string) {
	e.ai.Abort(taskID)
}

// classify resolves the task type into the prompt to send, or a no-op marker
// for types executed without AI work.
func (e *CLITaskExecutor) classify(task *queue.Task) (executionSpec, error) {
	switch task.Type {
	case queue.TaskTypeAIClarification:
		p := task.Payload.AIClarification
		if p == nil || strings.TrimSpace(p.Prompt) == "" {
			return executionSpec{}, fmt.Errorf("ai-clarification task %s has no prompt", task.ID)
		}
		return executionSpec{Prompt: p.Prompt, WorkingDir: p.WorkingDirectory}, nil

	case queue.TaskTypeCustom:
		p := task.Payload.Custom
		prompt, _ := payloadString(p, "prompt")
		if strings.TrimSpace(prompt) == "" {
			return executionSpec{}, fmt.Errorf("custom task %s has no prompt", task.ID)
		}
		workDir, _ := payloadString(p, "workingDirectory")
		return executionSpec{Prompt: prompt, WorkingDir: workDir}, nil

	case queue.TaskTypeFollowPrompt:
		return e.buildFollowPrompt(task)

	case queue.TaskTypeCodeReview, queue.TaskTypeResolveComments:
		return executionSpec{NoOp: true}, nil
	}
	return executionSpec{}, fmt.Errorf("unsupported task type %q", task.Type)
}

// buildFollowPrompt assembles the prompt from the prompt file, the optional
// plan file, and any additional context. A missing prompt file fails the
// task; a missing plan file is skipped.
func (e *CLITaskExecutor) buildFollowPrompt(task *queue.Task) (executionSpec, error) {
	p := task.Payload.FollowPrompt
	if p == nil || p.PromptFilePath == "" {
		return executionSpec{}, fmt.Errorf("follow-prompt task %s has no prompt file", task.ID)
	}

	promptBytes, err := os.ReadFile(p.PromptFilePath)
	if err != nil {
		return executionSpec{}, fmt.Errorf("failed to read prompt file %s: %w", p.PromptFilePath, err)
	}
	parts := []string{strings.TrimSpace(string(promptBytes))}

	if p.PlanFilePath != "" {
		planBytes, err := os.ReadFile(p.PlanFilePath)
		if err != nil {
			e.logger.Warn("Plan file unreadable, continuing without it",
				zap.String("task_id", task.ID),
				zap.String("plan_file", p.PlanFilePath),
				zap.Error(err))
		} else {
			parts = append(parts, "## Plan\n\n"+strings.TrimSpace(string(planBytes)))
		}
	}
	if p.AdditionalContext != "" {
		parts = append(parts, "## Additional Context\n\n"+p.AdditionalContext)
	}

	return executionSpec{
		Prompt:     strings.Join(parts, "\n\n"),
		WorkingDir: p.WorkingDirectory,
	}, nil
}

// trackProcess registers the task's AIProcess. Store write failures are
// logged; execution proceeds regardless.
func (e *CLITaskExecutor) trackProcess(ctx context.Context, task *queue.Task, spec executionSpec) {
	preview := spec.Prompt
	if preview == "" {
		preview = task.DisplayName
	}
	metadata := map[string]any{
		"taskId":   task.ID,
		"priority": string(task.Priority),
	}
	if task.DisplayName != "" {
		metadata["displayName"] = task.DisplayName
	}

	process := &models.AIProcess{
		ID:               ProcessIDForTask(task.ID),
		Type:             processIDPrefix + string(task.Type),
		PromptPreview:    stringutil.TruncateWithEllipsis(preview, previewMaxLen),
		FullPrompt:       spec.Prompt,
		Status:           models.StatusRunning,
		WorkingDirectory: spec.WorkingDir,
		Metadata:         metadata,
	}
	if _, err := e.store.AddProcess(ctx, process); err != nil {
		e.logger.Warn("Failed to register tracking process",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (e *CLITaskExecutor) modelFor(task *queue.Task) string {
	if task.Config.Model != "" {
		return task.Config.Model
	}
	return e.cfg.Model
}

func (e *CLITaskExecutor) timeoutFor(task *queue.Task) time.Duration {
	if task.Config.TimeoutMs > 0 {
		return time.Duration(task.Config.TimeoutMs) * time.Millisecond
	}
	return e.cfg.TimeoutDuration()
}

func payloadString(p *queue.CustomPayload, key string) (string, bool) {
	if p == nil || p.Data == nil {
		return "", false
	}
	s, ok := p.Data[key].(string)
	return s, ok
}
