package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/process/store"
	"github.com/cocdev/coc/internal/queue"
)

// stubAIService records Send requests and delegates to an optional respond
// func.
type stubAIService struct {
	mu       sync.Mutex
	requests []SendRequest
	aborted  []string
	respond  func(ctx context.Context, req SendRequest) (*SendResult, error)
}

func newStubAIService() *stubAIService {
	return &stubAIService{}
}

func (s *stubAIService) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	fn := s.respond
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &SendResult{Text: "stub response", SessionID: "sess-1"}, nil
}

func (s *stubAIService) Abort(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, id)
}

func (s *stubAIService) sent() []SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendRequest(nil), s.requests...)
}

func (s *stubAIService) abortCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

func newCLIFixture(t *testing.T, ai AIService) (*CLITaskExecutor, store.Store) {
	t.Helper()
	log := newTestLogger()
	st := store.NewMemoryStore()
	cfg := &config.Config{Model: "gpt-5", Timeout: 120}
	return NewCLITaskExecutor(ai, st, cfg, log), st
}

func clarificationTask(id, prompt, workDir string) *queue.Task {
	return &queue.Task{
		ID:       id,
		Type:     queue.TaskTypeAIClarification,
		Priority: queue.PriorityNormal,
		Status:   queue.StatusRunning,
		Payload: queue.Payload{
			AIClarification: &queue.AIClarificationPayload{
				Prompt:           prompt,
				WorkingDirectory: workDir,
			},
		},
	}
}

func TestCLIExecutorClarification(t *testing.T) {
	stub := newStubAIService()
	exec, st := newCLIFixture(t, stub)

	task := clarificationTask("t1", "explain the build failure", "/tmp/repo")
	res, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Execute reported failure")
	}
	if res.Result != "stub response" || res.SessionID != "sess-1" {
		t.Errorf("Result = %+v", res)
	}

	reqs := stub.sent()
	if len(reqs) != 1 {
		t.Fatalf("Send calls = %d, want 1", len(reqs))
	}
	req := reqs[0]
	if req.ID != "t1" {
		t.Errorf("req.ID = %q", req.ID)
	}
	if req.Prompt != "explain the build failure" {
		t.Errorf("req.Prompt = %q", req.Prompt)
	}
	if req.WorkingDirectory != "/tmp/repo" {
		t.Errorf("req.WorkingDirectory = %q", req.WorkingDirectory)
	}
	if req.Model != "gpt-5" {
		t.Errorf("req.Model = %q, want global default", req.Model)
	}
	if req.Timeout != 120*time.Second {
		t.Errorf("req.Timeout = %s, want 2m0s", req.Timeout)
	}

	process, err := st.GetProcess(context.Background(), "queue-t1")
	if err != nil {
		t.Fatalf("Tracking process missing: %v", err)
	}
	if process.Type != "queue-ai-clarification" {
		t.Errorf("Process type = %q", process.Type)
	}
	if process.PromptPreview != "explain the build failure" {
		t.Errorf("PromptPreview = %q", process.PromptPreview)
	}
	if process.FullPrompt != "explain the build failure" {
		t.Errorf("FullPrompt = %q", process.FullPrompt)
	}
	if process.Status != models.StatusRunning {
		t.Errorf("Process status = %q, want running", process.Status)
	}
	if process.WorkingDirectory != "/tmp/repo" {
		t.Errorf("Process workingDirectory = %q", process.WorkingDirectory)
	}
	if got := process.Metadata["taskId"]; got != "t1" {
		t.Errorf("Metadata taskId = %v", got)
	}
}

func TestCLIExecutorPerTaskOverrides(t *testing.T) {
	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	task := clarificationTask("t2", "quick question", "")
	task.Config = queue.TaskConfig{Model: "o3", TimeoutMs: 1500}

	if _, err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	req := stub.sent()[0]
	if req.Model != "o3" {
		t.Errorf("req.Model = %q, want per-task override", req.Model)
	}
	if req.Timeout != 1500*time.Millisecond {
		t.Errorf("req.Timeout = %s, want 1.5s", req.Timeout)
	}
}

func TestCLIExecutorPreviewTruncation(t *testing.T) {
	stub := newStubAIService()
	exec, st := newCLIFixture(t, stub)

	longPrompt := strings.Repeat("refactor everything ", 10)
	task := clarificationTask("t3", longPrompt, "")

	if _, err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	process, err := st.GetProcess(context.Background(), "queue-t3")
	if err != nil {
		t.Fatalf("GetProcess: %v", err)
	}
	if got := utf8.RuneCountInString(process.PromptPreview); got != 80 {
		t.Errorf("Preview length = %d runes, want 80", got)
	}
	if !strings.HasSuffix(process.PromptPreview, "...") {
		t.Errorf("Preview %q lacks ellipsis", process.PromptPreview)
	}
	if process.FullPrompt != longPrompt {
		t.Error("FullPrompt was truncated")
	}
}

func TestCLIExecutorCustomTask(t *testing.T) {
	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	task := &queue.Task{
		ID:       "t4",
		Type:     queue.TaskTypeCustom,
		Priority: queue.PriorityNormal,
		Payload: queue.Payload{
			Custom: &queue.CustomPayload{Data: map[string]any{
				"prompt":           "do the thing",
				"workingDirectory": "/srv/app",
			}},
		},
	}
	res, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatal("Execute reported failure")
	}

	req := stub.sent()[0]
	if req.Prompt != "do the thing" {
		t.Errorf("req.Prompt = %q", req.Prompt)
	}
	if req.WorkingDirectory != "/srv/app" {
		t.Errorf("req.WorkingDirectory = %q", req.WorkingDirectory)
	}
}

func TestCLIExecutorCustomTaskWithoutPrompt(t *testing.T) {
	stub := newStubAIService()
	exec, st := newCLIFixture(t, stub)

	task := &queue.Task{
		ID:          "t5",
		Type:        queue.TaskTypeCustom,
		DisplayName: "Nightly sweep",
		Payload: queue.Payload{
			Custom: &queue.CustomPayload{Data: map[string]any{"note": "no prompt here"}},
		},
	}
	if _, err := exec.Execute(context.Background(), task); err == nil {
		t.Fatal("Expected an error for a promptless custom task")
	}
	if len(stub.sent()) != 0 {
		t.Error("AI service was called despite the missing prompt")
	}

	// The tracking process still exists, previewed by display name.
	process, err := st.GetProcess(context.Background(), "queue-t5")
	if err != nil {
		t.Fatalf("Tracking process missing: %v", err)
	}
	if process.PromptPreview != "Nightly sweep" {
		t.Errorf("PromptPreview = %q", process.PromptPreview)
	}
}

func TestCLIExecutorFollowPrompt(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "prompt.md")
	planPath := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(promptPath, []byte("Do the refactor.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(planPath, []byte("1. Rename the package\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	task := &queue.Task{
		ID:   "t6",
		Type: queue.TaskTypeFollowPrompt,
		Payload: queue.Payload{
			FollowPrompt: &queue.FollowPromptPayload{
				PromptFilePath:    promptPath,
				PlanFilePath:      planPath,
				AdditionalContext: "Keep the public API stable.",
				WorkingDirectory:  dir,
			},
		},
	}
	if _, err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	req := stub.sent()[0]
	promptIdx := strings.Index(req.Prompt, "Do the refactor.")
	planIdx := strings.Index(req.Prompt, "## Plan\n\n1. Rename the package")
	contextIdx := strings.Index(req.Prompt, "## Additional Context\n\nKeep the public API stable.")
	if promptIdx < 0 || planIdx < 0 || contextIdx < 0 {
		t.Fatalf("Assembled prompt missing sections:\n%s", req.Prompt)
	}
	if !(promptIdx < planIdx && planIdx < contextIdx) {
		t.Errorf("Sections out of order in:\n%s", req.Prompt)
	}
	if req.WorkingDirectory != dir {
		t.Errorf("req.WorkingDirectory = %q", req.WorkingDirectory)
	}
}

func TestCLIExecutorFollowPromptSkipsMissingPlan(t *testing.T) {
	dir := t.TempDir()
	promptPath := filepath.Join(dir, "prompt.md")
	if err := os.WriteFile(promptPath, []byte("Just the prompt."), 0o644); err != nil {
		t.Fatal(err)
	}

	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	task := &queue.Task{
		ID:   "t7",
		Type: queue.TaskTypeFollowPrompt,
		Payload: queue.Payload{
			FollowPrompt: &queue.FollowPromptPayload{
				PromptFilePath: promptPath,
				PlanFilePath:   filepath.Join(dir, "no-such-plan.md"),
			},
		},
	}
	if _, err := exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	req := stub.sent()[0]
	if strings.Contains(req.Prompt, "## Plan") {
		t.Errorf("Prompt includes a plan section despite the missing file:\n%s", req.Prompt)
	}
	if !strings.Contains(req.Prompt, "Just the prompt.") {
		t.Errorf("Prompt lost its body:\n%s", req.Prompt)
	}
}

func TestCLIExecutorFollowPromptMissingFile(t *testing.T) {
	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	task := &queue.Task{
		ID:   "t8",
		Type: queue.TaskTypeFollowPrompt,
		Payload: queue.Payload{
			FollowPrompt: &queue.FollowPromptPayload{
				PromptFilePath: "/no/such/prompt.md",
			},
		},
	}
	_, err := exec.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("Expected an error for an unreadable prompt file")
	}
	if !strings.Contains(err.Error(), "/no/such/prompt.md") {
		t.Errorf("Error %q does not name the file", err)
	}
	if len(stub.sent()) != 0 {
		t.Error("AI service was called despite the unreadable prompt file")
	}
}

func TestCLIExecutorNoOpTypes(t *testing.T) {
	cases := []struct {
		name    string
		task    *queue.Task
		curType string
	}{
		{
			name: "code review",
			task: &queue.Task{
				ID:          "t9",
				Type:        queue.TaskTypeCodeReview,
				DisplayName: "Code Review: full diff",
				Payload: queue.Payload{
					CodeReview: &queue.CodeReviewPayload{DiffType: "full"},
				},
			},
			curType: "queue-code-review",
		},
		{
			name: "resolve comments",
			task: &queue.Task{
				ID:          "t10",
				Type:        queue.TaskTypeResolveComments,
				DisplayName: "Resolve Comments (2)",
				Payload: queue.Payload{
					ResolveComments: &queue.ResolveCommentsPayload{
						Comments: []queue.ReviewComment{{ID: "c1"}, {ID: "c2"}},
					},
				},
			},
			curType: "queue-resolve-comments",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStubAIService()
			exec, st := newCLIFixture(t, stub)

			res, err := exec.Execute(context.Background(), tc.task)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !res.Success {
				t.Fatal("No-op type did not succeed")
			}
			if len(stub.sent()) != 0 {
				t.Error("No-op type reached the AI service")
			}

			process, err := st.GetProcess(context.Background(), "queue-"+tc.task.ID)
			if err != nil {
				t.Fatalf("Tracking process missing: %v", err)
			}
			if process.Type != tc.curType {
				t.Errorf("Process type = %q, want %q", process.Type, tc.curType)
			}
			if process.PromptPreview != tc.task.DisplayName {
				t.Errorf("PromptPreview = %q, want display name", process.PromptPreview)
			}
		})
	}
}

func TestCLIExecutorUnknownType(t *testing.T) {
	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	task := &queue.Task{ID: "t11", Type: "telepathy"}
	_, err := exec.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("Expected an error for an unknown task type")
	}
	if !strings.Contains(err.Error(), "telepathy") {
		t.Errorf("Error %q does not name the type", err)
	}
}

func TestCLIExecutorStreamsChunks(t *testing.T) {
	stub := newStubAIService()
	stub.respond = func(_ context.Context, req SendRequest) (*SendResult, error) {
		req.OnChunk("alpha")
		req.OnChunk("beta")
		return &SendResult{Text: "alphabeta", SessionID: "sess-2"}, nil
	}
	exec, st := newCLIFixture(t, stub)

	var mu sync.Mutex
	var chunks []string
	unsubscribe := st.OnProcessOutput("queue-t12", func(ev models.ProcessOutputEvent) {
		if ev.Type == models.OutputChunk {
			mu.Lock()
			chunks = append(chunks, ev.Content)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	task := clarificationTask("t12", "stream me", "")
	res, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Result != "alphabeta" {
		t.Errorf("Result = %q", res.Result)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 2 || chunks[0] != "alpha" || chunks[1] != "beta" {
		t.Errorf("Chunks = %v, want [alpha beta]", chunks)
	}
}

func TestCLIExecutorSendFailure(t *testing.T) {
	stub := newStubAIService()
	stub.respond = func(context.Context, SendRequest) (*SendResult, error) {
		return nil, errors.New("quota exhausted")
	}
	exec, _ := newCLIFixture(t, stub)

	task := clarificationTask("t13", "over budget", "")
	_, err := exec.Execute(context.Background(), task)
	if err == nil || !strings.Contains(err.Error(), "quota exhausted") {
		t.Fatalf("Execute error = %v, want quota exhausted", err)
	}
}

func TestCLIExecutorCancelDelegatesToAbort(t *testing.T) {
	stub := newStubAIService()
	exec, _ := newCLIFixture(t, stub)

	exec.Cancel("t14")

	got := stub.abortCalls()
	if len(got) != 1 || got[0] != "t14" {
		t.Errorf("Abort calls = %v, want [t14]", got)
	}
}
