package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/queue"
)

type stubCanceller struct {
	mu     sync.Mutex
	calls  []string
	result bool
}

func (s *stubCanceller) CancelTask(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
	return s.result
}

func (s *stubCanceller) cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestRouter(t *testing.T, maxSize int, canceller TaskCanceller) (*queue.Manager, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	manager := queue.NewManager(maxSize, 10, log)
	router := gin.New()
	RegisterQueueRoutes(router, manager, canceller, log)
	return manager, router
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func enqueueCustom(t *testing.T, router *gin.Engine, prompt string) string {
	t.Helper()
	w := doRequest(t, router, http.MethodPost, "/api/queue", map[string]any{
		"type":    "custom",
		"payload": map[string]any{"data": map[string]any{"prompt": prompt}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	task, ok := decodeBody(t, w)["task"].(map[string]any)
	if !ok {
		t.Fatalf("expected task object in response: %s", w.Body.String())
	}
	id, _ := task["id"].(string)
	if id == "" {
		t.Fatal("expected non-empty task id")
	}
	return id
}

func TestEnqueueTask(t *testing.T) {
	manager, router := newTestRouter(t, 0, nil)

	w := doRequest(t, router, http.MethodPost, "/api/queue", map[string]any{
		"type":    "custom",
		"payload": map[string]any{"data": map[string]any{"prompt": "hi"}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}

	task := decodeBody(t, w)["task"].(map[string]any)
	if task["status"] != "queued" {
		t.Errorf("expected status queued, got %v", task["status"])
	}
	if task["priority"] != "normal" {
		t.Errorf("expected default priority normal, got %v", task["priority"])
	}
	if name, _ := task["displayName"].(string); name == "" {
		t.Error("expected a derived displayName")
	}
	if got := len(manager.Queued()); got != 1 {
		t.Errorf("expected 1 queued task, got %d", got)
	}
}

func TestEnqueueTaskInvalidType(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)

	w := doRequest(t, router, http.MethodPost, "/api/queue", map[string]any{"type": "telepathy"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if msg, _ := decodeBody(t, w)["error"].(string); !strings.Contains(msg, "invalid task type") {
		t.Errorf("expected invalid task type error, got %q", msg)
	}
}

func TestEnqueueTaskMalformedJSON(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/queue", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestEnqueueTaskQueueFull(t *testing.T) {
	_, router := newTestRouter(t, 1, nil)

	enqueueCustom(t, router, "first")
	w := doRequest(t, router, http.MethodPost, "/api/queue", map[string]any{
		"type":    "custom",
		"payload": map[string]any{"data": map[string]any{"prompt": "second"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", w.Code, w.Body.String())
	}
	if msg, _ := decodeBody(t, w)["error"].(string); !strings.Contains(msg, "queue is full") {
		t.Errorf("expected queue full error, got %q", msg)
	}
}

func TestGetQueueSnapshot(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)
	enqueueCustom(t, router, "one")
	enqueueCustom(t, router, "two")

	w := doRequest(t, router, http.MethodGet, "/api/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if queued, ok := body["queued"].([]any); !ok || len(queued) != 2 {
		t.Errorf("expected 2 queued tasks, got %v", body["queued"])
	}
	if running, ok := body["running"].([]any); !ok || len(running) != 0 {
		t.Errorf("expected no running tasks, got %v", body["running"])
	}
	stats, ok := body["stats"].(map[string]any)
	if !ok {
		t.Fatalf("expected stats object, got %v", body["stats"])
	}
	if stats["queued"] != float64(2) {
		t.Errorf("expected stats.queued 2, got %v", stats["queued"])
	}
}

func TestGetTask(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)
	id := enqueueCustom(t, router, "find me")

	w := doRequest(t, router, http.MethodGet, "/api/queue/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	task := decodeBody(t, w)["task"].(map[string]any)
	if task["id"] != id {
		t.Errorf("expected task %s, got %v", id, task["id"])
	}

	w = doRequest(t, router, http.MethodGet, "/api/queue/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestReservedQueueNames(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)
	enqueueCustom(t, router, "hello")

	w := doRequest(t, router, http.MethodGet, "/api/queue/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for stats, got %d", w.Code)
	}
	stats := decodeBody(t, w)
	if stats["queued"] != float64(1) {
		t.Errorf("expected stats.queued 1, got %v", stats["queued"])
	}

	w = doRequest(t, router, http.MethodGet, "/api/queue/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200 for history, got %d", w.Code)
	}
	if _, ok := decodeBody(t, w)["history"]; !ok {
		t.Error("expected history key in response")
	}

	// Reserved control names are not tasks.
	w = doRequest(t, router, http.MethodGet, "/api/queue/pause", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for GET pause, got %d", w.Code)
	}
}

func TestPauseResume(t *testing.T) {
	manager, router := newTestRouter(t, 0, nil)

	w := doRequest(t, router, http.MethodPost, "/api/queue/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["paused"] != true {
		t.Error("expected paused true after pause")
	}
	if !manager.Paused() {
		t.Error("expected manager to be paused")
	}

	w = doRequest(t, router, http.MethodPost, "/api/queue/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["paused"] != false {
		t.Error("expected paused false after resume")
	}
}

func TestControlUnknownName(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)
	id := enqueueCustom(t, router, "hello")

	w := doRequest(t, router, http.MethodPost, "/api/queue/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 for POST on a task id, got %d", w.Code)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	manager, router := newTestRouter(t, 0, nil)
	id := enqueueCustom(t, router, "doomed")

	w := doRequest(t, router, http.MethodDelete, "/api/queue/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["success"] != true {
		t.Error("expected success true")
	}

	history := manager.History()
	if len(history) != 1 || history[0].Status != queue.StatusCancelled {
		t.Fatalf("expected one cancelled task in history, got %+v", history)
	}

	w = doRequest(t, router, http.MethodDelete, "/api/queue/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestCancelDelegatesToCanceller(t *testing.T) {
	canceller := &stubCanceller{result: true}
	_, router := newTestRouter(t, 0, canceller)

	w := doRequest(t, router, http.MethodDelete, "/api/queue/task-9", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := canceller.cancelled(); len(got) != 1 || got[0] != "task-9" {
		t.Errorf("expected canceller called with task-9, got %v", got)
	}

	canceller.result = false
	w = doRequest(t, router, http.MethodDelete, "/api/queue/task-10", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404 when canceller refuses, got %d", w.Code)
	}
}

func TestClearQueue(t *testing.T) {
	manager, router := newTestRouter(t, 0, nil)
	enqueueCustom(t, router, "a")
	enqueueCustom(t, router, "b")
	enqueueCustom(t, router, "c")

	w := doRequest(t, router, http.MethodDelete, "/api/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["cleared"] != float64(3) {
		t.Errorf("expected cleared 3, got %v", decodeBody(t, w)["cleared"])
	}
	if len(manager.Queued()) != 0 {
		t.Error("expected empty queue after clear")
	}
	if len(manager.History()) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(manager.History()))
	}
}

func TestClearHistory(t *testing.T) {
	manager, router := newTestRouter(t, 0, nil)
	id := enqueueCustom(t, router, "done soon")
	doRequest(t, router, http.MethodDelete, "/api/queue/"+id, nil)
	if len(manager.History()) != 1 {
		t.Fatal("expected one history entry before clearing")
	}

	w := doRequest(t, router, http.MethodDelete, "/api/queue/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(manager.History()) != 0 {
		t.Error("expected empty history after clear")
	}
}

func TestMoveEndpoints(t *testing.T) {
	manager, router := newTestRouter(t, 0, nil)
	a := enqueueCustom(t, router, "a")
	b := enqueueCustom(t, router, "b")
	c := enqueueCustom(t, router, "c")

	order := func() []string {
		var ids []string
		for _, task := range manager.Queued() {
			ids = append(ids, task.ID)
		}
		return ids
	}

	w := doRequest(t, router, http.MethodPost, "/api/queue/"+c+"/move-to-top", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := order(); got[0] != c || got[1] != a || got[2] != b {
		t.Fatalf("expected order [c a b], got %v", got)
	}

	w = doRequest(t, router, http.MethodPost, "/api/queue/"+b+"/move-up", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := order(); got[0] != c || got[1] != b || got[2] != a {
		t.Fatalf("expected order [c b a], got %v", got)
	}

	w = doRequest(t, router, http.MethodPost, "/api/queue/"+c+"/move-down", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := order(); got[0] != b || got[1] != c || got[2] != a {
		t.Fatalf("expected order [b c a], got %v", got)
	}
}

func TestMoveRefused(t *testing.T) {
	_, router := newTestRouter(t, 0, nil)
	a := enqueueCustom(t, router, "only")

	// Already at the top.
	w := doRequest(t, router, http.MethodPost, "/api/queue/"+a+"/move-up", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for refused move, got %d", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, "/api/queue/nonexistent/move-to-top", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for unknown task, got %d", w.Code)
	}
}
