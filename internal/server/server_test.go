// End-to-end tests for the dashboard server: they start a real listener and
// drive it over HTTP, WebSocket, and SSE.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/events"
	"github.com/cocdev/coc/internal/events/bus"
	"github.com/cocdev/coc/internal/executor"
	gateway "github.com/cocdev/coc/internal/gateway/websocket"
	"github.com/cocdev/coc/internal/process/store"
	"github.com/cocdev/coc/internal/queue"
	ws "github.com/cocdev/coc/pkg/websocket"
)

// scriptedAIService answers prompt executions in-process. The respond func
// decides the outcome; nil succeeds immediately.
type scriptedAIService struct {
	mu      sync.Mutex
	aborted []string
	respond func(ctx context.Context, req executor.SendRequest) (*executor.SendResult, error)
}

func (s *scriptedAIService) Send(ctx context.Context, req executor.SendRequest) (*executor.SendResult, error) {
	s.mu.Lock()
	fn := s.respond
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &executor.SendResult{Text: "ok", SessionID: "sess-test"}, nil
}

func (s *scriptedAIService) Abort(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = append(s.aborted, id)
}

// testServer wires the full stack behind a real listener on a random port.
type testServer struct {
	Queue    *queue.Manager
	Store    store.Store
	EventBus *bus.MemoryEventBus
	Executor *executor.Executor
	AI       *scriptedAIService

	srv     *Server
	baseURL string
	wsURL   string
}

func newTestServer(t *testing.T, ai *scriptedAIService) *testServer {
	t.Helper()

	if ai == nil {
		ai = &scriptedAIService{}
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Model:   "gpt-5",
		Timeout: 30,
		Serve: config.ServeConfig{
			Host:  "127.0.0.1",
			Port:  0,
			Theme: "dark",
		},
		Queue:   config.QueueConfig{MaxSize: 100, MaxConcurrency: 1, MaxHistory: 100},
		Logging: config.LoggingConfig{Level: "error", Format: "console"},
	}

	q := queue.NewManager(cfg.Queue.MaxSize, cfg.Queue.MaxHistory, log)
	st := store.NewMemoryStore()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cliExec := executor.NewCLITaskExecutor(ai, st, cfg, log)
	exec := executor.New(q, st, cliExec, eventBus, executor.Config{
		MaxConcurrency: cfg.Queue.MaxConcurrency,
		TickInterval:   25 * time.Millisecond,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, exec.Start(ctx))
	// Workers watch ctx, so cancel before waiting on Stop.
	t.Cleanup(func() { _ = exec.Stop() })
	t.Cleanup(cancel)

	srv := New(Options{
		Config:    cfg,
		Queue:     q,
		Store:     st,
		Gateway:   gateway.NewGateway(gateway.HubOptions{}, log),
		Canceller: exec,
		Logger:    log,
	})
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	})

	return &testServer{
		Queue:    q,
		Store:    st,
		EventBus: eventBus,
		Executor: exec,
		AI:       ai,
		srv:      srv,
		baseURL:  "http://" + srv.Addr(),
		wsURL:    "ws://" + srv.Addr() + "/ws",
	}
}

// doJSON sends a request and decodes the JSON response into out (skipped
// when out is nil). Returns the status code.
func (ts *testServer) doJSON(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.baseURL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// fetchJSON is the error-returning variant for polling loops.
func (ts *testServer) fetchJSON(path string, out any) error {
	resp, err := http.Get(ts.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type taskJSON struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	DisplayName string `json:"displayName"`
	Error       string `json:"error"`
}

type queueView struct {
	Queued  []taskJSON `json:"queued"`
	Running []taskJSON `json:"running"`
	Stats   struct {
		Queued  int `json:"queued"`
		Running int `json:"running"`
	} `json:"stats"`
}

type historyView struct {
	History []taskJSON `json:"history"`
}

type processJSON struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

func customTaskBody(prompt, displayName, priority string) map[string]any {
	body := map[string]any{
		"type":    "custom",
		"payload": map[string]any{"data": map[string]any{"prompt": prompt}},
	}
	if displayName != "" {
		body["displayName"] = displayName
	}
	if priority != "" {
		body["priority"] = priority
	}
	return body
}

func (ts *testServer) enqueue(t *testing.T, body map[string]any) taskJSON {
	t.Helper()
	var created struct {
		Task taskJSON `json:"task"`
	}
	status := ts.doJSON(t, http.MethodPost, "/api/queue", body, &created)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, created.Task.ID)
	return created.Task
}

func (ts *testServer) historyEntry(id string) (taskJSON, bool) {
	var view historyView
	if err := ts.fetchJSON("/api/queue/history", &view); err != nil {
		return taskJSON{}, false
	}
	for _, task := range view.History {
		if task.ID == id {
			return task, true
		}
	}
	return taskJSON{}, false
}

func TestCustomTaskRunsToCompletion(t *testing.T) {
	ts := newTestServer(t, nil)

	task := ts.enqueue(t, customTaskBody("hi", "", ""))
	assert.Equal(t, "queued", task.Status)
	assert.Equal(t, "normal", task.Priority)

	require.Eventually(t, func() bool {
		entry, ok := ts.historyEntry(task.ID)
		return ok && entry.Status == "completed"
	}, 2*time.Second, 20*time.Millisecond, "task never completed")

	// The executor registered a tracking process and closed it out.
	var list struct {
		Processes []processJSON `json:"processes"`
	}
	require.NoError(t, ts.fetchJSON("/api/processes", &list))
	require.Len(t, list.Processes, 1)
	assert.Equal(t, "queue-"+task.ID, list.Processes[0].ID)
	assert.Equal(t, "completed", list.Processes[0].Status)
}

func TestHighPriorityDispatchedFirst(t *testing.T) {
	ts := newTestServer(t, nil)

	var paused struct {
		Paused bool `json:"paused"`
	}
	status := ts.doJSON(t, http.MethodPost, "/api/queue/pause", nil, &paused)
	require.Equal(t, http.StatusOK, status)
	require.True(t, paused.Paused)

	started := make(chan string, 4)
	sub, err := ts.EventBus.Subscribe(events.TaskStarted, func(_ context.Context, event *bus.Event) error {
		name, _ := event.Data["displayName"].(string)
		started <- name
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	ts.enqueue(t, customTaskBody("low work", "L", "low"))
	ts.enqueue(t, customTaskBody("high work", "H", "high"))

	status = ts.doJSON(t, http.MethodPost, "/api/queue/resume", nil, &paused)
	require.Equal(t, http.StatusOK, status)
	require.False(t, paused.Paused)

	select {
	case name := <-started:
		assert.Equal(t, "H", name, "high priority task should start first")
	case <-time.After(2 * time.Second):
		t.Fatal("no task started after resume")
	}
}

func TestCancelRunningTask(t *testing.T) {
	ai := &scriptedAIService{
		respond: func(ctx context.Context, _ executor.SendRequest) (*executor.SendResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ts := newTestServer(t, ai)

	task := ts.enqueue(t, customTaskBody("never finishes", "", ""))

	require.Eventually(t, func() bool {
		var view queueView
		return ts.fetchJSON("/api/queue", &view) == nil && len(view.Running) == 1
	}, 2*time.Second, 20*time.Millisecond, "task never started")

	var result struct {
		Success bool `json:"success"`
	}
	status := ts.doJSON(t, http.MethodDelete, "/api/queue/"+task.ID, nil, &result)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.Success)

	require.Eventually(t, func() bool {
		entry, ok := ts.historyEntry(task.ID)
		return ok && entry.Status == "cancelled"
	}, 2*time.Second, 20*time.Millisecond, "task never reached cancelled")

	var view queueView
	require.NoError(t, ts.fetchJSON("/api/queue", &view))
	assert.Empty(t, view.Running)
}

func TestQueueReordering(t *testing.T) {
	ts := newTestServer(t, nil)

	status := ts.doJSON(t, http.MethodPost, "/api/queue/pause", nil, nil)
	require.Equal(t, http.StatusOK, status)

	ts.enqueue(t, customTaskBody("a", "A", ""))
	ts.enqueue(t, customTaskBody("b", "B", ""))
	taskC := ts.enqueue(t, customTaskBody("c", "C", ""))

	var result struct {
		Success bool `json:"success"`
	}
	status = ts.doJSON(t, http.MethodPost, "/api/queue/"+taskC.ID+"/move-to-top", nil, &result)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.Success)

	queuedNames := func() []string {
		var view queueView
		require.NoError(t, ts.fetchJSON("/api/queue", &view))
		names := make([]string, 0, len(view.Queued))
		for _, task := range view.Queued {
			names = append(names, task.DisplayName)
		}
		return names
	}
	assert.Equal(t, []string{"C", "A", "B"}, queuedNames())

	// A high priority arrival outranks the moved task.
	ts.enqueue(t, customTaskBody("d", "D", "high"))
	assert.Equal(t, []string{"D", "C", "A", "B"}, queuedNames())
}

// wsClient reads frames off a dashboard WebSocket connection.
type wsClient struct {
	conn     *websocket.Conn
	messages chan json.RawMessage
	done     chan struct{}
}

type wsFrame struct {
	Type    ws.MessageType `json:"type"`
	Process processJSON    `json:"process"`
}

// dialWS connects and waits for the welcome frame. The hub registers the
// client before greeting it, so returning here means broadcasts will reach
// this connection.
func dialWS(t *testing.T, wsURL string) *wsClient {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	client := &wsClient{
		conn:     conn,
		messages: make(chan json.RawMessage, 100),
		done:     make(chan struct{}),
	}
	go client.readPump()
	t.Cleanup(client.close)

	frame := client.next(t, 2*time.Second)
	require.Equal(t, ws.TypeWelcome, frame.Type)
	return client
}

func (c *wsClient) readPump() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case c.messages <- data:
		default:
		}
	}
}

func (c *wsClient) close() {
	_ = c.conn.Close()
	<-c.done
}

func (c *wsClient) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// next returns the next frame of any type.
func (c *wsClient) next(t *testing.T, timeout time.Duration) wsFrame {
	t.Helper()
	select {
	case data := <-c.messages:
		var frame wsFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(timeout):
		t.Fatal("timed out waiting for WebSocket frame")
		return wsFrame{}
	}
}

// nextOfType discards frames until one of the wanted type arrives.
func (c *wsClient) nextOfType(t *testing.T, want ws.MessageType, timeout time.Duration) wsFrame {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case data := <-c.messages:
			var frame wsFrame
			require.NoError(t, json.Unmarshal(data, &frame))
			if frame.Type == want {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", want)
		}
	}
}

// subscribe sets the workspace filter, then round-trips a ping. The read
// pump handles messages in order, so the pong confirms the filter applied.
func (c *wsClient) subscribe(t *testing.T, workspaceID string) {
	t.Helper()
	c.send(t, map[string]any{"type": "subscribe", "workspaceId": workspaceID})
	c.send(t, map[string]any{"type": "ping"})
	c.nextOfType(t, ws.TypePong, 2*time.Second)
}

func processBody(id, workspaceID string) map[string]any {
	body := map[string]any{
		"id":            id,
		"type":          "cli-custom",
		"promptPreview": "work for " + id,
		"status":        "running",
		"startTime":     time.Now().UTC().Format(time.RFC3339),
	}
	if workspaceID != "" {
		body["workspaceId"] = workspaceID
	}
	return body
}

func TestWorkspaceFilteredBroadcasts(t *testing.T) {
	ts := newTestServer(t, nil)

	subscribed := dialWS(t, ts.wsURL)
	subscribed.subscribe(t, "ws-a")
	unfiltered := dialWS(t, ts.wsURL)

	// A process in another workspace reaches only the unfiltered client.
	status := ts.doJSON(t, http.MethodPost, "/api/processes", processBody("p-other", "ws-b"), nil)
	require.Equal(t, http.StatusCreated, status)

	frame := unfiltered.nextOfType(t, ws.TypeProcessAdded, 2*time.Second)
	assert.Equal(t, "p-other", frame.Process.ID)

	// A process in the subscribed workspace reaches both. The filtered
	// client's first process frame must be this one, proving the ws-b add
	// was withheld.
	status = ts.doJSON(t, http.MethodPost, "/api/processes", processBody("p-mine", "ws-a"), nil)
	require.Equal(t, http.StatusCreated, status)

	frame = subscribed.nextOfType(t, ws.TypeProcessAdded, 2*time.Second)
	assert.Equal(t, "p-mine", frame.Process.ID)

	frame = unfiltered.nextOfType(t, ws.TypeProcessAdded, 2*time.Second)
	assert.Equal(t, "p-mine", frame.Process.ID)
}

func TestQueueUpdatesBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)

	status := ts.doJSON(t, http.MethodPost, "/api/queue/pause", nil, nil)
	require.Equal(t, http.StatusOK, status)

	client := dialWS(t, ts.wsURL)
	ts.enqueue(t, customTaskBody("broadcast me", "Broadcast", ""))

	// Earlier state changes may still broadcast after the dial, so wait for
	// the snapshot that contains the enqueued task.
	deadline := time.After(2 * time.Second)
	for {
		var raw json.RawMessage
		select {
		case raw = <-client.messages:
		case <-deadline:
			t.Fatal("no queue-updated frame carried the enqueued task")
		}

		var update struct {
			Type  ws.MessageType `json:"type"`
			Queue struct {
				Queued []taskJSON `json:"queued"`
			} `json:"queue"`
		}
		require.NoError(t, json.Unmarshal(raw, &update))
		if update.Type != ws.TypeQueueUpdated || len(update.Queue.Queued) == 0 {
			continue
		}
		assert.Equal(t, "Broadcast", update.Queue.Queued[0].DisplayName)
		return
	}
}

// readSSE parses one "event:" + "data:" pair from the stream.
func readSSE(t *testing.T, reader *bufio.Reader) (string, string) {
	t.Helper()

	var event, data string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event != "" || data != "" {
				return event, data
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "event: "); ok {
			event = value
		}
		if value, ok := strings.CutPrefix(line, "data: "); ok {
			data = value
		}
	}
}

func TestProcessStreamReplay(t *testing.T) {
	ts := newTestServer(t, nil)

	body := processBody("p-finished", "")
	body["status"] = "completed"
	status := ts.doJSON(t, http.MethodPost, "/api/processes", body, nil)
	require.Equal(t, http.StatusCreated, status)

	resp, err := http.Get(ts.baseURL + "/api/processes/p-finished/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	event, data := readSSE(t, reader)
	assert.Equal(t, "status", event)
	assert.Contains(t, data, `"completed"`)

	event, data = readSSE(t, reader)
	assert.Equal(t, "done", event)
	assert.Contains(t, data, "p-finished")

	// The handler returns after done, ending the stream.
	_, err = reader.ReadString('\n')
	require.Error(t, err)
}

func TestDashboardEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.baseURL + "/")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(page), `data-theme="dark"`)

	var health struct {
		Status       string `json:"status"`
		ProcessCount int    `json:"processCount"`
	}
	status := ts.doJSON(t, http.MethodGet, "/api/health", nil, &health)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health.Status)

	// API misses stay JSON instead of falling through to the page.
	var missing struct {
		Error string `json:"error"`
	}
	status = ts.doJSON(t, http.MethodGet, "/api/nope", nil, &missing)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not found", missing.Error)

	req, err := http.NewRequest(http.MethodOptions, ts.baseURL+"/api/queue", nil)
	require.NoError(t, err)
	preflight, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	preflight.Body.Close()
	assert.Equal(t, http.StatusNoContent, preflight.StatusCode)
	assert.Equal(t, "*", preflight.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatsAggregation(t *testing.T) {
	ts := newTestServer(t, nil)

	status := ts.doJSON(t, http.MethodPost, "/api/processes", processBody("p-1", "ws-a"), nil)
	require.Equal(t, http.StatusCreated, status)
	status = ts.doJSON(t, http.MethodPost, "/api/processes", processBody("p-2", "ws-a"), nil)
	require.Equal(t, http.StatusCreated, status)

	done := processBody("p-3", "")
	done["status"] = "completed"
	status = ts.doJSON(t, http.MethodPost, "/api/processes", done, nil)
	require.Equal(t, http.StatusCreated, status)

	var stats struct {
		Total       int            `json:"total"`
		ByStatus    map[string]int `json:"byStatus"`
		ByWorkspace map[string]int `json:"byWorkspace"`
	}
	status = ts.doJSON(t, http.MethodGet, "/api/stats", nil, &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus["running"])
	assert.Equal(t, 1, stats.ByStatus["completed"])
	assert.Equal(t, map[string]int{"ws-a": 2}, stats.ByWorkspace)
}
