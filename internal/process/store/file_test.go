package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cocdev/coc/internal/process/models"
)

func openFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, newTestLogger(t))
	require.NoError(t, err)
	return s
}

func TestFileStoreReload(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openFileStore(t, dir)
	done := newRunningProcess("proc-done", "ws-1")
	done.Status = models.StatusCompleted
	done.Result = "ok"
	done.StructuredResult = map[string]any{"exitCode": float64(0)}
	_, err := s.AddProcess(ctx, done)
	require.NoError(t, err)
	_, err = s.AddProcess(ctx, newRunningProcess("proc-live", "ws-1"))
	require.NoError(t, err)
	require.NoError(t, s.RegisterWorkspace(ctx, models.WorkspaceInfo{ID: "ws-1", Name: "alpha", RootPath: "/tmp/alpha"}))
	require.NoError(t, s.Close())

	reopened := openFileStore(t, dir)
	defer func() { _ = reopened.Close() }()

	all, err := reopened.GetAllProcesses(ctx, models.ProcessFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)

	got, err := reopened.GetProcess(ctx, "proc-done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "ok", got.Result)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, float64(0), got.StructuredResult["exitCode"])

	workspaces, err := reopened.GetWorkspaces(ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	assert.Equal(t, "alpha", workspaces[0].Name)
}

func TestFileStoreSkipsUnreadableEntries(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openFileStore(t, dir)
	_, err := s.AddProcess(ctx, newRunningProcess("proc-good", ""))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	processDir := filepath.Join(dir, processDirName)
	require.NoError(t, os.WriteFile(filepath.Join(processDir, "corrupt.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(processDir, "no-id.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(processDir, "notes.txt"), []byte("ignored"), 0o644))

	reopened := openFileStore(t, dir)
	defer func() { _ = reopened.Close() }()

	all, err := reopened.GetAllProcesses(ctx, models.ProcessFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "proc-good", all[0].ID)
}

func TestFileStoreDeletesFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openFileStore(t, dir)
	defer func() { _ = s.Close() }()

	for _, id := range []string{"a", "b"} {
		p := newRunningProcess(id, "")
		p.Status = models.StatusCompleted
		_, err := s.AddProcess(ctx, p)
		require.NoError(t, err)
	}
	processDir := filepath.Join(dir, processDirName)
	require.FileExists(t, filepath.Join(processDir, "a.json"))
	require.FileExists(t, filepath.Join(processDir, "b.json"))

	removed, err := s.RemoveProcess(ctx, "a")
	require.NoError(t, err)
	require.True(t, removed)
	assert.NoFileExists(t, filepath.Join(processDir, "a.json"))
	assert.FileExists(t, filepath.Join(processDir, "b.json"))

	count, err := s.ClearProcesses(ctx, models.ProcessFilter{
		Statuses: []models.ProcessStatus{models.StatusCompleted},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoFileExists(t, filepath.Join(processDir, "b.json"))
}

func TestFileStoreSanitizesFileNames(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openFileStore(t, dir)
	_, err := s.AddProcess(ctx, newRunningProcess("queue/task:9", ""))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(filepath.Join(dir, processDirName))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "queue-task-9.json", entries[0].Name())

	reopened := openFileStore(t, dir)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.GetProcess(ctx, "queue/task:9")
	require.NoError(t, err)
	assert.Equal(t, "queue/task:9", got.ID)
}

func TestFileStoreDatesAreRFC3339(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openFileStore(t, dir)
	defer func() { _ = s.Close() }()
	p := newRunningProcess("proc-1", "")
	p.Status = models.StatusCompleted
	_, err := s.AddProcess(ctx, p)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, processDirName, "proc-1.json"))
	require.NoError(t, err)

	var onDisk struct {
		StartTime string `json:"startTime"`
		EndTime   string `json:"endTime"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))
	_, err = time.Parse(time.RFC3339Nano, onDisk.StartTime)
	assert.NoError(t, err)
	_, err = time.Parse(time.RFC3339Nano, onDisk.EndTime)
	assert.NoError(t, err)
}
