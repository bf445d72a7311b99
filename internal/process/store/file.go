package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/process/models"
)

const (
	processDirName     = "processes"
	workspacesFileName = "workspaces.json"
)

// FileStore keeps the full record set in memory and mirrors every mutation
// to disk: one JSON document per process under <dataDir>/processes plus a
// single workspaces.json. Disk writes are best effort. A failed write is
// logged and the in-memory state stays authoritative for the rest of the
// session.
type FileStore struct {
	mem        *MemoryStore
	processDir string
	wsPath     string
	logger     *logger.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads previously persisted records from dataDir. Entries that
// cannot be read or parsed are skipped with a warning so one corrupt file
// does not take down the whole store.
func NewFileStore(dataDir string, log *logger.Logger) (*FileStore, error) {
	processDir := filepath.Join(dataDir, processDirName)
	if err := os.MkdirAll(processDir, 0o755); err != nil {
		return nil, err
	}

	s := &FileStore{
		mem:        NewMemoryStore(),
		processDir: processDir,
		wsPath:     filepath.Join(dataDir, workspacesFileName),
		logger:     log.WithComponent("process-store"),
	}
	s.loadWorkspaces()
	s.loadProcesses()
	return s, nil
}

func (s *FileStore) AddProcess(ctx context.Context, p *models.AIProcess) (*models.AIProcess, error) {
	record, err := s.mem.AddProcess(ctx, p)
	if err != nil {
		return nil, err
	}
	s.writeProcess(record)
	return record, nil
}

func (s *FileStore) UpdateProcess(ctx context.Context, id string, update models.ProcessUpdate) (*models.AIProcess, error) {
	record, err := s.mem.UpdateProcess(ctx, id, update)
	if err != nil || record == nil {
		return record, err
	}
	s.writeProcess(record)
	return record, nil
}

func (s *FileStore) GetProcess(ctx context.Context, id string) (*models.AIProcess, error) {
	return s.mem.GetProcess(ctx, id)
}

func (s *FileStore) GetAllProcesses(ctx context.Context, filter models.ProcessFilter) ([]*models.AIProcess, error) {
	return s.mem.GetAllProcesses(ctx, filter)
}

func (s *FileStore) RemoveProcess(ctx context.Context, id string) (bool, error) {
	removed, err := s.mem.RemoveProcess(ctx, id)
	if err == nil && removed {
		s.removeProcessFile(id)
	}
	return removed, err
}

func (s *FileStore) ClearProcesses(ctx context.Context, filter models.ProcessFilter) (int, error) {
	removed := s.mem.removeMatching(filter)
	for _, record := range removed {
		s.removeProcessFile(record.ID)
	}
	s.mem.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessesCleared})
	return len(removed), nil
}

func (s *FileStore) GetWorkspaces(ctx context.Context) ([]models.WorkspaceInfo, error) {
	return s.mem.GetWorkspaces(ctx)
}

func (s *FileStore) RegisterWorkspace(ctx context.Context, ws models.WorkspaceInfo) error {
	if err := s.mem.RegisterWorkspace(ctx, ws); err != nil {
		return err
	}
	s.writeWorkspaces(ctx)
	return nil
}

func (s *FileStore) SetOnChange(handler ChangeHandler) {
	s.mem.SetOnChange(handler)
}

func (s *FileStore) OnProcessOutput(id string, handler OutputHandler) func() {
	return s.mem.OnProcessOutput(id, handler)
}

func (s *FileStore) EmitProcessOutput(id, content string) {
	s.mem.EmitProcessOutput(id, content)
}

func (s *FileStore) EmitProcessComplete(id string, status models.ProcessStatus, durationMs int64) {
	s.mem.EmitProcessComplete(id, status, durationMs)
}

func (s *FileStore) Close() error {
	return s.mem.Close()
}

func (s *FileStore) loadProcesses() {
	entries, err := os.ReadDir(s.processDir)
	if err != nil {
		s.logger.Warn("failed to read process directory", zap.String("dir", s.processDir), zap.Error(err))
		return
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.processDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable process file", zap.String("path", path), zap.Error(err))
			continue
		}
		var record models.AIProcess
		if err := json.Unmarshal(data, &record); err != nil {
			s.logger.Warn("skipping malformed process file", zap.String("path", path), zap.Error(err))
			continue
		}
		if record.ID == "" {
			s.logger.Warn("skipping process file without id", zap.String("path", path))
			continue
		}
		s.mem.load(&record)
		loaded++
	}
	if loaded > 0 {
		s.logger.Info("loaded persisted processes", zap.Int("count", loaded))
	}
}

func (s *FileStore) loadWorkspaces() {
	data, err := os.ReadFile(s.wsPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to read workspaces file", zap.String("path", s.wsPath), zap.Error(err))
		}
		return
	}
	var workspaces []models.WorkspaceInfo
	if err := json.Unmarshal(data, &workspaces); err != nil {
		s.logger.Warn("skipping malformed workspaces file", zap.String("path", s.wsPath), zap.Error(err))
		return
	}
	for _, ws := range workspaces {
		if ws.ID == "" {
			continue
		}
		s.mem.loadWorkspace(ws)
	}
}

func (s *FileStore) writeProcess(record *models.AIProcess) {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode process", zap.String("process_id", record.ID), zap.Error(err))
		return
	}
	path := s.processPath(record.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn("failed to persist process", zap.String("path", path), zap.Error(err))
	}
}

func (s *FileStore) removeProcessFile(id string) {
	path := s.processPath(id)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove process file", zap.String("path", path), zap.Error(err))
	}
}

func (s *FileStore) writeWorkspaces(ctx context.Context) {
	workspaces, err := s.mem.GetWorkspaces(ctx)
	if err != nil {
		return
	}
	data, err := json.MarshalIndent(workspaces, "", "  ")
	if err != nil {
		s.logger.Warn("failed to encode workspaces", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.wsPath, data, 0o644); err != nil {
		s.logger.Warn("failed to persist workspaces", zap.String("path", s.wsPath), zap.Error(err))
	}
}

func (s *FileStore) processPath(id string) string {
	return filepath.Join(s.processDir, sanitizeFileName(id)+".json")
}

// sanitizeFileName keeps ids safe to use as file names. Anything outside
// [A-Za-z0-9._-] is replaced so a hostile id cannot escape the directory.
func sanitizeFileName(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if name == "" || name == "." || name == ".." {
		return "process"
	}
	return name
}
