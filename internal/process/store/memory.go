package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cocdev/coc/internal/process/models"
)

// MemoryStore keeps processes and workspaces in mutex-guarded maps. State is
// lost on restart.
type MemoryStore struct {
	mu         sync.Mutex
	processes  map[string]*models.AIProcess
	workspaces map[string]models.WorkspaceInfo

	hook   *changeHook
	output *outputHub
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		processes:  make(map[string]*models.AIProcess),
		workspaces: make(map[string]models.WorkspaceInfo),
		hook:       &changeHook{},
		output:     newOutputHub(),
	}
}

// AddProcess inserts or replaces the record and always emits process-added.
func (s *MemoryStore) AddProcess(ctx context.Context, p *models.AIProcess) (*models.AIProcess, error) {
	record := normalizeProcess(p)

	s.mu.Lock()
	s.processes[record.ID] = record
	s.mu.Unlock()

	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessAdded, Process: record.Clone()})
	return record.Clone(), nil
}

// UpdateProcess shallow-merges the update; unknown ids are a silent no-op.
func (s *MemoryStore) UpdateProcess(ctx context.Context, id string, update models.ProcessUpdate) (*models.AIProcess, error) {
	s.mu.Lock()
	record, ok := s.processes[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	update.Apply(record)
	stampEndTime(record)
	updated := record.Clone()
	s.mu.Unlock()

	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessUpdated, Process: updated.Clone()})
	return updated, nil
}

// GetProcess returns the record or ErrProcessNotFound.
func (s *MemoryStore) GetProcess(ctx context.Context, id string) (*models.AIProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.processes[id]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return record.Clone(), nil
}

// GetAllProcesses returns matching records, newest first.
func (s *MemoryStore) GetAllProcesses(ctx context.Context, filter models.ProcessFilter) ([]*models.AIProcess, error) {
	s.mu.Lock()
	matched := make([]*models.AIProcess, 0, len(s.processes))
	for _, record := range s.processes {
		if filter.Matches(record) {
			matched = append(matched, record.Clone())
		}
	}
	s.mu.Unlock()

	sortProcesses(matched)
	return paginate(matched, filter.Offset, filter.Limit), nil
}

// RemoveProcess deletes the record, emitting process-removed.
func (s *MemoryStore) RemoveProcess(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	record, ok := s.processes[id]
	if ok {
		delete(s.processes, id)
	}
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessRemoved, Process: record.Clone()})
	return true, nil
}

// ClearProcesses deletes matching records and emits a single
// processes-cleared event.
func (s *MemoryStore) ClearProcesses(ctx context.Context, filter models.ProcessFilter) (int, error) {
	removed := s.removeMatching(filter)
	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessesCleared})
	return len(removed), nil
}

// removeMatching deletes and returns every record passing the filter. The
// caller emits the change event.
func (s *MemoryStore) removeMatching(filter models.ProcessFilter) []*models.AIProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*models.AIProcess
	for id, record := range s.processes {
		if filter.Matches(record) {
			delete(s.processes, id)
			removed = append(removed, record)
		}
	}
	return removed
}

// load seeds a record without emitting events. Used while reading persisted
// state at startup.
func (s *MemoryStore) load(p *models.AIProcess) {
	s.mu.Lock()
	s.processes[p.ID] = p
	s.mu.Unlock()
}

// loadWorkspace seeds a workspace without persistence side effects.
func (s *MemoryStore) loadWorkspace(ws models.WorkspaceInfo) {
	s.mu.Lock()
	s.workspaces[ws.ID] = ws
	s.mu.Unlock()
}

// GetWorkspaces returns registered workspaces sorted by name.
func (s *MemoryStore) GetWorkspaces(ctx context.Context) ([]models.WorkspaceInfo, error) {
	s.mu.Lock()
	out := make([]models.WorkspaceInfo, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		out = append(out, ws)
	}
	s.mu.Unlock()

	sortWorkspaces(out)
	return out, nil
}

// RegisterWorkspace upserts the workspace record.
func (s *MemoryStore) RegisterWorkspace(ctx context.Context, ws models.WorkspaceInfo) error {
	s.mu.Lock()
	s.workspaces[ws.ID] = ws
	s.mu.Unlock()
	return nil
}

// SetOnChange installs the single change hook.
func (s *MemoryStore) SetOnChange(handler ChangeHandler) {
	s.hook.Set(handler)
}

// OnProcessOutput subscribes to the process's output stream.
func (s *MemoryStore) OnProcessOutput(id string, handler OutputHandler) func() {
	return s.output.Subscribe(id, handler)
}

// EmitProcessOutput delivers a chunk to output subscribers.
func (s *MemoryStore) EmitProcessOutput(id, content string) {
	s.output.EmitChunk(id, content)
}

// EmitProcessComplete delivers the completion event and disposes the bus.
func (s *MemoryStore) EmitProcessComplete(id string, status models.ProcessStatus, durationMs int64) {
	s.output.EmitComplete(id, status, durationMs)
}

// Close drops the output buses.
func (s *MemoryStore) Close() error {
	s.output.Close()
	return nil
}

// normalizeProcess clones the input and fills fields the store owns: a zero
// StartTime becomes now, and terminal records get an EndTime.
func normalizeProcess(p *models.AIProcess) *models.AIProcess {
	record := p.Clone()
	if record.StartTime.IsZero() {
		record.StartTime = time.Now().UTC()
	}
	stampEndTime(record)
	return record
}

// stampEndTime sets EndTime on terminal records that lack one.
func stampEndTime(p *models.AIProcess) {
	if p.Status.IsTerminal() && p.EndTime == nil {
		now := time.Now().UTC()
		p.EndTime = &now
	}
}

// sortProcesses orders newest first, ties broken by id for determinism.
func sortProcesses(list []*models.AIProcess) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].StartTime.Equal(list[j].StartTime) {
			return list[i].StartTime.After(list[j].StartTime)
		}
		return list[i].ID < list[j].ID
	})
}

func sortWorkspaces(list []models.WorkspaceInfo) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
}

// paginate applies offset and limit; limit 0 means unlimited.
func paginate(list []*models.AIProcess, offset, limit int) []*models.AIProcess {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(list) {
		return []*models.AIProcess{}
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
