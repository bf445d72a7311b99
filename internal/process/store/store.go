// Package store tracks AI processes and workspaces, and fans out change and
// per-process output events to the transport layer.
package store

import (
	"context"
	"errors"

	"github.com/cocdev/coc/internal/process/models"
)

// ErrProcessNotFound is returned by GetProcess for unknown ids.
var ErrProcessNotFound = errors.New("process not found")

// ChangeHandler observes store change events. The store holds a single
// handler slot; SetOnChange replaces any previous handler.
type ChangeHandler func(models.ProcessChangeEvent)

// OutputHandler observes one process's output stream.
type OutputHandler func(models.ProcessOutputEvent)

// Store is the process store contract. All backends share identical event
// semantics; change and output callbacks are always delivered in-process and
// never run under the store mutex.
type Store interface {
	// AddProcess inserts or replaces the record (idempotent upsert) and
	// always emits process-added. A zero StartTime is stamped with now; a
	// terminal status without EndTime is stamped as well.
	AddProcess(ctx context.Context, p *models.AIProcess) (*models.AIProcess, error)

	// UpdateProcess shallow-merges the update into the record and emits one
	// process-updated. Unknown ids are a silent no-op returning (nil, nil).
	// A merge into a terminal status stamps EndTime when the caller did not.
	UpdateProcess(ctx context.Context, id string, update models.ProcessUpdate) (*models.AIProcess, error)

	// GetProcess returns the record or ErrProcessNotFound.
	GetProcess(ctx context.Context, id string) (*models.AIProcess, error)

	// GetAllProcesses returns records matching the filter, newest first.
	GetAllProcesses(ctx context.Context, filter models.ProcessFilter) ([]*models.AIProcess, error)

	// RemoveProcess deletes the record, emitting process-removed. Returns
	// false for unknown ids.
	RemoveProcess(ctx context.Context, id string) (bool, error)

	// ClearProcesses deletes all records matching the filter and emits
	// exactly one processes-cleared event regardless of how many matched.
	ClearProcesses(ctx context.Context, filter models.ProcessFilter) (int, error)

	// GetWorkspaces returns the registered workspaces.
	GetWorkspaces(ctx context.Context) ([]models.WorkspaceInfo, error)

	// RegisterWorkspace upserts a workspace; re-registering an id is
	// idempotent.
	RegisterWorkspace(ctx context.Context, ws models.WorkspaceInfo) error

	// SetOnChange installs the change hook, replacing any previous one.
	SetOnChange(handler ChangeHandler)

	// OnProcessOutput subscribes to one process's output stream. The bus is
	// created lazily; the returned function unsubscribes.
	OnProcessOutput(id string, handler OutputHandler) (unsubscribe func())

	// EmitProcessOutput delivers a content chunk to the process's
	// subscribers, preserving emission order.
	EmitProcessOutput(id, content string)

	// EmitProcessComplete delivers the final completion event and disposes
	// the process's output bus.
	EmitProcessComplete(id string, status models.ProcessStatus, durationMs int64)

	Close() error
}
