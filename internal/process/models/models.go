// Package models defines the AI process records tracked by the process store.
package models

import (
	"strings"
	"time"
)

type ProcessStatus string

const (
	StatusQueued    ProcessStatus = "queued"
	StatusRunning   ProcessStatus = "running"
	StatusCompleted ProcessStatus = "completed"
	StatusFailed    ProcessStatus = "failed"
	StatusCancelled ProcessStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal status.
func (s ProcessStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ValidProcessStatus reports whether s is a known status.
func ValidProcessStatus(s ProcessStatus) bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AIProcess is one tracked AI execution. Executor-created processes use ids
// formatted "queue-{taskId}". Dates are RFC 3339 on the wire and on disk;
// EndTime is present iff the status is terminal.
type AIProcess struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	PromptPreview    string         `json:"promptPreview"`
	FullPrompt       string         `json:"fullPrompt,omitempty"`
	Status           ProcessStatus  `json:"status"`
	StartTime        time.Time      `json:"startTime"`
	EndTime          *time.Time     `json:"endTime,omitempty"`
	Error            string         `json:"error,omitempty"`
	Result           string         `json:"result,omitempty"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ParentProcessID  string         `json:"parentProcessId,omitempty"`
	SDKSessionID     string         `json:"sdkSessionId,omitempty"`
	StructuredResult map[string]any `json:"structuredResult,omitempty"`
	RawStdoutPath    string         `json:"rawStdoutFilePath,omitempty"`
	ResultFilePath   string         `json:"resultFilePath,omitempty"`
}

// WorkspaceID returns the workspace this process belongs to, carried in
// metadata, or "".
func (p *AIProcess) WorkspaceID() string {
	if p.Metadata == nil {
		return ""
	}
	id, _ := p.Metadata["workspaceId"].(string)
	return id
}

// Clone returns a defensive copy.
func (p *AIProcess) Clone() *AIProcess {
	if p == nil {
		return nil
	}
	out := *p
	if p.EndTime != nil {
		end := *p.EndTime
		out.EndTime = &end
	}
	out.Metadata = cloneMap(p.Metadata)
	out.StructuredResult = cloneMap(p.StructuredResult)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ProcessSummary is the broadcast projection of a process: fullPrompt,
// result, and structuredResult are stripped.
type ProcessSummary struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	PromptPreview    string         `json:"promptPreview"`
	Status           ProcessStatus  `json:"status"`
	StartTime        time.Time      `json:"startTime"`
	EndTime          *time.Time     `json:"endTime,omitempty"`
	Error            string         `json:"error,omitempty"`
	WorkingDirectory string         `json:"workingDirectory,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ParentProcessID  string         `json:"parentProcessId,omitempty"`
	SDKSessionID     string         `json:"sdkSessionId,omitempty"`
}

// Summary projects the process for WebSocket broadcast.
func (p *AIProcess) Summary() ProcessSummary {
	s := ProcessSummary{
		ID:               p.ID,
		Type:             p.Type,
		PromptPreview:    p.PromptPreview,
		Status:           p.Status,
		StartTime:        p.StartTime,
		Error:            p.Error,
		WorkingDirectory: p.WorkingDirectory,
		Metadata:         cloneMap(p.Metadata),
		ParentProcessID:  p.ParentProcessID,
		SDKSessionID:     p.SDKSessionID,
	}
	if p.EndTime != nil {
		end := *p.EndTime
		s.EndTime = &end
	}
	return s
}

// ProcessUpdate is a shallow merge applied by UpdateProcess: nil fields are
// left untouched, non-nil fields replace the process value.
type ProcessUpdate struct {
	Status           *ProcessStatus `json:"status,omitempty"`
	Result           *string        `json:"result,omitempty"`
	Error            *string        `json:"error,omitempty"`
	EndTime          *time.Time     `json:"endTime,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	StructuredResult map[string]any `json:"structuredResult,omitempty"`
	SDKSessionID     *string        `json:"sdkSessionId,omitempty"`
	RawStdoutPath    *string        `json:"rawStdoutFilePath,omitempty"`
	ResultFilePath   *string        `json:"resultFilePath,omitempty"`
}

// Apply merges the update into p. The store stamps EndTime when the merge
// reaches a terminal status without one.
func (u ProcessUpdate) Apply(p *AIProcess) {
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Result != nil {
		p.Result = *u.Result
	}
	if u.Error != nil {
		p.Error = *u.Error
	}
	if u.EndTime != nil {
		end := *u.EndTime
		p.EndTime = &end
	}
	if u.Metadata != nil {
		p.Metadata = cloneMap(u.Metadata)
	}
	if u.StructuredResult != nil {
		p.StructuredResult = cloneMap(u.StructuredResult)
	}
	if u.SDKSessionID != nil {
		p.SDKSessionID = *u.SDKSessionID
	}
	if u.RawStdoutPath != nil {
		p.RawStdoutPath = *u.RawStdoutPath
	}
	if u.ResultFilePath != nil {
		p.ResultFilePath = *u.ResultFilePath
	}
}

// ProcessFilter narrows GetAllProcesses results. Zero values mean "any".
type ProcessFilter struct {
	WorkspaceID string
	Statuses    []ProcessStatus
	Type        string
	Since       time.Time
	Limit       int
	Offset      int
}

// Matches reports whether p passes the filter's predicates. Limit and
// Offset are applied by the store, not here.
func (f ProcessFilter) Matches(p *AIProcess) bool {
	if f.WorkspaceID != "" && p.WorkspaceID() != f.WorkspaceID {
		return false
	}
	if f.Type != "" && p.Type != f.Type {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if p.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && p.StartTime.Before(f.Since) {
		return false
	}
	return true
}

// ParseStatusList parses a comma-separated status list, ignoring empty
// entries and surrounding whitespace.
func ParseStatusList(csv string) []ProcessStatus {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	var out []ProcessStatus
	for _, part := range strings.Split(csv, ",") {
		s := ProcessStatus(strings.TrimSpace(part))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type ProcessChangeType string

const (
	ProcessAdded     ProcessChangeType = "process-added"
	ProcessUpdated   ProcessChangeType = "process-updated"
	ProcessRemoved   ProcessChangeType = "process-removed"
	ProcessesCleared ProcessChangeType = "processes-cleared"
)

// ProcessChangeEvent notifies store observers. Process is nil for
// processes-cleared.
type ProcessChangeEvent struct {
	Type    ProcessChangeType `json:"type"`
	Process *AIProcess        `json:"process,omitempty"`
}

type OutputEventType string

const (
	OutputChunk    OutputEventType = "chunk"
	OutputComplete OutputEventType = "complete"
)

// ProcessOutputEvent is one event on a per-process output stream: a content
// chunk, or the final completion carrying status and duration.
type ProcessOutputEvent struct {
	Type       OutputEventType `json:"type"`
	Content    string          `json:"content,omitempty"`
	Status     ProcessStatus   `json:"status,omitempty"`
	DurationMs int64           `json:"duration,omitempty"`
}

// WorkspaceInfo names a registered workspace.
type WorkspaceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	RootPath string `json:"rootPath"`
	Color    string `json:"color,omitempty"`
}
