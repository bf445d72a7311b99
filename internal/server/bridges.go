package server

import (
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/queue"
	ws "github.com/cocdev/coc/pkg/websocket"
)

// installBridges connects queue and store change events to the hub. Every
// queue change broadcasts a fresh snapshot; store changes broadcast the
// summarized process, filtered by its workspace.
func (s *Server) installBridges() {
	s.opts.Queue.OnChange(func(queue.ChangeEvent) {
		s.opts.Gateway.Hub.Broadcast(ws.NewQueueUpdated(s.queueSnapshot()), "")
	})
	s.opts.Store.SetOnChange(func(ev models.ProcessChangeEvent) {
		s.opts.Gateway.Hub.Broadcast(processFrame(ev), processWorkspace(ev))
	})
}

// queueSnapshot is the queue-updated payload: summarized task lists plus
// the counters.
type queueSnapshot struct {
	Queued  []queue.TaskSummary `json:"queued"`
	Running []queue.TaskSummary `json:"running"`
	History []queue.TaskSummary `json:"history"`
	Stats   queue.Stats         `json:"stats"`
}

func (s *Server) queueSnapshot() queueSnapshot {
	return queueSnapshot{
		Queued:  summarize(s.opts.Queue.Queued()),
		Running: summarize(s.opts.Queue.Running()),
		History: summarize(s.opts.Queue.History()),
		Stats:   s.opts.Queue.Stats(),
	}
}

func summarize(tasks []*queue.Task) []queue.TaskSummary {
	out := make([]queue.TaskSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Summary())
	}
	return out
}

func processFrame(ev models.ProcessChangeEvent) ws.ProcessEvent {
	frameType := ws.TypeProcessesCleared
	switch ev.Type {
	case models.ProcessAdded:
		frameType = ws.TypeProcessAdded
	case models.ProcessUpdated:
		frameType = ws.TypeProcessUpdated
	case models.ProcessRemoved:
		frameType = ws.TypeProcessRemoved
	}
	if ev.Process == nil {
		return ws.NewProcessEvent(frameType, nil)
	}
	return ws.NewProcessEvent(frameType, ev.Process.Summary())
}

// processWorkspace extracts the broadcast filter. Cleared events carry no
// process and reach every client.
func processWorkspace(ev models.ProcessChangeEvent) string {
	if ev.Process == nil {
		return ""
	}
	return ev.Process.WorkspaceID()
}
