package handlers

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/cocdev/coc/internal/process/models"
)

// streamProcess serves GET /api/processes/:id/stream as server-sent events.
// A terminal process gets its current status and a done event, then the
// stream closes. A live process gets its status up front, then chunk events
// as output arrives, and finally the terminal status followed by done.
func (h *ProcessHandlers) streamProcess(c *gin.Context) {
	id := c.Param("id")
	proc, err := h.store.GetProcess(c.Request.Context(), id)
	if err != nil {
		handleError(c, h.logger, err, "process not found")
		return
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data)
		c.Writer.Flush()
	}

	writeEvent("status", statusPayload(proc))
	if proc.Status.IsTerminal() {
		writeEvent("done", gin.H{"id": id})
		return
	}

	// Blocking sends keep chunk ordering intact; the done channel frees the
	// emitter once the client is gone.
	events := make(chan models.ProcessOutputEvent, 16)
	done := make(chan struct{})
	defer close(done)
	unsubscribe := h.store.OnProcessOutput(id, func(ev models.ProcessOutputEvent) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	defer unsubscribe()

	// The process may have finished between the lookup and the
	// subscription; re-check so the stream cannot hang.
	if cur, err := h.store.GetProcess(c.Request.Context(), id); err == nil && cur.Status.IsTerminal() {
		writeEvent("status", statusPayload(cur))
		writeEvent("done", gin.H{"id": id})
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Type {
			case models.OutputChunk:
				writeEvent("chunk", gin.H{"content": ev.Content})
			case models.OutputComplete:
				writeEvent("status", gin.H{
					"id":       id,
					"status":   ev.Status,
					"duration": ev.DurationMs,
				})
				writeEvent("done", gin.H{"id": id})
				return
			}
		}
	}
}

func statusPayload(p *models.AIProcess) gin.H {
	out := gin.H{"id": p.ID, "status": p.Status}
	if p.EndTime != nil {
		out["duration"] = p.EndTime.Sub(p.StartTime).Milliseconds()
	}
	return out
}
