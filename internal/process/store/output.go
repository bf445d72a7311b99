package store

import (
	"sort"
	"sync"

	"github.com/cocdev/coc/internal/process/models"
)

// outputHub manages the lazily-created per-process output buses shared by
// every backend.
type outputHub struct {
	mu    sync.Mutex
	buses map[string]*outputBus
}

// outputBus is one process's subscriber set. The dispatch mutex serializes
// emissions so subscribers observe chunks in emission order.
type outputBus struct {
	mu          sync.Mutex // guards subscribers
	dispatchMu  sync.Mutex // serializes event delivery
	subscribers map[int]OutputHandler
	nextID      int
}

func newOutputHub() *outputHub {
	return &outputHub{buses: make(map[string]*outputBus)}
}

// bus returns the process's bus, creating it when create is set.
func (h *outputHub) bus(id string, create bool) *outputBus {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.buses[id]
	if !ok && create {
		b = &outputBus{subscribers: make(map[int]OutputHandler)}
		h.buses[id] = b
	}
	return b
}

// Subscribe registers a handler on the process's bus, creating the bus on
// first use.
func (h *outputHub) Subscribe(id string, handler OutputHandler) func() {
	b := h.bus(id, true)

	b.mu.Lock()
	subID := b.nextID
	b.nextID++
	b.subscribers[subID] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, subID)
		b.mu.Unlock()
	}
}

// EmitChunk delivers a content chunk to the process's subscribers. The bus
// is created on first emission when no subscriber arrived yet.
func (h *outputHub) EmitChunk(id, content string) {
	b := h.bus(id, true)
	b.dispatch(models.ProcessOutputEvent{Type: models.OutputChunk, Content: content})
}

// EmitComplete delivers the completion event and disposes the bus.
func (h *outputHub) EmitComplete(id string, status models.ProcessStatus, durationMs int64) {
	h.mu.Lock()
	b := h.buses[id]
	delete(h.buses, id)
	h.mu.Unlock()

	if b == nil {
		return
	}
	b.dispatch(models.ProcessOutputEvent{
		Type:       models.OutputComplete,
		Status:     status,
		DurationMs: durationMs,
	})
}

// Close drops every bus without delivering further events.
func (h *outputHub) Close() {
	h.mu.Lock()
	h.buses = make(map[string]*outputBus)
	h.mu.Unlock()
}

func (b *outputBus) dispatch(ev models.ProcessOutputEvent) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	b.mu.Lock()
	ids := make([]int, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids) // deliver in subscription order
	handlers := make([]OutputHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.subscribers[id])
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// changeHook is the single-slot change callback shared by every backend.
type changeHook struct {
	mu      sync.Mutex
	handler ChangeHandler
}

func (c *changeHook) Set(handler ChangeHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// Emit invokes the installed handler, if any. Called after the store mutex
// is released.
func (c *changeHook) Emit(ev models.ProcessChangeEvent) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}
