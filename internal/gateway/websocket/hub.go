// Package websocket is the WebSocket gateway: it tracks connected dashboard
// clients, filters broadcasts by workspace subscription, and sweeps idle
// connections.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	ws "github.com/cocdev/coc/pkg/websocket"
)

const (
	defaultHeartbeatInterval = 60 * time.Second
	defaultIdleTimeout       = 90 * time.Second
)

// HubOptions tunes the idle sweep. Zero values select the defaults.
type HubOptions struct {
	// HeartbeatInterval is how often idle clients are checked.
	HeartbeatInterval time.Duration
	// IdleTimeout closes clients whose last-seen exceeds it.
	IdleTimeout time.Duration
}

type broadcastFrame struct {
	data        []byte
	workspaceID string
}

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastFrame
	done       chan struct{}

	dispatcher *ws.Dispatcher
	opts       HubOptions

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing inbound messages through the dispatcher.
func NewHub(dispatcher *ws.Dispatcher, opts HubOptions, log *logger.Logger) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastFrame, 256),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		opts:       opts,
		logger:     log.WithComponent("ws_hub"),
	}
}

// Run starts the hub's main processing loop. It returns when ctx is
// cancelled, after closing every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID()))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.broadcastFrame(frame)

		case <-ticker.C:
			h.sweepIdleClients()
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast fans a frame out to clients. A non-empty workspaceID restricts
// delivery to clients subscribed to that workspace plus unsubscribed
// clients; an empty one reaches everyone.
func (h *Hub) Broadcast(msg any, workspaceID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- broadcastFrame{data: data, workspaceID: workspaceID}:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the inbound message dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

func (h *Hub) broadcastFrame(frame broadcastFrame) {
	h.mu.RLock()
	var stalled []*Client
	for client := range h.clients {
		if frame.workspaceID != "" && !client.AllowsWorkspace(frame.workspaceID) {
			continue
		}
		if !client.sendRaw(frame.data) {
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	// A full send buffer means the consumer stopped reading; drop it rather
	// than queue without bound.
	for _, client := range stalled {
		h.logger.Warn("Dropping slow WebSocket client", zap.String("client_id", client.ID()))
		client.closeConn()
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
		h.logger.Debug("Client unregistered", zap.String("client_id", client.ID()))
	}
}

func (h *Hub) sweepIdleClients() {
	cutoff := time.Now().Add(-h.opts.IdleTimeout)

	h.mu.RLock()
	var idle []*Client
	for client := range h.clients {
		if client.LastSeen().Before(cutoff) {
			idle = append(idle, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range idle {
		h.logger.Debug("Closing idle WebSocket client", zap.String("client_id", client.ID()))
		client.closeConn()
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		client.closeConn()
		delete(h.clients, client)
	}
}
