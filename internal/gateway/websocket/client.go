package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	ws "github.com/cocdev/coc/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB

	// Outbound buffer per client; a full buffer marks the client as slow
	sendBufferSize = 256
)

// Client is a single WebSocket connection. Its workspace subscription and
// last-seen timestamp drive broadcast filtering and the idle sweep.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu          sync.Mutex
	workspaceID string
	lastSeen    time.Time
	closed      bool

	logger *logger.Logger
}

var _ ws.Sender = (*Client)(nil)

// NewClient creates a client around an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
		lastSeen: time.Now(),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ID returns the client's unique id.
func (c *Client) ID() string { return c.id }

// Touch refreshes the last-seen timestamp.
func (c *Client) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the last-seen timestamp.
func (c *Client) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Subscribe sets the workspace filter; empty clears it.
func (c *Client) Subscribe(workspaceID string) {
	c.mu.Lock()
	c.workspaceID = workspaceID
	c.mu.Unlock()
}

// AllowsWorkspace reports whether a message tagged with the workspace should
// reach this client: subscribed to it, or not subscribed at all.
func (c *Client) AllowsWorkspace(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workspaceID == "" || c.workspaceID == workspaceID
}

// Send queues an outbound frame. Returns false when the buffer is full.
func (c *Client) Send(msg any) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once. Sends and the close
// share the client mutex so a handler can never write a closed channel.
func (c *Client) closeSend() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// ReadPump pumps messages from the connection into the dispatcher. It owns
// unregistration: when the read side ends, for any reason, the client leaves
// the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		// Text frames only; other frame types are ignored.
		if msgType != websocket.TextMessage {
			continue
		}

		var msg ws.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("Ignoring malformed message", zap.Error(err))
			continue
		}

		handled, err := c.hub.dispatcher.Dispatch(ctx, c, &msg)
		if err != nil {
			c.logger.Error("Handler error", zap.String("type", string(msg.Type)), zap.Error(err))
			continue
		}
		if !handled {
			c.logger.Debug("Ignoring unknown message type", zap.String("type", string(msg.Type)))
		}
	}
}

// WritePump writes queued frames to the connection, one message per frame so
// browser clients can JSON-parse each frame on its own.
func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}

	// Hub closed the channel.
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// closeConn tears down the underlying connection; the read pump then
// unregisters the client.
func (c *Client) closeConn() {
	_ = c.conn.Close()
}
