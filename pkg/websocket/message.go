// Package websocket defines the wire protocol spoken on /ws: flat JSON
// messages discriminated by a "type" field.
package websocket

import "time"

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	// Client -> server
	TypePing      MessageType = "ping"
	TypeSubscribe MessageType = "subscribe"

	// Server -> client
	TypeWelcome          MessageType = "welcome"
	TypePong             MessageType = "pong"
	TypeQueueUpdated     MessageType = "queue-updated"
	TypeProcessAdded     MessageType = "process-added"
	TypeProcessUpdated   MessageType = "process-updated"
	TypeProcessRemoved   MessageType = "process-removed"
	TypeProcessesCleared MessageType = "processes-cleared"
)

// Message is a decoded inbound frame. The protocol is flat, so the
// discriminating type sits beside the message fields.
type Message struct {
	Type        MessageType `json:"type"`
	WorkspaceID string      `json:"workspaceId,omitempty"`
}

// Welcome greets a client right after the upgrade.
type Welcome struct {
	Type      MessageType `json:"type"`
	ClientID  string      `json:"clientId"`
	Timestamp int64       `json:"timestamp"`
}

// NewWelcome builds the welcome frame. The timestamp is epoch milliseconds.
func NewWelcome(clientID string, now time.Time) Welcome {
	return Welcome{Type: TypeWelcome, ClientID: clientID, Timestamp: now.UnixMilli()}
}

// Pong answers a client ping.
type Pong struct {
	Type MessageType `json:"type"`
}

// NewPong builds the pong frame.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// QueueUpdated carries a full queue snapshot.
type QueueUpdated struct {
	Type  MessageType `json:"type"`
	Queue any         `json:"queue"`
}

// NewQueueUpdated builds a queue-updated frame around the snapshot.
func NewQueueUpdated(queue any) QueueUpdated {
	return QueueUpdated{Type: TypeQueueUpdated, Queue: queue}
}

// ProcessEvent carries a process change. Process is empty for
// processes-cleared.
type ProcessEvent struct {
	Type    MessageType `json:"type"`
	Process any         `json:"process,omitempty"`
}

// NewProcessEvent builds a process change frame.
func NewProcessEvent(eventType MessageType, process any) ProcessEvent {
	return ProcessEvent{Type: eventType, Process: process}
}
