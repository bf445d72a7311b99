package websocket

import "context"

// Sender is one connected peer as seen by message handlers.
type Sender interface {
	// ID returns the peer's unique id.
	ID() string
	// Send queues an outbound frame; false means the peer's buffer is full.
	Send(msg any) bool
	// Touch refreshes the peer's last-seen timestamp.
	Touch()
	// Subscribe sets the peer's workspace filter; empty clears it.
	Subscribe(workspaceID string)
}

// Handler processes one inbound WebSocket message.
type Handler interface {
	Handle(ctx context.Context, from Sender, msg *Message) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, from Sender, msg *Message) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, from Sender, msg *Message) error {
	return f(ctx, from, msg)
}

// Dispatcher routes inbound messages to handlers by message type.
type Dispatcher struct {
	handlers map[MessageType]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[MessageType]Handler)}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(msgType MessageType, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(msgType MessageType, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes the message to its handler. Unknown types are ignored and
// report handled=false.
func (d *Dispatcher) Dispatch(ctx context.Context, from Sender, msg *Message) (bool, error) {
	handler, ok := d.handlers[msg.Type]
	if !ok {
		return false, nil
	}
	return true, handler.Handle(ctx, from, msg)
}

// HasHandler returns true if a handler is registered for the message type.
func (d *Dispatcher) HasHandler(msgType MessageType) bool {
	_, ok := d.handlers[msgType]
	return ok
}
