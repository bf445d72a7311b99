package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/cocdev/coc/internal/common/logger"
	ws "github.com/cocdev/coc/pkg/websocket"
)

// Gateway bundles the WebSocket hub, its dispatcher, and the HTTP handler.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates the gateway with the core protocol handlers registered.
func NewGateway(opts HubOptions, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, opts, log)
	handler := NewHandler(hub, log)
	registerProtocolHandlers(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// registerProtocolHandlers wires the client-stateful core messages: ping
// keeps the connection alive, subscribe sets the workspace filter.
func registerProtocolHandlers(d *ws.Dispatcher) {
	d.RegisterFunc(ws.TypePing, func(ctx context.Context, from ws.Sender, msg *ws.Message) error {
		from.Touch()
		from.Send(ws.NewPong())
		return nil
	})
	d.RegisterFunc(ws.TypeSubscribe, func(ctx context.Context, from ws.Sender, msg *ws.Message) error {
		from.Touch()
		from.Subscribe(msg.WorkspaceID)
		return nil
	})
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
