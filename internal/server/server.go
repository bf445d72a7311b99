// Package server composes the dashboard: REST handlers, the WebSocket hub,
// the change-event bridges, and the HTTP lifecycle.
package server

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/config"
	"github.com/cocdev/coc/internal/common/httpmw"
	"github.com/cocdev/coc/internal/common/logger"
	gateway "github.com/cocdev/coc/internal/gateway/websocket"
	prochandlers "github.com/cocdev/coc/internal/process/handlers"
	"github.com/cocdev/coc/internal/process/models"
	"github.com/cocdev/coc/internal/process/store"
	"github.com/cocdev/coc/internal/queue"
	qhandlers "github.com/cocdev/coc/internal/queue/handlers"
)

//go:embed web/index.html
var indexHTML string

// Options carries the server's collaborators. Canceller is normally the
// executor; nil falls back to queue-only cancellation.
type Options struct {
	Config    *config.Config
	Queue     *queue.Manager
	Store     store.Store
	Gateway   *gateway.Gateway
	Canceller qhandlers.TaskCanceller
	Logger    *logger.Logger
}

// Server owns the HTTP surface and the hub lifecycle. The queue, store,
// and executor are owned by the caller.
type Server struct {
	opts      Options
	logger    *logger.Logger
	router    *gin.Engine
	httpSrv   *http.Server
	listener  net.Listener
	indexPage []byte
	hubCancel context.CancelFunc
	startedAt time.Time
}

func New(opts Options) *Server {
	s := &Server{
		opts:      opts,
		logger:    opts.Logger.WithFields(zap.String("component", "server")),
		startedAt: time.Now(),
	}
	s.indexPage = renderIndexPage(opts.Config.Serve.Theme, s.logger)
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() *gin.Engine {
	if s.opts.Config.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.CustomRecovery(func(c *gin.Context, _ any) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}))
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(s.opts.Logger))
	router.Use(httpmw.OtelTracing("coc"))

	s.opts.Gateway.SetupRoutes(router)
	qhandlers.RegisterQueueRoutes(router, s.opts.Queue, s.opts.Canceller, s.opts.Logger)
	prochandlers.RegisterProcessRoutes(router, s.opts.Store, s.opts.Logger)
	prochandlers.RegisterWorkspaceRoutes(router, s.opts.Store, s.opts.Logger)

	api := router.Group("/api")
	api.GET("/stats", s.getStats)
	api.GET("/health", s.getHealth)

	router.NoRoute(s.serveIndex)
	return router
}

// corsMiddleware allows the browser dashboard to call the API from any
// origin. Preflights are answered with 204 before routing.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start runs the hub, installs the bridges, and begins serving. The
// listener is bound synchronously so address errors surface to the caller.
func (s *Server) Start(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	s.hubCancel = cancel
	go s.opts.Gateway.Hub.Run(hubCtx)
	s.installBridges()

	addr := s.opts.Config.Serve.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.opts.Config.Serve.ReadTimeoutDuration(),
		WriteTimeout: s.opts.Config.Serve.WriteTimeoutDuration(),
	}
	s.startedAt = time.Now()

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	s.logger.Info("Dashboard listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Router exposes the HTTP handler, used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Shutdown closes the WebSocket clients first, then drains HTTP
// connections within the context's budget.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hubCancel != nil {
		s.hubCancel()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) getHealth(c *gin.Context) {
	procs, err := s.opts.Store.GetAllProcesses(c.Request.Context(), models.ProcessFilter{})
	if err != nil {
		s.logger.Error("health check failed to read store", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       int64(time.Since(s.startedAt).Seconds()),
		"processCount": len(procs),
	})
}

func (s *Server) getStats(c *gin.Context) {
	procs, err := s.opts.Store.GetAllProcesses(c.Request.Context(), models.ProcessFilter{})
	if err != nil {
		s.logger.Error("stats failed to read store", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		return
	}

	byStatus := make(map[models.ProcessStatus]int)
	byWorkspace := make(map[string]int)
	for _, p := range procs {
		byStatus[p.Status]++
		if id := p.WorkspaceID(); id != "" {
			byWorkspace[id]++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":       len(procs),
		"byStatus":    byStatus,
		"byWorkspace": byWorkspace,
	})
}

// serveIndex answers every unrouted path: API misses stay JSON, anything
// else gets the embedded dashboard page so client-side routes deep-link.
func (s *Server) serveIndex(c *gin.Context) {
	path := c.Request.URL.Path
	if path == "/ws" || path == "/api" || strings.HasPrefix(path, "/api/") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", s.indexPage)
}

func renderIndexPage(theme string, log *logger.Logger) []byte {
	tmpl, err := template.New("index").Parse(indexHTML)
	if err != nil {
		log.Error("failed to parse index page template", zap.Error(err))
		return []byte(indexHTML)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Theme string }{Theme: theme}); err != nil {
		log.Error("failed to render index page", zap.Error(err))
		return []byte(indexHTML)
	}
	return buf.Bytes()
}
