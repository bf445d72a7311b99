// Package copilot implements the executor's AIService over the GitHub
// Copilot SDK. Each Send owns a dedicated SDK session so concurrent tasks
// stay isolated; in-flight sessions are registered by request id for Abort.
//
// When CLIURL is configured, the SDK connects to an externally managed
// Copilot CLI server via TCP (JSON-RPC). Otherwise, the SDK spawns and
// manages the CLI process internally via stdio.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/cocdev/coc/internal/common/logger"
	"github.com/cocdev/coc/internal/executor"
)

// ErrUnavailable marks failures where the Copilot CLI could not be reached
// or started. Callers map it to the AI-unavailable exit code.
var ErrUnavailable = errors.New("copilot unavailable")

// IsUnavailable reports whether err stems from an unreachable Copilot CLI.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

const (
	defaultModel       = "gpt-4.1"
	defaultSendTimeout = 5 * time.Minute
)

// Config holds Copilot client configuration.
type Config struct {
	// CLIURL is the address of an externally managed Copilot CLI server
	// (e.g. "localhost:12345"). When set, the SDK connects via TCP instead
	// of spawning its own process.
	CLIURL string
	// Model is the default model for sessions that do not override it.
	Model string
	// ApprovePermissions auto-approves SDK permission requests. When false,
	// permission requests are denied; queued tasks run unattended and have
	// nobody to ask.
	ApprovePermissions bool
}

// Client wraps the Copilot SDK client behind the executor.AIService
// contract.
type Client struct {
	cfg    Config
	logger *logger.Logger

	mu        sync.Mutex
	sdkClient *copilot.Client
	active    map[string]*copilot.Session
	started   bool
}

var _ executor.AIService = (*Client)(nil)

// NewClient creates a Copilot client wrapper.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return &Client{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "copilot-sdk-client")),
		active: make(map[string]*copilot.Session),
	}
}

// Start initializes the Copilot SDK client. The actual connection is
// deferred to the first session creation via the SDK's AutoStart.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("client already started")
	}

	c.logger.Info("starting Copilot SDK client",
		zap.String("model", c.cfg.Model),
		zap.String("cli_url", c.cfg.CLIURL),
		zap.Bool("approve_permissions", c.cfg.ApprovePermissions))

	if c.cfg.CLIURL != "" {
		c.sdkClient = copilot.NewClient(&copilot.ClientOptions{
			CLIUrl:   c.cfg.CLIURL,
			LogLevel: "error",
		})
	} else {
		c.sdkClient = copilot.NewClient(nil)
	}

	c.started = true
	return nil
}

// Stop aborts in-flight sessions and shuts the SDK client down.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}

	c.logger.Info("stopping Copilot SDK client",
		zap.Int("active_sessions", len(c.active)))

	for id, session := range c.active {
		if err := session.Abort(); err != nil {
			c.logger.Warn("error aborting session",
				zap.String("request_id", id),
				zap.Error(err))
		}
	}

	if c.sdkClient != nil {
		for _, err := range c.sdkClient.Stop() {
			c.logger.Warn("error stopping SDK client", zap.Error(err))
		}
		c.sdkClient = nil
	}

	c.started = false
	return nil
}

// sendOutcome is the terminal signal of one session's event stream.
type sendOutcome struct {
	err error
}

// Send runs one prompt in a fresh session, streaming assistant deltas to
// req.OnChunk, and returns the accumulated text once the session goes idle.
func (c *Client) Send(ctx context.Context, req executor.SendRequest) (*executor.SendResult, error) {
	c.mu.Lock()
	sdkClient := c.sdkClient
	started := c.started
	c.mu.Unlock()

	if !started || sdkClient == nil {
		return nil, fmt.Errorf("%w: client not started", ErrUnavailable)
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}

	session, err := sdkClient.CreateSession(&copilot.SessionConfig{
		Model:               model,
		Streaming:           true,
		OnPermissionRequest: c.permissionHandler(req.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create session: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := session.Destroy(); err != nil {
			c.logger.Warn("error destroying session",
				zap.String("session_id", session.SessionID),
				zap.Error(err))
		}
	}()

	if req.ID != "" {
		c.mu.Lock()
		c.active[req.ID] = session
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.active, req.ID)
			c.mu.Unlock()
		}()
	}

	var (
		textMu         sync.Mutex
		text           strings.Builder
		receivedDeltas bool
	)
	done := make(chan sendOutcome, 1)
	finish := func(out sendOutcome) {
		select {
		case done <- out:
		default:
		}
	}

	// Register the event handler before sending so no events are lost.
	unsubscribe := session.On(func(evt copilot.SessionEvent) {
		switch evt.Type {
		case copilot.AssistantMessageDelta:
			if evt.Data.DeltaContent == nil || *evt.Data.DeltaContent == "" {
				return
			}
			textMu.Lock()
			text.WriteString(*evt.Data.DeltaContent)
			receivedDeltas = true
			textMu.Unlock()
			if req.OnChunk != nil {
				req.OnChunk(*evt.Data.DeltaContent)
			}

		case copilot.AssistantMessage:
			// Full messages duplicate streamed deltas; only use them when
			// no deltas arrived.
			if evt.Data.Content == nil || *evt.Data.Content == "" {
				return
			}
			textMu.Lock()
			hadDeltas := receivedDeltas
			if !hadDeltas {
				text.WriteString(*evt.Data.Content)
			}
			textMu.Unlock()
			if !hadDeltas && req.OnChunk != nil {
				req.OnChunk(*evt.Data.Content)
			}

		case copilot.SessionIdle:
			finish(sendOutcome{})

		case copilot.SessionError:
			msg := "session error"
			if evt.Data.Message != nil && *evt.Data.Message != "" {
				msg = *evt.Data.Message
			}
			finish(sendOutcome{err: errors.New(msg)})

		case copilot.Abort:
			finish(sendOutcome{err: context.Canceled})
		}
	})
	defer unsubscribe()

	prompt := req.Prompt
	// Sessions have no working-directory option; pass it as prompt context.
	if req.WorkingDirectory != "" {
		prompt = fmt.Sprintf("Working directory: %s\n\n%s", req.WorkingDirectory, prompt)
	}

	c.logger.Info("sending prompt",
		zap.String("request_id", req.ID),
		zap.String("session_id", session.SessionID),
		zap.String("model", model))

	if _, err := session.Send(copilot.MessageOptions{Prompt: prompt}); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
	case <-ctx.Done():
		c.abortSession(session)
		return nil, ctx.Err()
	case <-timer.C:
		c.abortSession(session)
		return nil, fmt.Errorf("copilot call timed out after %s", timeout)
	}

	textMu.Lock()
	defer textMu.Unlock()
	return &executor.SendResult{
		Text:      text.String(),
		SessionID: session.SessionID,
	}, nil
}

// Abort cancels the in-flight call registered under id, if any.
func (c *Client) Abort(id string) {
	c.mu.Lock()
	session := c.active[id]
	c.mu.Unlock()

	if session == nil {
		return
	}
	c.logger.Info("aborting in-flight call", zap.String("request_id", id))
	c.abortSession(session)
}

func (c *Client) abortSession(session *copilot.Session) {
	if err := session.Abort(); err != nil {
		c.logger.Warn("error aborting session",
			zap.String("session_id", session.SessionID),
			zap.Error(err))
	}
}

// permissionHandler resolves SDK permission requests without user
// interaction.
func (c *Client) permissionHandler(requestID string) copilot.PermissionHandler {
	return func(request copilot.PermissionRequest, _ copilot.PermissionInvocation) (copilot.PermissionRequestResult, error) {
		if c.cfg.ApprovePermissions {
			c.logger.Debug("auto-approving permission",
				zap.String("request_id", requestID),
				zap.String("kind", request.Kind),
				zap.String("tool_call_id", request.ToolCallID))
			return copilot.PermissionRequestResult{Kind: "approved"}, nil
		}
		c.logger.Warn("denying permission request",
			zap.String("request_id", requestID),
			zap.String("kind", request.Kind))
		return copilot.PermissionRequestResult{Kind: "denied-interactively-by-user"}, nil
	}
}
