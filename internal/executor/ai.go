package executor

import (
	"context"
	"time"
)

// SendRequest describes a single prompt execution against the AI backend.
type SendRequest struct {
	// ID correlates the in-flight call so Abort can find it.
	ID               string
	Prompt           string
	WorkingDirectory string
	// Model overrides the backend default when non-empty.
	Model string
	// Timeout bounds the call; zero selects the backend default.
	Timeout time.Duration
	// OnChunk receives streamed output fragments as they arrive. May be nil.
	// It is called from the backend's event goroutine.
	OnChunk func(chunk string)
}

// SendResult is the final output of a completed AI call.
type SendResult struct {
	Text      string
	SessionID string
}

// AIService executes prompts against an AI backend. Implementations must be
// safe for concurrent use; each Send owns an isolated session.
type AIService interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	// Abort cancels the in-flight call registered under id, if any.
	Abort(id string)
}
