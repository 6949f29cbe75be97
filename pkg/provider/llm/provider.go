// Package llm defines the Provider interface for text-generation backends.
//
// A provider wraps a remote or local model API (an OpenAI-compatible hosted
// model, a local Ollama instance, ...) behind a single non-streaming completion
// call so that the NPC backend adapters stay independent of any specific SDK.
//
// Implementations must be safe for concurrent use and must abandon the
// underlying HTTP request promptly when the supplied context is cancelled.
package llm

import (
	"context"
	"errors"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrAuth marks failures caused by rejected credentials or an invalid model or
// endpoint configuration. Retrying such a call cannot succeed.
var ErrAuth = errors.New("llm: authentication or configuration rejected")

// ErrRateLimited marks failures where the backend reported that a quota or
// rate limit was exhausted.
var ErrRateLimited = errors.New("llm: rate limited or quota exhausted")

// Message is a single chat message.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// Usage holds token accounting information returned by the backend. Counts
// are zero when the backend does not report usage.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
type CompletionRequest struct {
	// SystemPrompt is an optional instruction injected before Messages.
	SystemPrompt string

	// Messages is the ordered conversation. At least one message is required.
	Messages []Message

	// Temperature controls output randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is returned by [Provider.Complete].
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier requests are sent to.
	Model() string
}
