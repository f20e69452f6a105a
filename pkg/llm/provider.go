// Package llm provides the model provider abstraction used by the agent engine.
package llm

import (
	"context"
	"errors"
	"slices"
)

// ProviderType represents the type of LLM provider
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGoogle ProviderType = "gemini"
	ProviderEcho   ProviderType = "echo"
)

// Capability represents optional provider input capabilities
type Capability string

const (
	CapabilityVision Capability = "vision"
	CapabilityAudio  Capability = "audio"
	CapabilityVideo  Capability = "video"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Media is binary input attached to a user message
type Media struct {
	Kind     string // image, audio, video
	MimeType string
	Data     []byte
}

// Message represents a chat message
type Message struct {
	Role       string
	Content    string
	Name       string     // tool name for RoleTool messages
	ToolCallID string     // id of the call a RoleTool message answers
	ToolCalls  []ToolCall // calls requested by an assistant message
	Media      []Media
}

// ToolCall represents a fully assembled function call
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON object
}

// ToolSpec describes a callable function to the model
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema object
}

// ChatRequest represents a chat completion request
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature float32
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one increment of a streamed completion. Content arrives in
// order; ToolCalls are delivered once, fully assembled, when the model
// finishes requesting them; Usage is reported at most once per request.
type StreamChunk struct {
	Content      string
	ToolCalls    []ToolCall
	Usage        *Usage
	FinishReason string
}

// Provider defines the interface for LLM providers
type Provider interface {
	Name() string
	Type() ProviderType
	Capabilities() []Capability
	// ChatStream streams one completion. Returning an error from fn aborts the
	// stream and ChatStream returns that error.
	ChatStream(ctx context.Context, req *ChatRequest, fn func(*StreamChunk) error) error
}

// ErrNoProvider is returned when no provider can be built from configuration
var ErrNoProvider = errors.New("no llm provider configured")

// HasCapability reports whether p declares c
func HasCapability(p Provider, c Capability) bool {
	return slices.Contains(p.Capabilities(), c)
}
