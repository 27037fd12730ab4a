package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// StreamEventType defines the type of streaming event
type StreamEventType string

const (
	EventTypeText     StreamEventType = "text"
	EventTypeToolCall StreamEventType = "tool_call"
	EventTypeError    StreamEventType = "error"
	EventTypeDone     StreamEventType = "done"
)

// StreamEvent represents a streaming response event
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Error    error           `json:"-"`
}

// ToolCall represents a tool invocation from the AI
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of a tool call fed back to the model
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one turn of the running generation context. Assistant turns may
// carry tool calls; tool turns carry the matching results.
type Message struct {
	Role        string       `json:"role"` // user, assistant, tool
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDefinition describes a tool available to the AI
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ResponseSchema constrains the model output to a JSON document
type ResponseSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// Instruction renders the schema as a system-prompt suffix for providers
// without native structured output.
func (s *ResponseSchema) Instruction() string {
	return fmt.Sprintf("\n\nRespond ONLY with a single JSON object (no prose, no code fences) that matches this JSON schema named %q:\n%s",
		s.Name, string(s.Schema))
}

// ChatRequest represents a request to the AI provider
type ChatRequest struct {
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	System         string           `json:"system,omitempty"`
	Model          string           `json:"model,omitempty"` // Model override
	ResponseFormat *ResponseSchema  `json:"response_format,omitempty"`
}

// UnavailableReason explains why a provider cannot serve requests right now
type UnavailableReason string

const (
	ReasonNotConfigured    UnavailableReason = "not_configured"    // capability not enabled (no key, no endpoint)
	ReasonIneligible       UnavailableReason = "ineligible"        // endpoint rejects this client
	ReasonModelNotReady    UnavailableReason = "model_not_ready"   // model not downloaded or loaded
	ReasonResourcePressure UnavailableReason = "resource_pressure" // transient: server busy or unreachable
)

// Availability reports whether a provider can take a request
type Availability struct {
	Available bool              `json:"available"`
	Reason    UnavailableReason `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

// Ready is the available state
func Ready() Availability { return Availability{Available: true} }

// Unavailable builds an unavailable state
func Unavailable(reason UnavailableReason, detail string) Availability {
	return Availability{Reason: reason, Detail: detail}
}

func (a Availability) String() string {
	if a.Available {
		return "available"
	}
	if a.Detail != "" {
		return fmt.Sprintf("unavailable (%s: %s)", a.Reason, a.Detail)
	}
	return fmt.Sprintf("unavailable (%s)", a.Reason)
}

// Provider interface for AI providers
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai")
	ID() string

	// Availability reports whether requests can be served right now
	Availability(ctx context.Context) Availability

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// Prewarm hints that a request is imminent
	Prewarm(ctx context.Context)
}

// debugAI enables verbose AI request/response logging
var debugAI = os.Getenv("NEBOCHAT_DEBUG_AI") != ""
