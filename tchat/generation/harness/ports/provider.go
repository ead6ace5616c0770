package harnessports

import (
	"context"
)

// Role names used in prompts.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// PromptMessage represents a single chat message used to build prompts.
// Assistant messages may carry the tool calls the model requested; tool
// messages carry the response for one call.
type PromptMessage struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	IsError    bool
}

// PromptInput aggregates everything the provider needs to produce a completion.
type PromptInput struct {
	System   string            // high-level system instructions
	Messages []PromptMessage   // ordered chat history plus the current tool exchange
	Context  []string          // retrieved context snippets
	Tools    []ToolSpec        // tool declarations available to the model
	Meta     map[string]string // lightweight metadata for tracing
}

// Options controls sampling and limits.
type Options struct {
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	Seed         int
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's response.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any
	Usage     *Usage
}

// Provider is the abstraction for the hosted chat model.
type Provider interface {
	Complete(ctx context.Context, in PromptInput, opts Options) (Completion, error)
}
