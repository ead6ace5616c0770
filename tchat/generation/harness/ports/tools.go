package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// ToolResult is the tagged union every adapter call ends in: either Ok with
// text and optional structured data, or Err with a typed reason.
type ToolResult struct {
	Text string
	Data any
	Err  *Error
}

// Ok builds a successful result.
func Ok(text string, data any) ToolResult {
	return ToolResult{Text: text, Data: data}
}

// Fail builds a failed result from any error.
func Fail(err error) ToolResult {
	return ToolResult{Err: AsError(err)}
}

// Empty builds the explicit empty-result signal.
func Empty(text string) ToolResult {
	return ToolResult{Text: text, Err: &Error{Code: CodeNoRows}}
}

// IsOk reports whether the call succeeded.
func (r ToolResult) IsOk() bool { return r.Err == nil }

// IsEmpty reports whether the call succeeded with no data. It is not a failure.
func (r ToolResult) IsEmpty() bool { return r.Err != nil && r.Err.Code == CodeNoRows }

// ModelContent is the string fed back to the model for this result, and
// whether the model should treat it as an error.
func (r ToolResult) ModelContent() (string, bool) {
	switch {
	case r.Err == nil:
		if r.Text == "" && r.Data != nil {
			if b, err := json.Marshal(r.Data); err == nil {
				return string(b), false
			}
		}
		return r.Text, false
	case r.IsEmpty():
		if r.Text != "" {
			return r.Text, false
		}
		return "No results found.", false
	default:
		return "Error: " + r.Err.Error(), true
	}
}

// Tool defines the runtime that executes a tool call. Invoke must never
// panic or return a raw fault; every outcome is a ToolResult.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	Invoke(ctx context.Context, args json.RawMessage) ToolResult
}

// ArgValidator is implemented by tools that enforce a syntactic allow-list on
// their arguments. The registry runs it before the handler.
type ArgValidator interface {
	ValidateArgs(args json.RawMessage) error
}

// Idempotent is implemented by tools that are safe to retry once.
type Idempotent interface {
	Idempotent() bool
}
