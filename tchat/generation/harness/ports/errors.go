package harnessports

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a failure crossing the adapter or orchestrator boundary.
type Code string

const (
	CodeUnknownTool         Code = "unknown_tool"
	CodeSchemaMismatch      Code = "schema_mismatch"
	CodeMissingCredentials  Code = "missing_credentials"
	CodeUpstreamRejected    Code = "upstream_rejected"
	CodeTranscriptionFailed Code = "transcription_failed"
	CodeEmptyUpstreamOutput Code = "empty_upstream_output"
	CodeNoDecodableMedia    Code = "no_decodable_media"
	CodeNoRows              Code = "no_rows"
	CodeToolLoopExceeded    Code = "tool_loop_exceeded"
	CodeUpstreamTimeout     Code = "upstream_timeout"
)

// Error is the typed failure value carried by ToolResult and orchestrator
// responses. Two errors match under errors.Is when their codes are equal.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

// Sentinels for errors.Is.
var (
	ErrUnknownTool         = &Error{Code: CodeUnknownTool}
	ErrSchemaMismatch      = &Error{Code: CodeSchemaMismatch}
	ErrMissingCredentials  = &Error{Code: CodeMissingCredentials}
	ErrUpstreamRejected    = &Error{Code: CodeUpstreamRejected}
	ErrTranscriptionFailed = &Error{Code: CodeTranscriptionFailed}
	ErrEmptyUpstreamOutput = &Error{Code: CodeEmptyUpstreamOutput}
	ErrNoDecodableMedia    = &Error{Code: CodeNoDecodableMedia}
	ErrNoRows              = &Error{Code: CodeNoRows}
	ErrToolLoopExceeded    = &Error{Code: CodeToolLoopExceeded}
	ErrUpstreamTimeout     = &Error{Code: CodeUpstreamTimeout}
)

// NewError builds an Error with a formatted reason.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error that keeps the underlying cause.
func WrapError(code Code, err error, reason string) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so that wrapped and sentinel values compare equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// UserMessage renders the failure in terms an end user can act on.
func (e *Error) UserMessage() string {
	switch e.Code {
	case CodeUnknownTool:
		return "The assistant tried to use a tool that is not available. Please rephrase your request."
	case CodeSchemaMismatch:
		if e.Reason != "" {
			return "The request could not be run: " + e.Reason
		}
		return "The request could not be run because its input was malformed."
	case CodeMissingCredentials:
		return "This feature is not configured. Please ask an administrator to add the required credentials."
	case CodeUpstreamRejected:
		return "An external service rejected the request. Please try again later."
	case CodeTranscriptionFailed:
		return "The audio could not be transcribed."
	case CodeEmptyUpstreamOutput:
		return "An external service returned an empty answer. Please try again."
	case CodeNoDecodableMedia:
		return "The image service did not return a usable image."
	case CodeNoRows:
		return "No results found."
	case CodeToolLoopExceeded:
		return "I could not finish this request within the allowed number of tool calls. Please narrow the question."
	case CodeUpstreamTimeout:
		return "An external service took too long to respond. Please try again."
	default:
		return "Something went wrong while handling the request."
	}
}

// AsError converts any fault into a typed Error. Deadline and cancellation
// faults map to UpstreamTimeout, everything else to UpstreamRejected.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WrapError(CodeUpstreamTimeout, err, "")
	}
	return WrapError(CodeUpstreamRejected, err, "")
}
