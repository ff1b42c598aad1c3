package agent

import (
	"errors"
	"fmt"
)

// ErrorCode classifies tool and loop failures. The code decides whether the
// loop keeps going (the model sees the failure and may recover) or the
// request dies.
type ErrorCode string

const (
	// CodeInvalidArgument means the model supplied arguments that failed
	// schema validation, or named a tool outside the registry. Recoverable:
	// the result is fed back so the model can correct itself.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"

	// CodeUpstreamError means a collaborator (market data, knowledge index,
	// sentiment source) failed or timed out. Recoverable: the model is told
	// and may answer from what it has.
	CodeUpstreamError ErrorCode = "UPSTREAM_ERROR"

	// CodeProtocolViolation means the tool-call/result pairing broke: a
	// model turn's calls did not produce exactly one result each. Fatal for
	// the request; the conversation history is not advanced past the last
	// consistent state.
	CodeProtocolViolation ErrorCode = "PROTOCOL_VIOLATION"

	// CodeIterationBudget means the loop hit its turn cap while the model
	// still wanted tools. Not fatal: the stream degrades to a truncation
	// notice followed by done.
	CodeIterationBudget ErrorCode = "ITERATION_BUDGET_EXCEEDED"
)

// ToolError is a classified tool failure carried inside a ToolResult.
type ToolError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewToolError builds a ToolError with a formatted message.
func NewToolError(code ErrorCode, format string, args ...any) *ToolError {
	return &ToolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

var (
	// ErrUnknownTool indicates the model requested a tool outside the
	// registry's fixed catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrProtocolViolation indicates a broken call/result pairing. The
	// request fails immediately; nothing is padded or dropped to repair it.
	ErrProtocolViolation = errors.New("tool call/result pairing violated")

	// ErrModelTurn wraps failures of the language-model call itself.
	ErrModelTurn = errors.New("model turn failed")
)
