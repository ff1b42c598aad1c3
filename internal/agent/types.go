// Package agent implements the tool-calling chat loop: a fixed tool
// registry, a validating executor with layered caching, and the state
// machine that alternates model turns with tool execution until the model
// produces a final text answer.
package agent

import "encoding/json"

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
	RoleTool  Role = "tool"
)

// ToolCall is a single function-call request emitted by the model.
type ToolCall struct {
	// ID correlates the call with its result within one turn. The model
	// API may leave it empty; correlation then falls back to order.
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResult is the outcome of executing one ToolCall. Exactly one result
// is produced per call; a failed execution yields a result with Err set
// rather than no result at all.
type ToolResult struct {
	CallID  string          `json:"call_id,omitempty"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     *ToolError      `json:"error,omitempty"`
}

// Turn is one entry in a conversation transcript.
type Turn struct {
	Role      Role         `json:"role"`
	Text      string       `json:"text,omitempty"`
	ToolCalls []ToolCall   `json:"tool_calls,omitempty"`
	Results   []ToolResult `json:"tool_results,omitempty"`
}

// ModelTurn is one response from the language model: zero or more text
// fragments in emission order, plus any function calls. A turn with no
// tool calls is final.
type ModelTurn struct {
	Fragments []string
	ToolCalls []ToolCall
}

// Final reports whether this turn ends the loop.
func (t ModelTurn) Final() bool {
	return len(t.ToolCalls) == 0
}

// Text joins the turn's fragments into the full turn text.
func (t ModelTurn) Text() string {
	switch len(t.Fragments) {
	case 0:
		return ""
	case 1:
		return t.Fragments[0]
	}
	var n int
	for _, f := range t.Fragments {
		n += len(f)
	}
	b := make([]byte, 0, n)
	for _, f := range t.Fragments {
		b = append(b, f...)
	}
	return string(b)
}
