package models

import (
	"encoding/json"
)

// ToolDescriptor describes a tool to the model and to the dispatcher.
// Names are unique within a registry.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`

	// ReadOnly marks tools with no side effects; the dispatcher runs them
	// concurrently. Mutating tools run strictly serially.
	ReadOnly bool `json:"read_only"`

	// RequiresConfirmation marks tools that are gated on user approval
	// unless the session's policy auto-approves them.
	RequiresConfirmation bool `json:"requires_confirmation"`
}

// ToolCallParameters is the runtime representation of a pending tool call.
type ToolCallParameters struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutput is the uniform result shape every tool execution produces.
type ToolOutput struct {
	// Content is what the model sees on the next iteration.
	Content []ContentBlock `json:"content"`

	// Display is a short human-oriented rendering for UIs. Falls back to
	// the text of Content when empty.
	Display string `json:"display,omitempty"`

	IsError bool `json:"is_error,omitempty"`
}

// TextOutput builds a plain-text tool output.
func TextOutput(text string) *ToolOutput {
	return &ToolOutput{Content: []ContentBlock{TextBlock(text)}}
}

// ErrorOutput builds an error tool output.
func ErrorOutput(text string) *ToolOutput {
	return &ToolOutput{Content: []ContentBlock{TextBlock(text)}, IsError: true}
}

// DisplayText returns Display, or the joined text content when unset.
func (o *ToolOutput) DisplayText() string {
	if o == nil {
		return ""
	}
	if o.Display != "" {
		return o.Display
	}
	return BlocksText(o.Content)
}

// ConfirmationKind categorizes what a confirmation gate is protecting.
type ConfirmationKind string

const (
	ConfirmEdit ConfirmationKind = "edit"
	ConfirmBash ConfirmationKind = "bash"
	ConfirmMCP  ConfirmationKind = "mcp"
)

// ConfirmationRequest is what a tool reports when its input requires user
// approval before execution.
type ConfirmationRequest struct {
	Kind    ConfirmationKind `json:"kind"`
	Message string           `json:"message"`
}

// ConfirmationResolution records the user's answer to a confirmation.
type ConfirmationResolution struct {
	Approved    bool   `json:"approved"`
	Alternative string `json:"alternative,omitempty"`
}

// ConfirmationTicket is the per-call handshake object gating mutating tools
// on user approval. It resolves exactly once, keyed by tool call ID.
type ConfirmationTicket struct {
	ToolCallID string                  `json:"tool_call_id"`
	Kind       ConfirmationKind        `json:"kind"`
	Message    string                  `json:"message"`
	Resolution *ConfirmationResolution `json:"resolution,omitempty"`
}
