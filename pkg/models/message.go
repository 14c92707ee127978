// Package models provides domain types for the Orbit agent platform.
package models

import (
	"encoding/json"
	"strings"
)

// Role indicates which participant produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageType identifies the kind of message within a turn.
type MessageType string

const (
	MessageUserText      MessageType = "user_text"
	MessageAssistantText MessageType = "assistant_text"
	MessageThinking      MessageType = "thinking"
	MessageToolCall      MessageType = "tool_call"
	MessageToolResult    MessageType = "tool_result"
)

// Message is the unit of the dialogue. It is a tagged variant: Type is the
// discriminator and exactly one payload pointer is non-nil for a given Type.
//
// Design principles (shared with Event):
//   - Versioned by shape: add fields, don't rename or remove
//   - Single Type discriminator with optional payload pointers
//   - Exhaustive switching at every use site
type Message struct {
	Type MessageType `json:"type"`

	User       *UserTextPayload      `json:"user,omitempty"`
	Assistant  *AssistantTextPayload `json:"assistant,omitempty"`
	Thinking   *ThinkingPayload      `json:"thinking,omitempty"`
	ToolCall   *ToolCallPayload      `json:"tool_call,omitempty"`
	ToolResult *ToolResultPayload    `json:"tool_result,omitempty"`
}

// UserTextPayload carries a user utterance with optional image attachments.
type UserTextPayload struct {
	Text   string     `json:"text"`
	Images []ImageRef `json:"images,omitempty"`
}

// AssistantTextPayload carries assistant prose. Summary marks synthetic
// messages produced by context compaction so they are never re-summarized.
type AssistantTextPayload struct {
	Text    string `json:"text"`
	Summary bool   `json:"summary,omitempty"`
}

// ThinkingPayload carries a model reasoning block with its provider signature.
type ThinkingPayload struct {
	Signature string `json:"signature,omitempty"`
	Text      string `json:"text"`
}

// ToolCallPayload is the model's request to execute a tool.
type ToolCallPayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultPayload is the outcome of a tool execution, attached to the
// assistant turn that issued the matching ToolCall.
type ToolResultPayload struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    []ContentBlock `json:"content"`
	IsError    bool           `json:"is_error,omitempty"`
}

// ImageRef references an image attachment by workspace-relative path.
type ImageRef struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
}

// ContentBlockType identifies the kind of content block.
type ContentBlockType string

const (
	BlockText  ContentBlockType = "text"
	BlockImage ContentBlockType = "image"
)

// ContentBlock is a tagged variant of text or inline image content.
type ContentBlock struct {
	Type  ContentBlockType `json:"type"`
	Text  string           `json:"text,omitempty"`
	Image *ImageBlock      `json:"image,omitempty"`
}

// ImageBlock carries inline image data. Data is base64-encoded so the
// persisted transcript stays valid JSON.
type ImageBlock struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// NewUserText builds a user text message.
func NewUserText(text string, images []ImageRef) Message {
	return Message{
		Type: MessageUserText,
		User: &UserTextPayload{Text: text, Images: images},
	}
}

// NewAssistantText builds an assistant text message.
func NewAssistantText(text string) Message {
	return Message{
		Type:      MessageAssistantText,
		Assistant: &AssistantTextPayload{Text: text},
	}
}

// NewSummary builds a synthetic assistant message holding a compaction summary.
func NewSummary(text string) Message {
	return Message{
		Type:      MessageAssistantText,
		Assistant: &AssistantTextPayload{Text: text, Summary: true},
	}
}

// NewThinking builds a thinking message.
func NewThinking(signature, text string) Message {
	return Message{
		Type:     MessageThinking,
		Thinking: &ThinkingPayload{Signature: signature, Text: text},
	}
}

// NewToolCall builds a tool call message.
func NewToolCall(id, name string, input json.RawMessage) Message {
	return Message{
		Type:     MessageToolCall,
		ToolCall: &ToolCallPayload{ID: id, Name: name, Input: input},
	}
}

// NewToolResult builds a tool result message from content blocks.
func NewToolResult(toolCallID string, content []ContentBlock, isError bool) Message {
	return Message{
		Type:       MessageToolResult,
		ToolResult: &ToolResultPayload{ToolCallID: toolCallID, Content: content, IsError: isError},
	}
}

// NewToolResultText builds a tool result message from a plain string.
func NewToolResultText(toolCallID, text string, isError bool) Message {
	return NewToolResult(toolCallID, []ContentBlock{TextBlock(text)}, isError)
}

// Text returns the human-readable text of the message, if any.
func (m Message) Text() string {
	switch m.Type {
	case MessageUserText:
		if m.User != nil {
			return m.User.Text
		}
	case MessageAssistantText:
		if m.Assistant != nil {
			return m.Assistant.Text
		}
	case MessageThinking:
		if m.Thinking != nil {
			return m.Thinking.Text
		}
	case MessageToolResult:
		if m.ToolResult != nil {
			return BlocksText(m.ToolResult.Content)
		}
	case MessageToolCall:
		// Tool calls carry no prose.
	}
	return ""
}

// IsSummary reports whether the message is a synthetic compaction summary.
func (m Message) IsSummary() bool {
	return m.Type == MessageAssistantText && m.Assistant != nil && m.Assistant.Summary
}

// BlocksText joins the text blocks of a content slice, skipping images.
func BlocksText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
