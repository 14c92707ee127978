package models

import (
	"time"
)

// EventType identifies the kind of observable event.
type EventType string

const (
	EventAgentThinking         EventType = "agent_thinking"
	EventAgentResponse         EventType = "agent_response"
	EventToolCall              EventType = "tool_call"
	EventToolConfirmation      EventType = "tool_confirmation"
	EventToolResult            EventType = "tool_result"
	EventResponseInterrupted   EventType = "agent_response_interrupted"
	EventError                 EventType = "error"
	EventProcessing            EventType = "processing"
	EventConnectionEstablished EventType = "connection_established"
	EventUserMessage           EventType = "user_message"

	// EventSubscriberLag is emitted to healthy subscribers when a slow
	// subscriber has events dropped.
	EventSubscriberLag EventType = "subscriber_lag"
)

// Event is an entry in the per-session observable stream. Content is a
// loosely-typed map so subscribers (console, socket, store) can serialize
// it without knowing every payload shape.
type Event struct {
	Type      EventType      `json:"type"`
	Content   map[string]any `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, content map[string]any) Event {
	if content == nil {
		content = map[string]any{}
	}
	return Event{
		Type:      t,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// ErrorEvent builds an ERROR event from an error.
func ErrorEvent(err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return NewEvent(EventError, map[string]any{"message": msg})
}
