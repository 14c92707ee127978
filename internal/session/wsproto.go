package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/orbit/pkg/models"
)

// Inbound frame types.
const (
	frameInitAgent   = "init_agent"
	frameUserMessage = "user_message"
	frameCancel      = "cancel"
	frameToolConfirm = "tool_confirmation_response"
	frameClear       = "clear"
	frameCompact     = "compact"
)

// inboundFrame is one text frame from the client: {type, content}.
type inboundFrame struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// initAgentContent completes the handshake.
type initAgentContent struct {
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
}

// userMessageContent triggers a run.
type userMessageContent struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// toolConfirmContent resolves a pending confirmation.
type toolConfirmContent struct {
	ToolCallID  string `json:"tool_call_id"`
	Approved    bool   `json:"approved"`
	Alternative string `json:"alternative,omitempty"`
}

// outboundFrame is one event pushed to the client: {type, content,
// timestamp}.
type outboundFrame struct {
	Type      models.EventType `json:"type"`
	Content   map[string]any   `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
}

func encodeEvent(e models.Event) ([]byte, error) {
	return json.Marshal(outboundFrame{Type: e.Type, Content: e.Content, Timestamp: e.Timestamp})
}

const frameSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string"},
		"content": {"type": "object"}
	}
}`

var contentSchemas = map[string]string{
	frameInitAgent: `{
		"type": "object",
		"properties": {
			"session_id": {"type": "string"},
			"device_id": {"type": "string"}
		}
	}`,
	frameUserMessage: `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"text": {"type": "string", "minLength": 1},
			"attachments": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	frameCancel: `{"type": "object"}`,
	frameToolConfirm: `{
		"type": "object",
		"required": ["tool_call_id", "approved"],
		"properties": {
			"tool_call_id": {"type": "string", "minLength": 1},
			"approved": {"type": "boolean"},
			"alternative": {"type": "string"}
		}
	}`,
	frameClear:   `{"type": "object"}`,
	frameCompact: `{"type": "object"}`,
}

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	content map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("ws_frame", frameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.frame = compiled

		frameSchemas.content = make(map[string]*jsonschema.Schema, len(contentSchemas))
		for name, schema := range contentSchemas {
			compiled, err := jsonschema.CompileString("ws_content_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.content[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// decodeFrame parses and validates one inbound text frame.
func decodeFrame(raw []byte) (*inboundFrame, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("frame is not JSON: %w", err)
	}
	if err := frameSchemas.frame.Validate(payload); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}

	schema, known := frameSchemas.content[frame.Type]
	if !known {
		return nil, fmt.Errorf("unknown frame type %q", frame.Type)
	}
	var content any = map[string]any{}
	if len(frame.Content) > 0 {
		if err := json.Unmarshal(frame.Content, &content); err != nil {
			return nil, fmt.Errorf("frame content is not JSON: %w", err)
		}
	}
	if err := schema.Validate(content); err != nil {
		return nil, fmt.Errorf("invalid %s content: %w", frame.Type, err)
	}
	return &frame, nil
}
