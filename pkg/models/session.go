package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionDeleted SessionStatus = "deleted"
)

// SessionRecord is the durable row describing a session. Created on first
// connection, updated on every completed turn, soft-deleted.
type SessionRecord struct {
	ID            string        `json:"id"`
	WorkspaceDir  string        `json:"workspace_dir"`
	Name          string        `json:"name,omitempty"`
	DeviceID      string        `json:"device_id,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastMessageAt time.Time     `json:"last_message_at,omitempty"`
}

// TokenUsage is the small usage record surfaced from opaque provider
// responses.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
