// Package state maintains the authoritative dialogue for one session: an
// ordered list of turns that strictly alternate user/assistant, plus the
// session's accumulated token usage.
//
// State has a single writer (the session's agent controller). Other
// components read through SnapshotForModel, which copies.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

var (
	// ErrTurnOrder is returned when an append would break the strict
	// user/assistant alternation.
	ErrTurnOrder = errors.New("turns must alternate user/assistant starting with user")

	// ErrOrphanToolResult is returned when a tool result has no matching
	// pending tool call in the last assistant turn.
	ErrOrphanToolResult = errors.New("tool result does not match a pending tool call")
)

// Turn is an ordered sequence of messages produced atomically by one
// participant. A user turn is a single user_text message; an assistant
// turn may hold thinking, assistant_text, and tool_call messages, with
// tool_result messages attached by the controller.
type Turn struct {
	Role     models.Role      `json:"role"`
	Messages []models.Message `json:"messages"`
}

// Clone returns a deep-enough copy: the message slice is copied, payloads
// are treated as immutable after append.
func (t Turn) Clone() Turn {
	msgs := make([]models.Message, len(t.Messages))
	copy(msgs, t.Messages)
	return Turn{Role: t.Role, Messages: msgs}
}

// State owns the turn list for one session.
type State struct {
	mu            sync.RWMutex
	turns         []Turn
	lastUserTurn  int
	usage         models.TokenUsage
	lastMessageAt time.Time
}

// New creates an empty State.
func New() *State {
	return &State{lastUserTurn: -1}
}

// AppendUserTurn appends a user turn holding a single user_text message.
func (s *State) AppendUserTurn(text string, images []models.ImageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) > 0 && s.turns[len(s.turns)-1].Role == models.RoleUser {
		return ErrTurnOrder
	}
	s.turns = append(s.turns, Turn{
		Role:     models.RoleUser,
		Messages: []models.Message{models.NewUserText(text, images)},
	})
	s.lastUserTurn = len(s.turns) - 1
	s.lastMessageAt = time.Now()
	return nil
}

// AppendAssistantTurn appends an assistant turn with the given messages.
func (s *State) AppendAssistantTurn(msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 || s.turns[len(s.turns)-1].Role != models.RoleUser {
		return ErrTurnOrder
	}
	turn := Turn{Role: models.RoleAssistant, Messages: make([]models.Message, len(msgs))}
	copy(turn.Messages, msgs)
	s.turns = append(s.turns, turn)
	s.lastMessageAt = time.Now()
	return nil
}

// AppendAssistantMessages records a model response. After a tool round the
// last turn is still the open assistant turn holding the tool results, so
// the messages merge into it; otherwise they start a new assistant turn.
func (s *State) AppendAssistantMessages(msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return ErrTurnOrder
	}
	last := &s.turns[len(s.turns)-1]
	if last.Role == models.RoleAssistant {
		last.Messages = append(last.Messages, msgs...)
	} else {
		turn := Turn{Role: models.RoleAssistant, Messages: make([]models.Message, len(msgs))}
		copy(turn.Messages, msgs)
		s.turns = append(s.turns, turn)
	}
	s.lastMessageAt = time.Now()
	return nil
}

// AppendAssistantMessage adds one message to the most recent assistant
// turn, used for interrupt notes attached after tool results.
func (s *State) AppendAssistantMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 || s.turns[len(s.turns)-1].Role != models.RoleAssistant {
		return ErrTurnOrder
	}
	last := &s.turns[len(s.turns)-1]
	last.Messages = append(last.Messages, msg)
	s.lastMessageAt = time.Now()
	return nil
}

// AppendToolResult attaches a tool result to the most recent assistant
// turn. Fails with ErrOrphanToolResult if no matching tool call is pending.
func (s *State) AppendToolResult(toolCallID string, content []models.ContentBlock, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return ErrOrphanToolResult
	}
	last := &s.turns[len(s.turns)-1]
	if last.Role != models.RoleAssistant {
		return ErrOrphanToolResult
	}

	pending := false
	for _, m := range last.Messages {
		switch m.Type {
		case models.MessageToolCall:
			if m.ToolCall.ID == toolCallID {
				pending = true
			}
		case models.MessageToolResult:
			if m.ToolResult.ToolCallID == toolCallID {
				// Already resolved.
				return fmt.Errorf("%w: duplicate result for %s", ErrOrphanToolResult, toolCallID)
			}
		}
	}
	if !pending {
		return fmt.Errorf("%w: no call with id %s", ErrOrphanToolResult, toolCallID)
	}

	last.Messages = append(last.Messages, models.NewToolResult(toolCallID, content, isError))
	s.lastMessageAt = time.Now()
	return nil
}

// PendingToolCalls returns all tool calls in the last assistant turn that
// have no matching result, in message order.
func (s *State) PendingToolCalls() []models.ToolCallParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.turns) == 0 {
		return nil
	}
	last := s.turns[len(s.turns)-1]
	if last.Role != models.RoleAssistant {
		return nil
	}

	resolved := make(map[string]bool)
	for _, m := range last.Messages {
		if m.Type == models.MessageToolResult {
			resolved[m.ToolResult.ToolCallID] = true
		}
	}

	var pending []models.ToolCallParameters
	for _, m := range last.Messages {
		if m.Type == models.MessageToolCall && !resolved[m.ToolCall.ID] {
			pending = append(pending, models.ToolCallParameters{
				ID:    m.ToolCall.ID,
				Name:  m.ToolCall.Name,
				Input: m.ToolCall.Input,
			})
		}
	}
	return pending
}

// SnapshotForModel yields the turns as an ordered copy ready to be
// serialized for the model.
func (s *State) SnapshotForModel() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.Clone()
	}
	return out
}

// ReplaceTurns swaps the turn list, used by context compaction. The new
// list must satisfy the alternation invariant.
func (s *State) ReplaceTurns(turns []Turn) error {
	for i, t := range turns {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		if t.Role != want {
			return ErrTurnOrder
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = make([]Turn, len(turns))
	copy(s.turns, turns)
	s.lastUserTurn = -1
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == models.RoleUser {
			s.lastUserTurn = i
			break
		}
	}
	return nil
}

// LastAssistantText returns the text of the final assistant_text message
// in the last assistant turn, or "".
func (s *State) LastAssistantText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role != models.RoleAssistant {
			continue
		}
		for j := len(s.turns[i].Messages) - 1; j >= 0; j-- {
			m := s.turns[i].Messages[j]
			if m.Type == models.MessageAssistantText {
				return m.Assistant.Text
			}
		}
		return ""
	}
	return ""
}

// TurnCount returns the number of turns.
func (s *State) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// LastMessageAt returns the time of the most recent append.
func (s *State) LastMessageAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMessageAt
}

// AddUsage accumulates token usage from one model call.
func (s *State) AddUsage(u models.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

// Usage returns the session's accumulated token usage.
func (s *State) Usage() models.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

// Clear resets the dialogue, keeping the State value itself usable.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.lastUserTurn = -1
	s.usage = models.TokenUsage{}
	s.lastMessageAt = time.Time{}
}
