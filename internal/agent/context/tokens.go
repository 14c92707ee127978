// Package context enforces the model's input-token budget: counting
// tokens over the turn list and compacting it through summarization or
// drop-oldest truncation when the budget is exceeded.
package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/pkg/models"
)

// perMessageOverhead approximates the framing tokens each message costs
// beyond its text (role markers, separators).
const perMessageOverhead = 4

// Counter counts tokens in text. Deterministic for a given input.
type Counter interface {
	Count(text string) int
}

// TiktokenCounter counts with the cl100k_base BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the cl100k_base encoding.
func NewTiktokenCounter() (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the token count of text.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// MessageTokens counts one message, including framing overhead and the
// serialized input of tool calls.
func MessageTokens(c Counter, m models.Message) int {
	n := perMessageOverhead
	switch m.Type {
	case models.MessageToolCall:
		if m.ToolCall != nil {
			n += c.Count(m.ToolCall.Name)
			n += c.Count(string(m.ToolCall.Input))
		}
	default:
		n += c.Count(m.Text())
	}
	return n
}

// TurnTokens counts one turn.
func TurnTokens(c Counter, t state.Turn) int {
	n := 0
	for _, m := range t.Messages {
		n += MessageTokens(c, m)
	}
	return n
}

// TurnsTokens counts a whole turn list.
func TurnsTokens(c Counter, turns []state.Turn) int {
	n := 0
	for _, t := range turns {
		n += TurnTokens(c, t)
	}
	return n
}
