package context

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/pkg/models"
)

// droppedPlaceholder stands in for history removed without a summarizer.
const droppedPlaceholder = "[Earlier conversation truncated]"

// Manager compacts the turn list to fit a token budget.
//
// The first user turn (head) and the most recent user turn plus everything
// after it (tail) are never touched. Between them, whole turns are folded
// oldest-first into a single synthetic assistant turn of summary messages.
// Folding consumes the leading assistant turn first and user/assistant
// pairs after that, so the surviving list always keeps the strict
// user/assistant alternation. Tool calls and their results live in the
// same turn, so a fold never separates them.
type Manager struct {
	counter    Counter
	summarizer Summarizer
	logger     *slog.Logger
}

// NewManager creates a Manager. summarizer may be nil, in which case
// compaction drops folded turns instead of summarizing them.
func NewManager(counter Counter, summarizer Summarizer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{counter: counter, summarizer: summarizer, logger: logger}
}

// CountTokens counts the model-input tokens of the turn list.
func (m *Manager) CountTokens(turns []state.Turn) int {
	return TurnsTokens(m.counter, turns)
}

// TruncateIfNeeded returns turns unchanged when within budget, otherwise
// compacts until the budget is met or nothing unprotected remains.
func (m *Manager) TruncateIfNeeded(ctx context.Context, turns []state.Turn, budget int) ([]state.Turn, error) {
	if m.CountTokens(turns) <= budget {
		return turns, nil
	}
	return m.compact(ctx, turns, budget, false)
}

// Truncate compacts unconditionally: the whole unprotected middle is
// folded into summaries regardless of the current token count.
func (m *Manager) Truncate(ctx context.Context, turns []state.Turn, budget int) ([]state.Turn, error) {
	return m.compact(ctx, turns, budget, true)
}

// region splits the turn list into protected head, foldable middle, and
// protected tail.
func region(turns []state.Turn) (head state.Turn, middle, tail []state.Turn, ok bool) {
	lastUser := -1
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser <= 1 {
		return state.Turn{}, nil, nil, false
	}
	return turns[0], turns[1:lastUser], turns[lastUser:], true
}

// isSummaryTurn reports whether t is a synthetic turn produced by an
// earlier compaction.
func isSummaryTurn(t state.Turn) bool {
	if t.Role != models.RoleAssistant || len(t.Messages) == 0 {
		return false
	}
	for _, msg := range t.Messages {
		if !msg.IsSummary() {
			return false
		}
	}
	return true
}

func (m *Manager) compact(ctx context.Context, turns []state.Turn, budget int, full bool) ([]state.Turn, error) {
	head, middle, tail, ok := region(turns)
	if !ok {
		return turns, nil
	}

	// Summaries from earlier compactions carry over and are never
	// re-summarized.
	var summaries []models.Message
	rest := middle
	if isSummaryTurn(rest[0]) {
		summaries = append(summaries, rest[0].Messages...)
		rest = rest[1:]
	}

	rebuild := func() []state.Turn {
		out := make([]state.Turn, 0, len(rest)+len(tail)+2)
		out = append(out, head)
		if len(summaries) > 0 {
			msgs := make([]models.Message, len(summaries))
			copy(msgs, summaries)
			out = append(out, state.Turn{Role: models.RoleAssistant, Messages: msgs})
		}
		out = append(out, rest...)
		out = append(out, tail...)
		return out
	}
	within := func() bool {
		return m.CountTokens(rebuild()) <= budget
	}

	// Fold oldest-first: a leading assistant turn alone, then whole
	// user/assistant pairs.
	for len(rest) > 0 {
		if !full && within() {
			break
		}
		var unit []state.Turn
		if rest[0].Role == models.RoleAssistant {
			unit, rest = rest[:1], rest[1:]
		} else if len(rest) >= 2 {
			unit, rest = rest[:2], rest[2:]
		} else {
			break
		}
		summaries = append(summaries, m.fold(ctx, unit))
	}

	// Still over budget with nothing left to fold: shed the oldest
	// summaries, keeping one so the alternation survives.
	if !full {
		for len(summaries) > 1 && !within() {
			summaries = summaries[1:]
		}
	}
	return rebuild(), nil
}

// fold turns one unit into a summary message, falling back to a
// placeholder when no summarizer is configured or it fails.
func (m *Manager) fold(ctx context.Context, unit []state.Turn) models.Message {
	if m.summarizer != nil {
		text, err := m.summarizer.Summarize(ctx, unit)
		if err == nil {
			return models.NewSummary(text)
		}
		m.logger.Warn("summarizer failed, dropping turns", "error", err, "turns", len(unit))
	}
	return models.NewSummary(droppedPlaceholder)
}
