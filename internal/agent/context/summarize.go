package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/pkg/models"
)

// maxSummaryChars is the target length passed to the summarizer prompt.
const maxSummaryChars = 2000

// Summarizer condenses a span of turns into short prose. Implementations
// call the session's model; a nil Summarizer makes the manager fall back
// to dropping the oldest turns instead.
type Summarizer interface {
	Summarize(ctx context.Context, turns []state.Turn) (string, error)
}

// SummarizerFunc adapts a function to the Summarizer interface.
type SummarizerFunc func(ctx context.Context, turns []state.Turn) (string, error)

func (f SummarizerFunc) Summarize(ctx context.Context, turns []state.Turn) (string, error) {
	return f(ctx, turns)
}

// BuildSummaryPrompt renders the turns into the prompt sent to the
// summarizer model.
func BuildSummaryPrompt(turns []state.Turn) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation concisely. ")
	fmt.Fprintf(&sb, "Keep the summary under %d characters. Focus on:\n", maxSummaryChars)
	sb.WriteString("- Key topics and decisions\n")
	sb.WriteString("- Tool executions and their outcomes\n")
	sb.WriteString("- Pending tasks or questions\n\n")
	sb.WriteString("Conversation:\n\n")

	for _, t := range turns {
		for _, m := range t.Messages {
			switch m.Type {
			case models.MessageUserText:
				fmt.Fprintf(&sb, "[user]: %s\n", m.Text())
			case models.MessageAssistantText:
				fmt.Fprintf(&sb, "[assistant]: %s\n", m.Text())
			case models.MessageToolCall:
				fmt.Fprintf(&sb, "  [called tool: %s]\n", m.ToolCall.Name)
			case models.MessageToolResult:
				content := m.Text()
				if len(content) > 200 {
					content = content[:200] + "..."
				}
				status := "success"
				if m.ToolResult.IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "  [tool result (%s): %s]\n", status, content)
			case models.MessageThinking:
				// Reasoning blocks are not summarized.
			}
		}
		sb.WriteString("\n")
	}
	sb.WriteString("---\nProvide a concise summary:")
	return sb.String()
}
