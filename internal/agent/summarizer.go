package agent

import (
	stdcontext "context"
	"errors"

	agentctx "github.com/haasonsaas/orbit/internal/agent/context"
	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/pkg/models"
)

// modelSummarizer implements agentctx.Summarizer on top of the session's
// ModelClient, so compaction reuses the same provider as the turn loop.
type modelSummarizer struct {
	client          ModelClient
	maxOutputTokens int
}

// NewModelSummarizer wraps client as a summarizer for context compaction.
func NewModelSummarizer(client ModelClient, maxOutputTokens int) agentctx.Summarizer {
	if maxOutputTokens <= 0 {
		maxOutputTokens = 1024
	}
	return &modelSummarizer{client: client, maxOutputTokens: maxOutputTokens}
}

func (s *modelSummarizer) Summarize(ctx stdcontext.Context, turns []state.Turn) (string, error) {
	prompt := agentctx.BuildSummaryPrompt(turns)

	st := state.New()
	if err := st.AppendUserTurn(prompt, nil); err != nil {
		return "", err
	}
	resp, err := s.client.Generate(ctx, &GenerateRequest{
		Turns:           st.SnapshotForModel(),
		System:          "You summarize conversations. Reply with the summary only.",
		MaxOutputTokens: s.maxOutputTokens,
	})
	if err != nil {
		return "", err
	}

	for _, m := range resp.Messages {
		if m.Type == models.MessageAssistantText {
			return m.Assistant.Text, nil
		}
	}
	return "", errors.New("summarizer model returned no text")
}
