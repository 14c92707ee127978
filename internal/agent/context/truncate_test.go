package context

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/pkg/models"
)

// charCounter counts one token per byte, making budgets easy to reason
// about in tests.
type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

// echoSummarizer returns a fixed-size marker naming the folded turns.
type echoSummarizer struct {
	calls [][]state.Turn
}

func (s *echoSummarizer) Summarize(ctx stdcontext.Context, turns []state.Turn) (string, error) {
	s.calls = append(s.calls, turns)
	return fmt.Sprintf("sum#%d", len(s.calls)), nil
}

// conversation builds n user/assistant exchanges with padded text.
func conversation(t *testing.T, n, pad int) []state.Turn {
	t.Helper()
	s := state.New()
	filler := strings.Repeat("x", pad)
	for i := 0; i < n; i++ {
		if err := s.AppendUserTurn(fmt.Sprintf("question %d %s", i, filler), nil); err != nil {
			t.Fatal(err)
		}
		if err := s.AppendAssistantTurn([]models.Message{
			models.NewAssistantText(fmt.Sprintf("answer %d %s", i, filler)),
		}); err != nil {
			t.Fatal(err)
		}
	}
	return s.SnapshotForModel()
}

func checkAlternation(t *testing.T, turns []state.Turn) {
	t.Helper()
	for i, turn := range turns {
		want := models.RoleUser
		if i%2 == 1 {
			want = models.RoleAssistant
		}
		if turn.Role != want {
			t.Fatalf("turn %d role = %s, want %s", i, turn.Role, want)
		}
	}
}

func TestTruncateIfNeededWithinBudgetUnchanged(t *testing.T) {
	m := NewManager(charCounter{}, nil, nil)
	turns := conversation(t, 3, 10)

	out, err := m.TruncateIfNeeded(stdcontext.Background(), turns, 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(turns) {
		t.Fatalf("turns changed within budget: %d -> %d", len(turns), len(out))
	}
}

func TestTruncatePreservesHeadAndTail(t *testing.T) {
	sum := &echoSummarizer{}
	m := NewManager(charCounter{}, sum, nil)
	turns := conversation(t, 5, 100)

	budget := m.CountTokens(turns) / 3
	out, err := m.TruncateIfNeeded(stdcontext.Background(), turns, budget)
	if err != nil {
		t.Fatal(err)
	}
	checkAlternation(t, out)

	if got := out[0].Messages[0].Text(); got != turns[0].Messages[0].Text() {
		t.Errorf("head changed: %q", got)
	}
	// Tail is the last user turn and the assistant turn after it.
	lastUser := turns[len(turns)-2].Messages[0].Text()
	lastAsst := turns[len(turns)-1].Messages[0].Text()
	if got := out[len(out)-2].Messages[0].Text(); got != lastUser {
		t.Errorf("tail user turn changed: %q", got)
	}
	if got := out[len(out)-1].Messages[0].Text(); got != lastAsst {
		t.Errorf("tail assistant turn changed: %q", got)
	}
	if m.CountTokens(out) > budget {
		t.Errorf("still over budget: %d > %d", m.CountTokens(out), budget)
	}
}

func TestTruncateSummarizesOldestFirst(t *testing.T) {
	sum := &echoSummarizer{}
	m := NewManager(charCounter{}, sum, nil)
	turns := conversation(t, 5, 100)

	if _, err := m.Truncate(stdcontext.Background(), turns, 0); err != nil {
		t.Fatal(err)
	}
	if len(sum.calls) == 0 {
		t.Fatal("summarizer never called")
	}
	// First fold is the lone assistant turn answering the head.
	first := sum.calls[0]
	if len(first) != 1 || first[0].Role != models.RoleAssistant {
		t.Fatalf("first fold = %d turns, role %s", len(first), first[0].Role)
	}
	if got := first[0].Messages[0].Text(); !strings.HasPrefix(got, "answer 0") {
		t.Errorf("first fold text = %q, want answer 0", got)
	}
	// Later folds are whole user/assistant pairs in order.
	for i, call := range sum.calls[1:] {
		if len(call) != 2 {
			t.Fatalf("fold %d = %d turns, want pair", i+1, len(call))
		}
		if !strings.HasPrefix(call[0].Messages[0].Text(), fmt.Sprintf("question %d", i+1)) {
			t.Errorf("fold %d starts with %q", i+1, call[0].Messages[0].Text())
		}
	}
}

func TestTruncateIdempotent(t *testing.T) {
	sum := &echoSummarizer{}
	m := NewManager(charCounter{}, sum, nil)
	turns := conversation(t, 6, 100)
	budget := m.CountTokens(turns) / 2

	once, err := m.TruncateIfNeeded(stdcontext.Background(), turns, budget)
	if err != nil {
		t.Fatal(err)
	}
	twice, err := m.TruncateIfNeeded(stdcontext.Background(), once, budget)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := json.Marshal(once)
	b, _ := json.Marshal(twice)
	if string(a) != string(b) {
		t.Errorf("second truncation changed output:\n once %s\ntwice %s", a, b)
	}
}

func TestTruncateWithoutSummarizerDrops(t *testing.T) {
	m := NewManager(charCounter{}, nil, nil)
	turns := conversation(t, 5, 100)

	budget := m.CountTokens(turns) / 3
	out, err := m.TruncateIfNeeded(stdcontext.Background(), turns, budget)
	if err != nil {
		t.Fatal(err)
	}
	checkAlternation(t, out)

	// The folded region collapses to placeholder summaries.
	if !isSummaryTurn(out[1]) {
		t.Fatalf("turn 1 is not a summary turn: %+v", out[1])
	}
	for _, msg := range out[1].Messages {
		if msg.Text() != droppedPlaceholder {
			t.Errorf("summary text = %q, want placeholder", msg.Text())
		}
	}
}

func TestTruncateNeverResummarizes(t *testing.T) {
	sum := &echoSummarizer{}
	m := NewManager(charCounter{}, sum, nil)
	turns := conversation(t, 6, 100)

	out, err := m.Truncate(stdcontext.Background(), turns, 0)
	if err != nil {
		t.Fatal(err)
	}
	calls := len(sum.calls)

	// Extend the dialogue and compact again.
	s := state.New()
	if err := s.ReplaceTurns(out); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendUserTurn("follow-up "+strings.Repeat("y", 100), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendAssistantTurn([]models.Message{models.NewAssistantText("done")}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Truncate(stdcontext.Background(), s.SnapshotForModel(), 0); err != nil {
		t.Fatal(err)
	}

	// The second pass folds only the turns added after the first pass.
	for _, call := range sum.calls[calls:] {
		for _, turn := range call {
			for _, msg := range turn.Messages {
				if msg.IsSummary() {
					t.Fatal("summary message fed back into summarizer")
				}
			}
		}
	}
}

func TestTruncateShortDialogueUntouched(t *testing.T) {
	m := NewManager(charCounter{}, nil, nil)
	turns := conversation(t, 1, 1000)

	out, err := m.TruncateIfNeeded(stdcontext.Background(), turns, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(turns) {
		t.Errorf("protected-only dialogue changed: %d -> %d", len(turns), len(out))
	}
}

func TestMessageTokensCoversToolCalls(t *testing.T) {
	c := charCounter{}
	call := models.NewToolCall("tc-1", "read_file", json.RawMessage(`{"path":"go.mod"}`))
	got := MessageTokens(c, call)
	want := perMessageOverhead + len("read_file") + len(`{"path":"go.mod"}`)
	if got != want {
		t.Errorf("MessageTokens = %d, want %d", got, want)
	}
}

var errSummarizer = errors.New("model unavailable")

func TestTruncateSummarizerFailureFallsBack(t *testing.T) {
	failing := SummarizerFunc(func(ctx stdcontext.Context, turns []state.Turn) (string, error) {
		return "", errSummarizer
	})
	m := NewManager(charCounter{}, failing, nil)
	turns := conversation(t, 4, 100)

	out, err := m.TruncateIfNeeded(stdcontext.Background(), turns, m.CountTokens(turns)/3)
	if err != nil {
		t.Fatal(err)
	}
	checkAlternation(t, out)
	if !isSummaryTurn(out[1]) {
		t.Fatal("no placeholder summary after summarizer failure")
	}
}
