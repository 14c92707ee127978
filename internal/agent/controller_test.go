package agent

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	agentctx "github.com/haasonsaas/orbit/internal/agent/context"
	"github.com/haasonsaas/orbit/internal/events"
	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/internal/tools"
	"github.com/haasonsaas/orbit/pkg/models"
)

// charCounter keeps token math trivial in tests.
type charCounter struct{}

func (charCounter) Count(text string) int { return len(text) }

// scriptedModel replays canned responses in order. A nil entry blocks
// until the context is cancelled.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*GenerateResponse
	requests  []*GenerateRequest
	err       error
}

func (m *scriptedModel) Generate(ctx stdcontext.Context, req *GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		err := m.err
		m.mu.Unlock()
		return nil, err
	}
	if len(m.responses) == 0 {
		m.mu.Unlock()
		return &GenerateResponse{}, nil
	}
	next := m.responses[0]
	m.responses = m.responses[1:]
	m.mu.Unlock()

	if next == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return next, nil
}

// echoTool records executions and returns a fixed payload.
type echoTool struct {
	name     string
	readOnly bool
	mu       sync.Mutex
	inputs   []string
	onExec   func()
}

func (e *echoTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{Name: e.name, ReadOnly: e.readOnly}
}

func (e *echoTool) ShouldConfirm(json.RawMessage) *models.ConfirmationRequest { return nil }

func (e *echoTool) Execute(ctx stdcontext.Context, input json.RawMessage) (*models.ToolOutput, error) {
	e.mu.Lock()
	e.inputs = append(e.inputs, string(input))
	e.mu.Unlock()
	if e.onExec != nil {
		e.onExec()
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return models.TextOutput("echo:" + string(input)), nil
}

type fixture struct {
	controller *Controller
	model      *scriptedModel
	stream     *events.Stream
	rec        *recorder
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) handle(ctx stdcontext.Context, e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func newFixture(t *testing.T, model *scriptedModel, cfg Config, toolset ...tools.Tool) *fixture {
	t.Helper()
	registry := tools.NewRegistry()
	for _, tool := range toolset {
		if err := registry.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	stream := events.NewStream("sess-test")
	t.Cleanup(stream.Close)
	rec := &recorder{}
	stream.Subscribe(rec.handle)

	dispatcher := tools.NewDispatcher(registry, stream, tools.DispatcherConfig{
		Policy: &tools.ApprovalPolicy{AutoApprove: true},
	}, nil)
	mgr := agentctx.NewManager(charCounter{}, nil, nil)
	controller := NewController(state.New(), mgr, model, registry, dispatcher, stream, cfg, nil)
	return &fixture{controller: controller, model: model, stream: stream, rec: rec}
}

func TestRunSingleTurnCompletes(t *testing.T) {
	model := &scriptedModel{responses: []*GenerateResponse{
		{Messages: []models.Message{models.NewAssistantText("All done.")}},
	}}
	f := newFixture(t, model, Config{})

	out, err := f.controller.Run(stdcontext.Background(), "do the thing", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Errorf("status = %s", out.Status)
	}
	if out.Output != "All done." {
		t.Errorf("output = %q", out.Output)
	}

	if err := f.stream.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	got := f.rec.types()
	if len(got) < 2 || got[0] != models.EventAgentThinking || got[1] != models.EventAgentResponse {
		t.Errorf("event order = %v", got)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	tool := &echoTool{name: "lookup", readOnly: true}
	model := &scriptedModel{responses: []*GenerateResponse{
		{Messages: []models.Message{
			models.NewAssistantText("Let me check."),
			models.NewToolCall("tc-1", "lookup", json.RawMessage(`{"q":"weather"}`)),
		}},
		{Messages: []models.Message{models.NewAssistantText("It is sunny.")}},
	}}
	f := newFixture(t, model, Config{}, tool)

	out, err := f.controller.Run(stdcontext.Background(), "what's the weather", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Output != "It is sunny." {
		t.Errorf("output = %q", out.Output)
	}

	// The second model call sees the tool result in the transcript.
	if len(model.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(model.requests))
	}
	// The closing response merges into the assistant turn that ran the
	// tool, keeping the alternation at two turns.
	if got := f.controller.State().TurnCount(); got != 2 {
		t.Errorf("TurnCount = %d, want 2", got)
	}
	lastTurn := model.requests[1].Turns[len(model.requests[1].Turns)-1]
	found := false
	for _, m := range lastTurn.Messages {
		if m.Type == models.MessageToolResult && strings.Contains(m.Text(), "echo:") {
			found = true
		}
	}
	if !found {
		t.Error("tool result missing from second model request")
	}

	if err := f.stream.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	// Per-turn ordering: THINKING < RESPONSE < TOOL_CALL < TOOL_RESULT.
	order := map[models.EventType]int{}
	for i, et := range f.rec.types() {
		if _, seen := order[et]; !seen {
			order[et] = i
		}
	}
	if !(order[models.EventAgentThinking] < order[models.EventAgentResponse] &&
		order[models.EventAgentResponse] < order[models.EventToolCall] &&
		order[models.EventToolCall] < order[models.EventToolResult]) {
		t.Errorf("event order violated: %v", f.rec.types())
	}
}

func TestRunEmptyResponseMeansDone(t *testing.T) {
	model := &scriptedModel{responses: []*GenerateResponse{{}}}
	f := newFixture(t, model, Config{})

	out, err := f.controller.Run(stdcontext.Background(), "noop", nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != StatusCompleted || out.Output != "Task complete" {
		t.Errorf("out = %+v", out)
	}
}

func TestRunMaxTurnsBudget(t *testing.T) {
	tool := &echoTool{name: "spin", readOnly: true}
	loop := &GenerateResponse{Messages: []models.Message{
		models.NewToolCall("tc", "spin", json.RawMessage(`{}`)),
	}}
	model := &scriptedModel{responses: []*GenerateResponse{loop, loop, loop, loop}}
	f := newFixture(t, model, Config{MaxTurns: 3}, tool)

	out, err := f.controller.Run(stdcontext.Background(), "loop forever", nil)
	if !errors.Is(err, ErrMaxTurns) {
		t.Fatalf("err = %v, want ErrMaxTurns", err)
	}
	if out.Status != StatusMaxTurns {
		t.Errorf("status = %s", out.Status)
	}
	if out.Output != MaxTurnsMessage {
		t.Errorf("output = %q, want the turn-ceiling message", out.Output)
	}
	if len(model.requests) != 3 {
		t.Errorf("model called %d times, want 3", len(model.requests))
	}

	// Clients see the ceiling as a final response, not silence.
	if err := f.stream.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	var lastResponse string
	for _, e := range f.rec.events {
		if e.Type == models.EventAgentResponse {
			lastResponse, _ = e.Content["text"].(string)
		}
	}
	if lastResponse != MaxTurnsMessage {
		t.Errorf("final response = %q, want the turn-ceiling message", lastResponse)
	}
}

func TestRunCompactsOverBudgetTranscript(t *testing.T) {
	model := &scriptedModel{responses: []*GenerateResponse{
		{Messages: []models.Message{models.NewAssistantText("ok")}},
	}}
	f := newFixture(t, model, Config{ContextBudgetTokens: 100})

	// Seed a transcript whose lone foldable turn blows the budget. Folding
	// it keeps the turn count, so the write-back must not depend on shape.
	st := f.controller.State()
	if err := st.AppendUserTurn("start", nil); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendAssistantTurn([]models.Message{
		models.NewAssistantText(strings.Repeat("x", 200)),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.controller.Run(stdcontext.Background(), "next", nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(model.requests) == 0 {
		t.Fatal("model never called")
	}
	for _, turn := range model.requests[0].Turns {
		for _, m := range turn.Messages {
			if !m.IsSummary() && strings.Contains(m.Text(), "xxxx") {
				t.Fatal("over-budget turn reached the model uncompacted")
			}
		}
	}

	// The compacted list replaced the stored transcript.
	found := false
	for _, turn := range st.SnapshotForModel() {
		for _, m := range turn.Messages {
			if m.IsSummary() {
				found = true
			}
		}
	}
	if !found {
		t.Error("compacted transcript was not written back")
	}
}

func TestRunModelErrorPublishesErrorEvent(t *testing.T) {
	model := &scriptedModel{err: errors.New("provider down")}
	f := newFixture(t, model, Config{})

	_, err := f.controller.Run(stdcontext.Background(), "hi", nil)
	var loopErr *LoopError
	if !errors.As(err, &loopErr) || loopErr.Phase != "generate" {
		t.Fatalf("err = %v, want generate LoopError", err)
	}

	if err := f.stream.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, et := range f.rec.types() {
		if et == models.EventError {
			found = true
		}
	}
	if !found {
		t.Error("no ERROR event published")
	}
	// Partial transcript survives.
	if f.controller.State().TurnCount() != 1 {
		t.Errorf("turns = %d, want the user turn", f.controller.State().TurnCount())
	}
}

func TestCancelDuringModelCall(t *testing.T) {
	model := &scriptedModel{responses: []*GenerateResponse{nil}}
	f := newFixture(t, model, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		out, err := f.controller.Run(stdcontext.Background(), "long task", nil)
		if !errors.Is(err, ErrInterrupted) {
			t.Errorf("err = %v, want ErrInterrupted", err)
		}
		if out == nil || out.Status != StatusInterrupted {
			t.Errorf("out = %+v", out)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	f.controller.Cancel()
	f.controller.Cancel() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	if got := f.controller.State().LastAssistantText(); got != InterruptMessage {
		t.Errorf("transcript note = %q, want interrupt literal", got)
	}
}

func TestCancelDuringToolsRecordsInterruptResults(t *testing.T) {
	var f *fixture
	tool := &echoTool{name: "slow", readOnly: true}
	tool.onExec = func() { f.controller.Cancel() }

	model := &scriptedModel{responses: []*GenerateResponse{
		{Messages: []models.Message{
			models.NewToolCall("tc-1", "slow", json.RawMessage(`{}`)),
		}},
	}}
	f = newFixture(t, model, Config{}, tool)

	out, err := f.controller.Run(stdcontext.Background(), "do it", nil)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
	if out.Status != StatusInterrupted {
		t.Errorf("status = %s", out.Status)
	}

	// The cancelled tool call carries the interrupt literal.
	turns := f.controller.State().SnapshotForModel()
	last := turns[len(turns)-1]
	found := false
	for _, m := range last.Messages {
		if m.Type == models.MessageToolResult && m.Text() == tools.ToolInterruptMessage {
			found = true
		}
	}
	if !found {
		t.Errorf("interrupt literal missing from transcript: %+v", last.Messages)
	}
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	model := &scriptedModel{responses: []*GenerateResponse{nil}}
	f := newFixture(t, model, Config{})

	go func() {
		_, _ = f.controller.Run(stdcontext.Background(), "first", nil)
	}()
	time.Sleep(20 * time.Millisecond)

	if _, err := f.controller.Run(stdcontext.Background(), "second", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	f.controller.Cancel()
}

func TestCompactReportsTokenDelta(t *testing.T) {
	model := &scriptedModel{}
	f := newFixture(t, model, Config{ContextBudgetTokens: 1 << 20})

	st := f.controller.State()
	for i := 0; i < 4; i++ {
		if err := st.AppendUserTurn(strings.Repeat("q", 200), nil); err != nil {
			t.Fatal(err)
		}
		if err := st.AppendAssistantTurn([]models.Message{
			models.NewAssistantText(strings.Repeat("a", 200)),
		}); err != nil {
			t.Fatal(err)
		}
	}

	report, err := f.controller.Compact(stdcontext.Background())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if report.NewTokens >= report.OriginalTokens {
		t.Errorf("compact saved nothing: %+v", report)
	}
	if report.TokensSaved != report.OriginalTokens-report.NewTokens {
		t.Errorf("inconsistent report: %+v", report)
	}

	if err := f.stream.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range f.rec.types() {
		if e == models.EventProcessing {
			found = true
		}
	}
	if !found {
		t.Error("no PROCESSING event for compact")
	}
}

var registerScriptedOnce sync.Once

func TestProviderRegistry(t *testing.T) {
	registerScriptedOnce.Do(func() {
		RegisterProvider("scripted-test", func(opts map[string]string) (ModelClient, error) {
			return &scriptedModel{}, nil
		})
	})

	client, err := NewModelClient("scripted-test", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if client == nil {
		t.Fatal("nil client")
	}
	if _, err := NewModelClient("absent", nil); !errors.Is(err, ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}
