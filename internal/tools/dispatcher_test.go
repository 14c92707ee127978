package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

// fakeTool is a scriptable Tool for dispatcher tests.
type fakeTool struct {
	desc    models.ToolDescriptor
	confirm *models.ConfirmationRequest
	exec    func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error)
}

func (f *fakeTool) Descriptor() models.ToolDescriptor { return f.desc }

func (f *fakeTool) ShouldConfirm(input json.RawMessage) *models.ConfirmationRequest {
	return f.confirm
}

func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	if f.exec != nil {
		return f.exec(ctx, input)
	}
	return models.TextOutput("ok"), nil
}

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, tools ...*fakeTool) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return NewDispatcher(reg, nil, cfg, nil)
}

func call(id, name string) models.ToolCallParameters {
	return models.ToolCallParameters{ID: id, Name: name, Input: json.RawMessage(`{}`)}
}

func TestReadOnlyCallsRunConcurrently(t *testing.T) {
	const n = 4
	var running atomic.Int32
	started := make(chan struct{}, n)
	release := make(chan struct{})

	tool := &fakeTool{
		desc: models.ToolDescriptor{Name: "probe", ReadOnly: true},
		exec: func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			running.Add(1)
			started <- struct{}{}
			<-release
			return models.TextOutput("done"), nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{Concurrency: n}, tool)

	calls := make([]models.ToolCallParameters, n)
	for i := range calls {
		calls[i] = call("tc-"+string(rune('a'+i)), "probe")
	}

	done := make(chan []BatchResult, 1)
	go func() { done <- d.RunBatch(context.Background(), calls) }()

	// All n executions must be in flight at once.
	for i := 0; i < n; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d read-only calls started concurrently", i, n)
		}
	}
	if got := running.Load(); got != n {
		t.Errorf("running = %d, want %d", got, n)
	}
	close(release)

	results := <-done
	for i, r := range results {
		if r.Output == nil || r.Output.IsError {
			t.Errorf("result %d: %+v", i, r.Output)
		}
	}
}

func TestReadsCompleteBeforeFirstMutation(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	read := &fakeTool{
		desc: models.ToolDescriptor{Name: "read", ReadOnly: true},
		exec: func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			time.Sleep(20 * time.Millisecond)
			record("read-done")
			return models.TextOutput("r"), nil
		},
	}
	write := &fakeTool{
		desc: models.ToolDescriptor{Name: "write"},
		exec: func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			record("write-" + string(input))
			return models.TextOutput("w"), nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, read, write)

	// Mutating calls are interleaved with reads in the submission order.
	calls := []models.ToolCallParameters{
		{ID: "m1", Name: "write", Input: json.RawMessage(`"1"`)},
		{ID: "r1", Name: "read", Input: json.RawMessage(`{}`)},
		{ID: "m2", Name: "write", Input: json.RawMessage(`"2"`)},
		{ID: "r2", Name: "read", Input: json.RawMessage(`{}`)},
	}
	results := d.RunBatch(context.Background(), calls)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("order = %v", order)
	}
	// Both reads come first, then writes in submission order.
	if order[0] != "read-done" || order[1] != "read-done" {
		t.Errorf("reads did not complete before first write: %v", order)
	}
	if order[2] != `write-"1"` || order[3] != `write-"2"` {
		t.Errorf("writes out of submission order: %v", order)
	}

	// Results line up with submission order.
	wantIDs := []string{"m1", "r1", "m2", "r2"}
	for i, r := range results {
		if r.ToolCallID != wantIDs[i] {
			t.Errorf("result %d id = %s, want %s", i, r.ToolCallID, wantIDs[i])
		}
	}
}

func TestConfirmationDenialSkipsExecution(t *testing.T) {
	var executed atomic.Bool
	tool := &fakeTool{
		desc:    models.ToolDescriptor{Name: "rm", RequiresConfirmation: true},
		confirm: &models.ConfirmationRequest{Kind: models.ConfirmBash, Message: "run rm?"},
		exec: func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			executed.Store(true)
			return models.TextOutput("gone"), nil
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	done := make(chan []BatchResult, 1)
	go func() { done <- d.RunBatch(context.Background(), []models.ToolCallParameters{call("tc-1", "rm")}) }()

	waitPending(t, d.Broker(), "tc-1")
	if !d.Broker().Resolve("tc-1", models.ConfirmationResolution{Approved: false, Alternative: "use trash instead"}) {
		t.Fatal("resolve failed")
	}

	results := <-done
	if executed.Load() {
		t.Error("denied tool executed")
	}
	out := results[0].Output
	if out == nil || !out.IsError {
		t.Fatalf("denial result = %+v", out)
	}
	text := out.DisplayText()
	if !strings.Contains(text, "declined") || !strings.Contains(text, "use trash instead") {
		t.Errorf("denial message = %q", text)
	}
}

func TestConfirmationApprovalExecutes(t *testing.T) {
	tool := &fakeTool{
		desc:    models.ToolDescriptor{Name: "edit", RequiresConfirmation: true},
		confirm: &models.ConfirmationRequest{Kind: models.ConfirmEdit, Message: "apply edit?"},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	done := make(chan []BatchResult, 1)
	go func() { done <- d.RunBatch(context.Background(), []models.ToolCallParameters{call("tc-1", "edit")}) }()

	waitPending(t, d.Broker(), "tc-1")
	d.Broker().Resolve("tc-1", models.ConfirmationResolution{Approved: true})

	results := <-done
	if out := results[0].Output; out == nil || out.IsError {
		t.Errorf("approved call failed: %+v", out)
	}
}

func TestConfirmationTimeoutDenies(t *testing.T) {
	tool := &fakeTool{
		desc:    models.ToolDescriptor{Name: "edit", RequiresConfirmation: true},
		confirm: &models.ConfirmationRequest{Kind: models.ConfirmEdit, Message: "apply?"},
	}
	d := newTestDispatcher(t, DispatcherConfig{ConfirmationTimeout: 30 * time.Millisecond}, tool)

	results := d.RunBatch(context.Background(), []models.ToolCallParameters{call("tc-1", "edit")})
	if out := results[0].Output; out == nil || !out.IsError {
		t.Fatalf("timeout did not deny: %+v", out)
	}
}

func TestAutoApprovePolicySkipsGate(t *testing.T) {
	tool := &fakeTool{
		desc:    models.ToolDescriptor{Name: "edit", RequiresConfirmation: true},
		confirm: &models.ConfirmationRequest{Kind: models.ConfirmEdit, Message: "apply?"},
	}
	d := newTestDispatcher(t, DispatcherConfig{
		Policy: &ApprovalPolicy{AutoApprove: true},
	}, tool)

	results := d.RunBatch(context.Background(), []models.ToolCallParameters{call("tc-1", "edit")})
	if out := results[0].Output; out == nil || out.IsError {
		t.Errorf("auto-approved call failed: %+v", out)
	}
}

func TestUnknownToolShapedAsError(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{})
	results := d.RunBatch(context.Background(), []models.ToolCallParameters{call("tc-1", "nope")})

	out := results[0].Output
	if out == nil || !out.IsError {
		t.Fatalf("unknown tool result = %+v", out)
	}
	if !strings.Contains(out.DisplayText(), "unknown tool") {
		t.Errorf("message = %q", out.DisplayText())
	}
}

func TestToolErrorDoesNotAbortBatch(t *testing.T) {
	bad := &fakeTool{
		desc: models.ToolDescriptor{Name: "bad", ReadOnly: true},
		exec: func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			return nil, errors.New("disk on fire")
		},
	}
	good := &fakeTool{desc: models.ToolDescriptor{Name: "good", ReadOnly: true}}
	d := newTestDispatcher(t, DispatcherConfig{}, bad, good)

	results := d.RunBatch(context.Background(), []models.ToolCallParameters{
		call("tc-1", "bad"),
		call("tc-2", "good"),
	})
	if out := results[0].Output; !out.IsError || !strings.Contains(out.DisplayText(), "disk on fire") {
		t.Errorf("bad result = %+v", out)
	}
	if out := results[1].Output; out.IsError {
		t.Errorf("good call affected by sibling failure: %+v", out)
	}
}

func TestToolPanicShapedAsError(t *testing.T) {
	tool := &fakeTool{
		desc: models.ToolDescriptor{Name: "boom"},
		exec: func(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			panic("kaput")
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	results := d.RunBatch(context.Background(), []models.ToolCallParameters{call("tc-1", "boom")})
	out := results[0].Output
	if out == nil || !out.IsError {
		t.Fatalf("panic result = %+v", out)
	}
	if !strings.Contains(out.DisplayText(), "panicked") {
		t.Errorf("message = %q", out.DisplayText())
	}
}

func TestCancelReplacesPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	read := &fakeTool{
		desc: models.ToolDescriptor{Name: "read", ReadOnly: true},
		exec: func(toolCtx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
			cancel()
			<-toolCtx.Done()
			return nil, toolCtx.Err()
		},
	}
	write := &fakeTool{desc: models.ToolDescriptor{Name: "write"}}
	d := newTestDispatcher(t, DispatcherConfig{}, read, write)

	results := d.RunBatch(ctx, []models.ToolCallParameters{
		call("tc-1", "read"),
		call("tc-2", "write"),
	})

	for i, r := range results {
		if r.Output == nil || !r.Output.IsError {
			t.Fatalf("result %d = %+v", i, r.Output)
		}
		if got := r.Output.DisplayText(); got != ToolInterruptMessage {
			t.Errorf("result %d text = %q, want interrupt literal", i, got)
		}
	}
}

func TestInputSchemaRejectsBadInput(t *testing.T) {
	tool := &fakeTool{
		desc: models.ToolDescriptor{
			Name:        "typed",
			ReadOnly:    true,
			InputSchema: json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`),
		},
	}
	d := newTestDispatcher(t, DispatcherConfig{}, tool)

	results := d.RunBatch(context.Background(), []models.ToolCallParameters{
		{ID: "tc-1", Name: "typed", Input: json.RawMessage(`{"path":123}`)},
		{ID: "tc-2", Name: "typed", Input: json.RawMessage(`{"path":"ok"}`)},
	})
	if out := results[0].Output; out == nil || !out.IsError {
		t.Errorf("bad input accepted: %+v", out)
	}
	if out := results[1].Output; out == nil || out.IsError {
		t.Errorf("good input rejected: %+v", out)
	}
}

func waitPending(t *testing.T, b *Broker, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, pending := range b.PendingIDs() {
			if pending == id {
				return
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("confirmation %s never became pending", id)
}
