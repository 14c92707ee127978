package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/orbit/internal/events"
	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/pkg/models"
)

// ToolInterruptMessage is fed back to the model for tool calls that were
// pending when the user cancelled.
const ToolInterruptMessage = "[Request interrupted by user for tool use]"

const (
	// DefaultConcurrency limits parallel read-only executions.
	DefaultConcurrency = 8

	// DefaultPerToolTimeout bounds one tool execution.
	DefaultPerToolTimeout = 120 * time.Second
)

// DispatcherConfig configures batch execution.
type DispatcherConfig struct {
	// Concurrency is the read-only parallelism limit. Default: 8.
	Concurrency int

	// PerToolTimeout bounds each Execute call. Default: 120s.
	PerToolTimeout time.Duration

	// ConfirmationTimeout is how long a confirmation gate waits before
	// denying. Default: 300s.
	ConfirmationTimeout time.Duration

	// Policy decides which confirmations are skipped or refused outright.
	Policy *ApprovalPolicy
}

// Dispatcher executes a batch of tool calls for one session: confirmation
// gate first, then read-only calls in parallel, then mutating calls
// serially in submission order.
type Dispatcher struct {
	registry *Registry
	broker   *Broker
	stream   *events.Stream
	config   DispatcherConfig
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. Zero config fields get defaults.
func NewDispatcher(registry *Registry, stream *events.Stream, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = DefaultPerToolTimeout
	}
	if config.ConfirmationTimeout <= 0 {
		config.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		broker:   NewBroker(config.ConfirmationTimeout),
		stream:   stream,
		config:   config,
		logger:   logger,
	}
}

// Broker exposes the confirmation broker so the session's inbound handler
// can resolve tickets.
func (d *Dispatcher) Broker() *Broker {
	return d.broker
}

// BatchResult pairs one submitted call with its shaped output.
type BatchResult struct {
	ToolCallID string
	Output     *models.ToolOutput
}

// batchEntry carries one call through the passes.
type batchEntry struct {
	index int
	call  models.ToolCallParameters
	tool  Tool
	desc  models.ToolDescriptor
}

// RunBatch executes the calls and returns one result per call, in
// submission order. It never returns an error: every failure mode is
// shaped into a ToolOutput so the model can react.
func (d *Dispatcher) RunBatch(ctx context.Context, calls []models.ToolCallParameters) []BatchResult {
	results := make([]BatchResult, len(calls))
	for i, call := range calls {
		results[i] = BatchResult{ToolCallID: call.ID}
	}

	approved := d.confirmationPass(ctx, calls, results)

	var readOnly, mutating []batchEntry
	for _, e := range approved {
		if e.desc.ReadOnly {
			readOnly = append(readOnly, e)
		} else {
			mutating = append(mutating, e)
		}
	}

	// Read-only calls run concurrently and must all finish before the
	// first mutating call starts, so mutating tools observe the latest
	// state.
	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup
	for _, e := range readOnly {
		wg.Add(1)
		go func(e batchEntry) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[e.index].Output = d.interrupted(e)
				return
			}
			results[e.index].Output = d.execute(ctx, e)
		}(e)
	}
	wg.Wait()

	for _, e := range mutating {
		if ctx.Err() != nil {
			results[e.index].Output = d.interrupted(e)
			continue
		}
		results[e.index].Output = d.execute(ctx, e)
	}
	return results
}

// confirmationPass resolves the gate for every call and returns the
// entries that may execute. Denials and lookup failures are written
// straight into results.
func (d *Dispatcher) confirmationPass(ctx context.Context, calls []models.ToolCallParameters, results []BatchResult) []batchEntry {
	var approved []batchEntry
	for i, call := range calls {
		tool, err := d.registry.Get(call.Name)
		if err != nil {
			results[i].Output = models.ErrorOutput(err.Error())
			d.publishCall(call)
			d.publishResult(call, results[i].Output, "error")
			continue
		}
		entry := batchEntry{index: i, call: call, tool: tool, desc: tool.Descriptor()}

		if err := ValidateInput(entry.desc.InputSchema, call.Input); err != nil {
			results[i].Output = models.ErrorOutput(err.Error())
			d.publishCall(call)
			d.publishResult(call, results[i].Output, "error")
			continue
		}

		req := tool.ShouldConfirm(call.Input)
		if req == nil {
			approved = append(approved, entry)
			continue
		}

		switch d.config.Policy.Check(call.Name) {
		case DecisionAllowed:
			approved = append(approved, entry)
			continue
		case DecisionDenied:
			results[i].Output = denialOutput(call.Name, "")
			d.publishCall(call)
			d.publishResult(call, results[i].Output, "denied")
			continue
		case DecisionAsk:
		}

		d.publish(models.NewEvent(models.EventToolConfirmation, map[string]any{
			"tool_call_id": call.ID,
			"tool":         call.Name,
			"kind":         string(req.Kind),
			"message":      req.Message,
		}))

		res := d.broker.Await(ctx, call.ID)
		if !res.Approved {
			results[i].Output = denialOutput(call.Name, res.Alternative)
			d.publishCall(call)
			d.publishResult(call, results[i].Output, "denied")
			continue
		}
		approved = append(approved, entry)
	}
	return approved
}

// publishCall emits the TOOL_CALL event. Every result, synthetic ones
// included, is preceded by its call event so subscribers always see the
// pair in order.
func (d *Dispatcher) publishCall(call models.ToolCallParameters) {
	d.publish(models.NewEvent(models.EventToolCall, map[string]any{
		"tool_call_id": call.ID,
		"tool":         call.Name,
		"input":        string(call.Input),
	}))
}

// execute runs one approved call, converting panics and errors into
// error outputs.
func (d *Dispatcher) execute(ctx context.Context, e batchEntry) (out *models.ToolOutput) {
	d.publishCall(e.call)

	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked",
				"tool", e.call.Name,
				"tool_call_id", e.call.ID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			out = models.ErrorOutput(fmt.Sprintf("tool %s panicked: %v", e.call.Name, r))
			outcome = "error"
		}
		observability.ToolExecutions.WithLabelValues(e.call.Name, outcome).Inc()
		observability.ToolDuration.WithLabelValues(e.call.Name).Observe(time.Since(start).Seconds())
		d.publishResult(e.call, out, outcome)
	}()

	toolCtx, cancel := context.WithTimeout(ctx, d.config.PerToolTimeout)
	defer cancel()
	toolCtx = observability.AddToolCallID(toolCtx, e.call.ID)

	result, err := e.tool.Execute(toolCtx, e.call.Input)
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = "cancelled"
		return models.ErrorOutput(ToolInterruptMessage)
	case err != nil:
		outcome = "error"
		return models.ErrorOutput(err.Error())
	case result == nil:
		outcome = "error"
		return models.ErrorOutput(fmt.Sprintf("tool %s returned no output", e.call.Name))
	}
	if result.IsError {
		outcome = "error"
	}
	return result
}

// interrupted shapes the result for a call that never started because the
// user cancelled.
func (d *Dispatcher) interrupted(e batchEntry) *models.ToolOutput {
	out := models.ErrorOutput(ToolInterruptMessage)
	observability.ToolExecutions.WithLabelValues(e.call.Name, "cancelled").Inc()
	d.publishCall(e.call)
	d.publishResult(e.call, out, "cancelled")
	return out
}

// denialOutput is the deterministic message for a refused confirmation.
func denialOutput(toolName, alternative string) *models.ToolOutput {
	msg := fmt.Sprintf("The user declined to run the %s tool.", toolName)
	if alternative != "" {
		msg += fmt.Sprintf(" The user suggests instead: %s", alternative)
	}
	return models.ErrorOutput(msg)
}

func (d *Dispatcher) publish(e models.Event) {
	if d.stream == nil {
		return
	}
	if err := d.stream.Publish(e); err != nil {
		d.logger.Warn("publish failed", "event_type", e.Type, "error", err)
	}
}

func (d *Dispatcher) publishResult(call models.ToolCallParameters, out *models.ToolOutput, outcome string) {
	d.publish(models.NewEvent(models.EventToolResult, map[string]any{
		"tool_call_id": call.ID,
		"tool":         call.Name,
		"display":      out.DisplayText(),
		"is_error":     out.IsError,
		"outcome":      outcome,
	}))
}
