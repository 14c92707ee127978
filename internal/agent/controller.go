// Package agent drives a single session's turn loop: user input in, model
// calls and tool batches in the middle, terminal state out.
package agent

import (
	stdcontext "context"
	"log/slog"
	"sync"
	"time"

	agentctx "github.com/haasonsaas/orbit/internal/agent/context"
	"github.com/haasonsaas/orbit/internal/events"
	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/internal/tools"
	"github.com/haasonsaas/orbit/pkg/models"
)

// InterruptMessage is recorded in the transcript when the user cancels a
// run outside of tool execution.
const InterruptMessage = "[Request interrupted by user]"

// MaxTurnsMessage is the final response of a run that hits the turn
// ceiling with work still pending.
const MaxTurnsMessage = "Agent did not complete after max turns"

const (
	// DefaultMaxTurns caps loop iterations per run.
	DefaultMaxTurns = 50

	// DefaultMaxOutputTokens caps one model response.
	DefaultMaxOutputTokens = 4096

	// DefaultContextBudget is the input-token budget enforced by
	// truncation before every model call.
	DefaultContextBudget = 100_000
)

// Status is the terminal state of one run.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusMaxTurns    Status = "max_turns"
	StatusWallTime    Status = "wall_time"
)

// RunOutput is what a finished run reports.
type RunOutput struct {
	// Output is the last assistant text.
	Output string

	// Status is the terminal state.
	Status Status
}

// CompactReport describes one forced compaction.
type CompactReport struct {
	OriginalTokens int `json:"original_tokens"`
	NewTokens      int `json:"new_tokens"`
	TokensSaved    int `json:"tokens_saved"`
}

// Config tunes the turn loop. Zero fields get defaults.
type Config struct {
	SystemPrompt    string
	MaxTurns        int
	MaxOutputTokens int

	// ContextBudgetTokens is the truncation threshold.
	ContextBudgetTokens int

	// MaxWallTime bounds one run's wall clock. Zero means no bound.
	MaxWallTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.MaxOutputTokens <= 0 {
		c.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if c.ContextBudgetTokens <= 0 {
		c.ContextBudgetTokens = DefaultContextBudget
	}
	return c
}

// Controller owns one session's State and advances its turn loop. A
// single worker runs the loop at any instant; Cancel, Clear, and Compact
// may be called from other goroutines.
type Controller struct {
	state      *state.State
	contextMgr *agentctx.Manager
	model      ModelClient
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	stream     *events.Stream
	config     Config
	logger     *slog.Logger

	mu        sync.Mutex
	running   bool
	runCancel stdcontext.CancelFunc

	// interrupted is level-triggered: set by Cancel, cleared at the
	// start of the next Run.
	interrupted bool
}

// NewController wires a controller. state, model, registry, and
// dispatcher are required; stream and logger may be nil.
func NewController(
	st *state.State,
	contextMgr *agentctx.Manager,
	model ModelClient,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	stream *events.Stream,
	config Config,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		state:      st,
		contextMgr: contextMgr,
		model:      model,
		registry:   registry,
		dispatcher: dispatcher,
		stream:     stream,
		config:     config.withDefaults(),
		logger:     logger,
	}
}

// State exposes the controller's dialogue state for persistence.
func (c *Controller) State() *state.State {
	return c.state
}

// Run attaches the user turn and drives the loop to a terminal state.
// Budget and interrupt outcomes return a RunOutput alongside ErrMaxTurns,
// ErrWallTime, or ErrInterrupted; genuine failures return a *LoopError.
func (c *Controller) Run(ctx stdcontext.Context, instruction string, images []models.ImageRef) (*RunOutput, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.running = true
	c.interrupted = false
	runCtx, cancel := stdcontext.WithCancel(ctx)
	c.runCancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.runCancel = nil
		c.mu.Unlock()
	}()

	start := time.Now()
	defer func() {
		observability.TurnDuration.Observe(time.Since(start).Seconds())
	}()

	if err := c.state.AppendUserTurn(instruction, images); err != nil {
		return nil, &LoopError{Phase: "append", Turn: 0, Cause: err}
	}

	for turn := 0; turn < c.config.MaxTurns; turn++ {
		if c.config.MaxWallTime > 0 && time.Since(start) > c.config.MaxWallTime {
			return &RunOutput{Output: c.state.LastAssistantText(), Status: StatusWallTime}, ErrWallTime
		}

		if err := c.truncateIfNeeded(runCtx, turn); err != nil {
			return nil, err
		}

		if c.isInterrupted() {
			return c.finishInterrupted(turn)
		}

		c.publish(models.NewEvent(models.EventAgentThinking, nil))

		resp, err := c.model.Generate(runCtx, &GenerateRequest{
			Turns:           c.state.SnapshotForModel(),
			System:          c.config.SystemPrompt,
			Tools:           c.registry.Descriptors(),
			MaxOutputTokens: c.config.MaxOutputTokens,
		})
		if err != nil {
			if c.isInterrupted() {
				return c.finishInterrupted(turn)
			}
			observability.ModelCalls.WithLabelValues("error").Inc()
			c.publish(models.ErrorEvent(err))
			return nil, &LoopError{Phase: "generate", Turn: turn, Cause: err}
		}
		observability.ModelCalls.WithLabelValues("ok").Inc()
		c.state.AddUsage(resp.Usage)

		blocks := resp.Messages
		if len(blocks) == 0 {
			blocks = []models.Message{models.NewAssistantText("Task complete")}
		}
		if err := c.state.AppendAssistantMessages(blocks); err != nil {
			return nil, &LoopError{Phase: "append", Turn: turn, Cause: err}
		}

		textBlocks := 0
		for _, m := range blocks {
			if m.Type == models.MessageAssistantText && m.Assistant != nil {
				textBlocks++
				c.publish(models.NewEvent(models.EventAgentResponse, map[string]any{
					"text": m.Assistant.Text,
				}))
			}
		}

		pending := c.state.PendingToolCalls()
		if len(pending) == 0 {
			if textBlocks == 0 {
				c.publish(models.NewEvent(models.EventAgentResponse, map[string]any{
					"text": "Task completed",
				}))
			}
			return &RunOutput{Output: c.state.LastAssistantText(), Status: StatusCompleted}, nil
		}

		if c.isInterrupted() {
			c.interruptPendingTools(pending)
			return c.finishInterrupted(turn)
		}

		results := c.dispatcher.RunBatch(runCtx, pending)
		for i, call := range pending {
			out := results[i].Output
			if err := c.state.AppendToolResult(call.ID, out.Content, out.IsError); err != nil {
				c.logger.Warn("tool result dropped", "tool_call_id", call.ID, "error", err)
			}
		}
		if c.isInterrupted() {
			return c.finishInterrupted(turn)
		}
	}

	c.publish(models.NewEvent(models.EventAgentResponse, map[string]any{
		"text": MaxTurnsMessage,
	}))
	return &RunOutput{Output: MaxTurnsMessage, Status: StatusMaxTurns}, ErrMaxTurns
}

// Cancel sets the interruption flag. Idempotent; observable by the
// in-flight model call and tool executions; cleared at the next Run.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupted = true
	if c.runCancel != nil {
		c.runCancel()
	}
}

// Clear resets the dialogue, keeping session identity and workspace.
func (c *Controller) Clear() {
	c.state.Clear()
}

// Compact forces a truncation pass and reports the token delta.
func (c *Controller) Compact(ctx stdcontext.Context) (*CompactReport, error) {
	turns := c.state.SnapshotForModel()
	original := c.contextMgr.CountTokens(turns)

	compacted, err := c.contextMgr.Truncate(ctx, turns, c.config.ContextBudgetTokens)
	if err != nil {
		return nil, err
	}
	if err := c.state.ReplaceTurns(compacted); err != nil {
		return nil, err
	}

	report := &CompactReport{
		OriginalTokens: original,
		NewTokens:      c.contextMgr.CountTokens(compacted),
	}
	report.TokensSaved = report.OriginalTokens - report.NewTokens

	c.publish(models.NewEvent(models.EventProcessing, map[string]any{
		"operation":       "compact",
		"original_tokens": report.OriginalTokens,
		"new_tokens":      report.NewTokens,
		"tokens_saved":    report.TokensSaved,
	}))
	return report, nil
}

func (c *Controller) truncateIfNeeded(ctx stdcontext.Context, turn int) error {
	turns := c.state.SnapshotForModel()
	if c.contextMgr.CountTokens(turns) <= c.config.ContextBudgetTokens {
		return nil
	}
	truncated, err := c.contextMgr.TruncateIfNeeded(ctx, turns, c.config.ContextBudgetTokens)
	if err != nil {
		return &LoopError{Phase: "truncate", Turn: turn, Cause: err}
	}
	// Write back whatever compaction produced. A compaction can keep the
	// turn count while shrinking content, so no shape check here.
	if err := c.state.ReplaceTurns(truncated); err != nil {
		return &LoopError{Phase: "truncate", Turn: turn, Cause: err}
	}
	return nil
}

func (c *Controller) isInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// interruptPendingTools records the interrupt literal for tool calls that
// were pending when the user cancelled.
func (c *Controller) interruptPendingTools(pending []models.ToolCallParameters) {
	for _, call := range pending {
		err := c.state.AppendToolResult(call.ID,
			[]models.ContentBlock{models.TextBlock(tools.ToolInterruptMessage)}, true)
		if err != nil {
			c.logger.Warn("interrupt result dropped", "tool_call_id", call.ID, "error", err)
		}
	}
}

// finishInterrupted records the interrupt note and reports the run as
// interrupted. The note lands in the open assistant turn when one exists,
// otherwise as a synthetic assistant turn.
func (c *Controller) finishInterrupted(turn int) (*RunOutput, error) {
	note := models.NewAssistantText(InterruptMessage)
	if err := c.state.AppendAssistantMessage(note); err != nil {
		if err := c.state.AppendAssistantTurn([]models.Message{note}); err != nil {
			c.logger.Warn("interrupt note dropped", "turn", turn, "error", err)
		}
	}
	c.publish(models.NewEvent(models.EventResponseInterrupted, nil))
	return &RunOutput{Output: c.state.LastAssistantText(), Status: StatusInterrupted}, ErrInterrupted
}

func (c *Controller) publish(e models.Event) {
	if c.stream == nil {
		return
	}
	if err := c.stream.Publish(e); err != nil {
		c.logger.Warn("publish failed", "event_type", e.Type, "error", err)
	}
}
