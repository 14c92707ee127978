package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/orbit/internal/agent"
	"github.com/haasonsaas/orbit/internal/events"
	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/internal/tools"
	"github.com/haasonsaas/orbit/pkg/models"
)

// ChatSession is the per-session actor: it owns the controller, the event
// stream, and the dispatcher's confirmation broker, and serializes turn
// execution so exactly one worker advances the loop at any instant.
type ChatSession struct {
	ID           string
	WorkspaceDir string

	controller *agent.Controller
	dispatcher *tools.Dispatcher
	stream     *events.Stream
	states     *state.Store
	logger     *slog.Logger

	mu         sync.Mutex
	lastActive time.Time
	settings   map[string]any
}

// NewChatSession assembles the actor around an already-wired controller.
func NewChatSession(
	id, workspaceDir string,
	controller *agent.Controller,
	dispatcher *tools.Dispatcher,
	stream *events.Stream,
	states *state.Store,
	logger *slog.Logger,
) *ChatSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatSession{
		ID:           id,
		WorkspaceDir: workspaceDir,
		controller:   controller,
		dispatcher:   dispatcher,
		stream:       stream,
		states:       states,
		logger:       logger,
		lastActive:   time.Now(),
	}
}

// Stream returns the session's event stream for subscribers.
func (cs *ChatSession) Stream() *events.Stream {
	return cs.stream
}

// HandleUserMessage starts a run on its own goroutine so the caller's
// read loop stays free for cancel and confirmation frames. A run already
// in flight is reported as an ERROR event, not queued.
func (cs *ChatSession) HandleUserMessage(ctx context.Context, text string, attachments []string) {
	cs.touch()
	cs.publish(models.NewEvent(models.EventUserMessage, map[string]any{"text": text}))

	images := make([]models.ImageRef, 0, len(attachments))
	for _, path := range attachments {
		images = append(images, models.ImageRef{Path: path})
	}

	go func() {
		_, err := cs.controller.Run(ctx, text, images)
		switch {
		case err == nil,
			errors.Is(err, agent.ErrInterrupted),
			errors.Is(err, agent.ErrMaxTurns),
			errors.Is(err, agent.ErrWallTime):
			// Terminal states already reflected in the transcript.
		case errors.Is(err, agent.ErrBusy):
			cs.publish(models.ErrorEvent(err))
			return
		default:
			cs.logger.Error("run failed", "session_id", cs.ID, "error", err)
		}
		if err := cs.Save(); err != nil {
			cs.logger.Error("save after turn failed", "session_id", cs.ID, "error", err)
		}
	}()
}

// RunSync drives one turn on the calling goroutine, for the CLI.
func (cs *ChatSession) RunSync(ctx context.Context, text string, images []models.ImageRef) (*agent.RunOutput, error) {
	cs.touch()
	out, err := cs.controller.Run(ctx, text, images)
	if saveErr := cs.Save(); saveErr != nil {
		cs.logger.Error("save after turn failed", "session_id", cs.ID, "error", saveErr)
	}
	return out, err
}

// Cancel sets the session's cancel token.
func (cs *ChatSession) Cancel() {
	cs.touch()
	cs.controller.Cancel()
}

// Clear resets the dialogue and persists the empty state.
func (cs *ChatSession) Clear() error {
	cs.touch()
	cs.controller.Clear()
	return cs.Save()
}

// Compact forces a truncation pass and persists the result.
func (cs *ChatSession) Compact(ctx context.Context) (*agent.CompactReport, error) {
	cs.touch()
	report, err := cs.controller.Compact(ctx)
	if err != nil {
		return nil, err
	}
	return report, cs.Save()
}

// ResolveConfirmation answers a pending tool confirmation.
func (cs *ChatSession) ResolveConfirmation(toolCallID string, approved bool, alternative string) bool {
	cs.touch()
	return cs.dispatcher.Broker().Resolve(toolCallID, models.ConfirmationResolution{
		Approved:    approved,
		Alternative: alternative,
	})
}

// Save persists state.json and metadata.json atomically.
func (cs *ChatSession) Save() error {
	st := cs.controller.State()
	return cs.states.Save(st, state.Metadata{
		SessionID:    cs.ID,
		WorkspaceDir: cs.WorkspaceDir,
		TokenUsage:   st.Usage(),
		Settings:     cs.Settings(),
	})
}

// Settings returns a copy of the session's settings map.
func (cs *ChatSession) Settings() map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.settings == nil {
		return nil
	}
	out := make(map[string]any, len(cs.settings))
	for k, v := range cs.settings {
		out[k] = v
	}
	return out
}

// SetSettings replaces the session's settings map.
func (cs *ChatSession) SetSettings(settings map[string]any) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.settings = settings
}

// LastActive reports the time of the most recent inbound activity.
func (cs *ChatSession) LastActive() time.Time {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.lastActive
}

// Close cancels any in-flight run, saves, and shuts the stream down.
func (cs *ChatSession) Close() {
	cs.controller.Cancel()
	if err := cs.Save(); err != nil {
		cs.logger.Error("save on close failed", "session_id", cs.ID, "error", err)
	}
	cs.stream.Close()
}

func (cs *ChatSession) touch() {
	cs.mu.Lock()
	cs.lastActive = time.Now()
	cs.mu.Unlock()
}

func (cs *ChatSession) publish(e models.Event) {
	if err := cs.stream.Publish(e); err != nil {
		cs.logger.Warn("publish failed", "event_type", e.Type, "error", err)
	}
}
