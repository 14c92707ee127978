package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/term"

	"github.com/haasonsaas/orbit/internal/agent"
	"github.com/haasonsaas/orbit/internal/session"
	"github.com/haasonsaas/orbit/pkg/models"
)

func sessionRecord(id, workspaceDir, name string) models.SessionRecord {
	return models.SessionRecord{
		ID:           id,
		WorkspaceDir: workspaceDir,
		Name:         name,
		Status:       models.SessionActive,
	}
}

// console renders session events to the terminal. In interactive mode it
// also answers tool confirmations from stdin; the agent blocks on the
// broker while the prompt is open.
type console struct {
	cs          *session.ChatSession
	interactive bool
	in          *bufio.Reader
}

func newConsole(cs *session.ChatSession, interactive bool) *console {
	return &console{cs: cs, interactive: interactive, in: bufio.NewReader(os.Stdin)}
}

func (c *console) handle(ctx context.Context, e models.Event) {
	switch e.Type {
	case models.EventAgentThinking:
		// Quiet; the response follows.
	case models.EventAgentResponse:
		if text, _ := e.Content["text"].(string); text != "" {
			fmt.Println(text)
		}
	case models.EventToolCall:
		fmt.Printf("  [%v]\n", e.Content["tool"])
	case models.EventToolResult:
		if display, _ := e.Content["display"].(string); display != "" {
			fmt.Printf("  %s\n", firstLine(display))
		}
	case models.EventToolConfirmation:
		c.confirm(e)
	case models.EventResponseInterrupted:
		fmt.Println("(interrupted)")
	case models.EventProcessing:
		if e.Content["operation"] == "compact" {
			fmt.Printf("compacted: %v -> %v tokens\n",
				e.Content["original_tokens"], e.Content["new_tokens"])
		}
	case models.EventError:
		fmt.Fprintf(os.Stderr, "error: %v\n", e.Content["message"])
	}
}

func (c *console) confirm(e models.Event) {
	id, _ := e.Content["tool_call_id"].(string)
	message, _ := e.Content["message"].(string)
	if !c.interactive {
		fmt.Printf("  %s — denied (non-interactive; use tools.auto_approve or an allowlist)\n", message)
		c.cs.ResolveConfirmation(id, false, "")
		return
	}

	fmt.Printf("  %s [y/N] ", message)
	line, err := c.in.ReadString('\n')
	if err != nil {
		c.cs.ResolveConfirmation(id, false, "")
		return
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	c.cs.ResolveConfirmation(id, answer == "y" || answer == "yes", "")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// runREPL drives an interactive session until /exit or EOF.
func runREPL(ctx context.Context, cs *session.ChatSession) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	console := newConsole(cs, interactive)
	cs.Stream().Subscribe(console.handle)

	if interactive {
		fmt.Printf("session %s — /help for commands\n", cs.ID)
	}

	// Ctrl-C interrupts the in-flight turn instead of killing the REPL.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			cs.Cancel()
		}
	}()

	for {
		if interactive {
			fmt.Print("> ")
		}
		line, err := console.in.ReadString('\n')
		if err != nil {
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		switch input {
		case "/exit", "/quit":
			return nil
		case "/help":
			fmt.Println("/clear   reset the conversation")
			fmt.Println("/compact fold old turns into a summary")
			fmt.Println("/exit    leave")
			continue
		case "/clear":
			if err := cs.Clear(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			} else {
				fmt.Println("conversation cleared")
			}
			continue
		case "/compact":
			if _, err := cs.Compact(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			continue
		}

		if _, err := cs.RunSync(ctx, input, nil); err != nil {
			switch {
			case errors.Is(err, agent.ErrInterrupted),
				errors.Is(err, agent.ErrMaxTurns),
				errors.Is(err, agent.ErrWallTime):
				// Already rendered from the event stream.
			default:
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}
