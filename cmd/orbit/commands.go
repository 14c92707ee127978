package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/orbit/internal/agent"
	agentctx "github.com/haasonsaas/orbit/internal/agent/context"
	"github.com/haasonsaas/orbit/internal/config"
	"github.com/haasonsaas/orbit/internal/events"
	"github.com/haasonsaas/orbit/internal/observability"
	"github.com/haasonsaas/orbit/internal/session"
	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/internal/tools"
	"github.com/haasonsaas/orbit/internal/tools/builtin"
)

// app holds the wiring shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *observability.Logger
	states *state.Store
	store  *session.Store
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	states, err := state.NewStore(cfg.Workspace.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Server.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	store, err := session.OpenStore(cfg.Server.DatabasePath)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, states: states, store: store}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Slog().Warn("close session store", "error", err)
	}
}

func (a *app) policy() *tools.ApprovalPolicy {
	return &tools.ApprovalPolicy{
		Allowlist:   a.cfg.Tools.Allowlist,
		Denylist:    a.cfg.Tools.Denylist,
		AutoApprove: a.cfg.Tools.AutoApprove,
	}
}

// buildSession wires a ChatSession: workspace dir, builtin toolset,
// dispatcher, token counter, model client, and the saved state.
func (a *app) buildSession(sessionID string) (*session.ChatSession, error) {
	workspaceDir := filepath.Join(a.cfg.Workspace.Root, sessionID)
	if err := os.MkdirAll(workspaceDir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	stream := events.NewStream(sessionID, events.WithLogger(a.logger.Slog()))

	registry := tools.NewRegistry()
	if err := builtin.Register(registry, workspaceDir); err != nil {
		return nil, err
	}
	dispatcher := tools.NewDispatcher(registry, stream, tools.DispatcherConfig{
		Concurrency:         a.cfg.Tools.Concurrency,
		PerToolTimeout:      a.cfg.Tools.PerToolTimeout,
		ConfirmationTimeout: a.cfg.Tools.ConfirmationTimeout,
		Policy:              a.policy(),
	}, a.logger.Slog())

	model, err := agent.NewModelClient(a.cfg.Model.Provider, a.cfg.Model.Options)
	if err != nil {
		return nil, err
	}
	counter, err := agentctx.NewTiktokenCounter()
	if err != nil {
		return nil, err
	}
	contextMgr := agentctx.NewManager(counter,
		agent.NewModelSummarizer(model, 0), a.logger.Slog())

	st, _, err := a.states.Load(sessionID)
	if err != nil {
		return nil, err
	}
	controller := agent.NewController(st, contextMgr, model, registry, dispatcher, stream, agent.Config{
		SystemPrompt:        a.cfg.Agent.SystemPrompt,
		MaxTurns:            a.cfg.Agent.MaxTurns,
		MaxOutputTokens:     a.cfg.Agent.MaxOutputTokens,
		ContextBudgetTokens: a.cfg.Agent.ContextBudgetTokens,
		MaxWallTime:         a.cfg.Agent.MaxWallTime,
	}, a.logger.Slog())

	return session.NewChatSession(sessionID, workspaceDir, controller, dispatcher,
		stream, a.states, a.logger.Slog()), nil
}

// resolveSessionID maps --name to its stored session, or mints a new id.
func (a *app) resolveSessionID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return uuid.NewString(), nil
	}
	rec, err := a.store.FindByName(ctx, name)
	if err == nil {
		return rec.ID, nil
	}
	if !errors.Is(err, session.ErrSessionNotFound) {
		return "", err
	}
	id := uuid.NewString()
	return id, a.store.Upsert(ctx, sessionRecord(id, "", name))
}

// stoppedEarly reports sentinel outcomes that end a run normally: the
// RunOutput still carries printable output, so they are not command errors.
func stoppedEarly(err error) bool {
	return errors.Is(err, agent.ErrInterrupted) ||
		errors.Is(err, agent.ErrMaxTurns) ||
		errors.Is(err, agent.ErrWallTime)
}

func newRunCmd(configPath *string) *cobra.Command {
	var (
		task     string
		taskFile string
		name     string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task to completion and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" && taskFile != "" {
				data, err := os.ReadFile(taskFile)
				if err != nil {
					return fmt.Errorf("read task file: %w", err)
				}
				task = string(data)
			}
			if strings.TrimSpace(task) == "" {
				return errors.New("a task is required (--task or --file)")
			}

			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			sessionID, err := a.resolveSessionID(ctx, name)
			if err != nil {
				return err
			}
			cs, err := a.buildSession(sessionID)
			if err != nil {
				return err
			}
			defer cs.Close()

			console := newConsole(cs, false)
			cs.Stream().Subscribe(console.handle)
			if err := a.store.Upsert(ctx, sessionRecord(sessionID, cs.WorkspaceDir, name)); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
			defer cancel()
			go func() {
				<-ctx.Done()
				cs.Cancel()
			}()

			out, err := cs.RunSync(ctx, task, nil)
			_ = cs.Stream().Drain(2 * time.Second)
			if err != nil && !stoppedEarly(err) {
				return err
			}
			fmt.Println(out.Output)
			return a.store.Touch(ctx, sessionID, time.Now())
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task text")
	cmd.Flags().StringVar(&taskFile, "file", "", "file containing the task text")
	cmd.Flags().StringVar(&name, "name", "", "named session to create or resume")
	return cmd
}

func newChatCmd(configPath *string) *cobra.Command {
	var (
		fresh     bool
		sessionID string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session (resumes the most recent one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			id := sessionID
			if id == "" && !fresh {
				ptr, err := a.states.CurrentPointer()
				switch {
				case err == nil && ptr.CurrentSessionID != "":
					id = ptr.CurrentSessionID
				case err != nil && !errors.Is(err, fs.ErrNotExist):
					return err
				}
			}
			if id == "" {
				id = uuid.NewString()
			}

			cs, err := a.buildSession(id)
			if err != nil {
				return err
			}
			defer cs.Close()

			if err := a.store.Upsert(cmd.Context(), sessionRecord(id, cs.WorkspaceDir, "")); err != nil {
				return err
			}
			return runREPL(cmd.Context(), cs)
		},
	}
	cmd.Flags().BoolVar(&fresh, "new", false, "start a fresh session instead of resuming")
	cmd.Flags().StringVar(&sessionID, "session", "", "resume a specific session id")
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the WebSocket control plane and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			manager := session.NewManager(session.ManagerConfig{
				AuthToken:     a.cfg.Server.AuthToken,
				WorkspaceRoot: a.cfg.Workspace.Root,
			}, a.store, func(sessionID, workspaceDir string) (*session.ChatSession, error) {
				return a.buildSession(sessionID)
			}, a.logger.Slog())
			manager.StartSweep()
			defer manager.Close()

			mux := http.NewServeMux()
			mux.Handle("/ws", manager)
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, "ok")
			})

			server := &http.Server{Addr: a.cfg.Server.Addr, Handler: mux}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Slog().Info("serving", "addr", a.cfg.Server.Addr)
				errCh <- server.ListenAndServe()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func newSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List known sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.store.List(cmd.Context(), 0)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, rec := range list {
				name := rec.Name
				if name == "" {
					name = "-"
				}
				last := "-"
				if !rec.LastMessageAt.IsZero() {
					last = rec.LastMessageAt.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("%s  %-16s  %-8s  last message %s\n", rec.ID, name, rec.Status, last)
			}
			return nil
		},
	}
	return cmd
}
