package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/orbit/internal/tools"
	"github.com/haasonsaas/orbit/pkg/models"
)

const maxShellOutput = 64_000

type shellInput struct {
	Command        string            `json:"command" jsonschema:"required,description=Shell command to execute."`
	Cwd            string            `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace."`
	Env            map[string]string `json:"env,omitempty" jsonschema:"description=Environment overrides."`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" jsonschema:"minimum=0,description=Timeout in seconds. 0 uses the dispatcher default."`
}

type shellResult struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
}

// ShellTool runs one shell command inside the workspace.
type ShellTool struct {
	resolver Resolver
}

// NewShellTool creates a shell tool scoped to the workspace.
func NewShellTool(workspace string) *ShellTool {
	return &ShellTool{resolver: Resolver{Root: workspace}}
}

func (t *ShellTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:                 "run_command",
		Description:          "Run a shell command in the workspace and return stdout, stderr, and the exit code.",
		InputSchema:          tools.MustSchemaFor[shellInput](),
		RequiresConfirmation: true,
	}
}

func (t *ShellTool) ShouldConfirm(input json.RawMessage) *models.ConfirmationRequest {
	var in shellInput
	_ = json.Unmarshal(input, &in)
	return &models.ConfirmationRequest{
		Kind:    models.ConfirmBash,
		Message: fmt.Sprintf("Run `%s`?", in.Command),
	}
}

func (t *ShellTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var in shellInput
	if err := json.Unmarshal(input, &in); err != nil {
		return models.ErrorOutput(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return models.ErrorOutput("command is required"), nil
	}

	runCtx := ctx
	if in.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cwd := in.Cwd
	if cwd == "" {
		cwd = "."
	}
	dir, err := t.resolver.Resolve(cwd)
	if err != nil {
		return models.ErrorOutput(err.Error()), nil
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	if len(in.Env) > 0 {
		base := os.Environ()
		for k, v := range in.Env {
			base = append(base, k+"="+v)
		}
		cmd.Env = base
	}
	stdout := newLimitedBuffer(maxShellOutput)
	stderr := newLimitedBuffer(maxShellOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	if runCtx.Err() != nil {
		return nil, runCtx.Err()
	}

	result := shellResult{
		Command:  command,
		Cwd:      dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(runErr),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return models.ErrorOutput(fmt.Sprintf("encode result: %v", err)), nil
	}
	out := models.TextOutput(string(payload))
	out.Display = fmt.Sprintf("$ %s (exit %d)", command, result.ExitCode)
	out.IsError = result.ExitCode != 0
	return out, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer caps captured output so a chatty command cannot flood the
// transcript.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if len(b.buf) >= b.max {
		return n, nil
	}
	if remaining := b.max - len(b.buf); n > remaining {
		p = p[:remaining]
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
