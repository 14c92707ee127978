// Package builtin provides the workspace-scoped tools every session gets:
// file read/write, directory listing, and shell execution.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/orbit/internal/tools"
	"github.com/haasonsaas/orbit/pkg/models"
)

const defaultMaxReadBytes = 200_000

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path inside the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	target := clean
	if !filepath.IsAbs(target) {
		target = filepath.Join(rootAbs, target)
	}
	targetAbs, err := filepath.Abs(filepath.Clean(target))
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

type readFileInput struct {
	Path     string `json:"path" jsonschema:"required,description=Path to the file relative to the workspace."`
	Offset   int64  `json:"offset,omitempty" jsonschema:"minimum=0,description=Byte offset to start reading from."`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"minimum=0,description=Maximum bytes to read."`
}

// ReadFileTool reads a file inside the workspace with byte limits.
type ReadFileTool struct {
	resolver Resolver
	maxBytes int
}

// NewReadFileTool creates a read tool scoped to the workspace.
func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{resolver: Resolver{Root: workspace}, maxBytes: defaultMaxReadBytes}
}

func (t *ReadFileTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a file from the workspace with optional offset and byte limit.",
		InputSchema: tools.MustSchemaFor[readFileInput](),
		ReadOnly:    true,
	}
}

func (t *ReadFileTool) ShouldConfirm(input json.RawMessage) *models.ConfirmationRequest {
	return nil
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var in readFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return models.ErrorOutput(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if in.Offset < 0 {
		return models.ErrorOutput("offset must be >= 0"), nil
	}
	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return models.ErrorOutput(err.Error()), nil
	}

	file, err := os.Open(resolved)
	if err != nil {
		return models.ErrorOutput(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return models.ErrorOutput(fmt.Sprintf("stat file: %v", err)), nil
	}
	if in.Offset > 0 {
		if _, err := file.Seek(in.Offset, io.SeekStart); err != nil {
			return models.ErrorOutput(fmt.Sprintf("seek file: %v", err)), nil
		}
	}

	limit := t.maxBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(file, int64(limit)))
	if err != nil {
		return models.ErrorOutput(fmt.Sprintf("read file: %v", err)), nil
	}

	truncated := in.Offset+int64(len(buf)) < info.Size()
	out := models.TextOutput(string(buf))
	out.Display = fmt.Sprintf("Read %d bytes from %s", len(buf), in.Path)
	if truncated {
		out.Display += " (truncated)"
	}
	return out, nil
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"required,description=Path to the file relative to the workspace."`
	Content string `json:"content" jsonschema:"required,description=Full file content to write."`
}

// WriteFileTool creates or overwrites a file inside the workspace.
type WriteFileTool struct {
	resolver Resolver
}

// NewWriteFileTool creates a write tool scoped to the workspace.
func NewWriteFileTool(workspace string) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: workspace}}
}

func (t *WriteFileTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:                 "write_file",
		Description:          "Create or overwrite a file in the workspace.",
		InputSchema:          tools.MustSchemaFor[writeFileInput](),
		RequiresConfirmation: true,
	}
}

func (t *WriteFileTool) ShouldConfirm(input json.RawMessage) *models.ConfirmationRequest {
	var in writeFileInput
	_ = json.Unmarshal(input, &in)
	return &models.ConfirmationRequest{
		Kind:    models.ConfirmEdit,
		Message: fmt.Sprintf("Write %d bytes to %s?", len(in.Content), in.Path),
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var in writeFileInput
	if err := json.Unmarshal(input, &in); err != nil {
		return models.ErrorOutput(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return models.ErrorOutput(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return models.ErrorOutput(fmt.Sprintf("create parent dirs: %v", err)), nil
	}
	if err := os.WriteFile(resolved, []byte(in.Content), 0o644); err != nil {
		return models.ErrorOutput(fmt.Sprintf("write file: %v", err)), nil
	}
	out := models.TextOutput(fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.Path))
	return out, nil
}

type listDirInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the workspace. Defaults to the workspace root."`
}

// ListDirTool lists one directory level inside the workspace.
type ListDirTool struct {
	resolver Resolver
}

// NewListDirTool creates a list tool scoped to the workspace.
func NewListDirTool(workspace string) *ListDirTool {
	return &ListDirTool{resolver: Resolver{Root: workspace}}
}

func (t *ListDirTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "list_dir",
		Description: "List the entries of a workspace directory.",
		InputSchema: tools.MustSchemaFor[listDirInput](),
		ReadOnly:    true,
	}
}

func (t *ListDirTool) ShouldConfirm(input json.RawMessage) *models.ConfirmationRequest {
	return nil
}

func (t *ListDirTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error) {
	var in listDirInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return models.ErrorOutput(fmt.Sprintf("invalid parameters: %v", err)), nil
		}
	}
	if in.Path == "" {
		in.Path = "."
	}
	resolved, err := t.resolver.Resolve(in.Path)
	if err != nil {
		return models.ErrorOutput(err.Error()), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return models.ErrorOutput(fmt.Sprintf("read dir: %v", err)), nil
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		lines = append(lines, name)
	}
	sort.Strings(lines)
	return models.TextOutput(strings.Join(lines, "\n")), nil
}
