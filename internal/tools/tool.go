// Package tools holds the per-session tool set and the batched dispatcher
// that decides how a group of concurrent tool calls executes: read-only
// calls in parallel, mutating calls strictly serially, mutating calls
// gated on user confirmation.
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/orbit/pkg/models"
)

// Tool is the capability every tool implements.
type Tool interface {
	// Descriptor describes the tool to the model and to the dispatcher.
	Descriptor() models.ToolDescriptor

	// ShouldConfirm inspects the input and reports whether this call
	// needs user approval. A nil return means no confirmation.
	ShouldConfirm(input json.RawMessage) *models.ConfirmationRequest

	// Execute runs the tool. ctx carries the session's cancel signal;
	// implementations must return promptly once it is done. Recoverable
	// failures are reported through ToolOutput.IsError, not err.
	Execute(ctx context.Context, input json.RawMessage) (*models.ToolOutput, error)
}
