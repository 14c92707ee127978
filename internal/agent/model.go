package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/orbit/internal/state"
	"github.com/haasonsaas/orbit/pkg/models"
)

// GenerateRequest is the model-agnostic input to one generate call.
type GenerateRequest struct {
	Turns           []state.Turn
	System          string
	Tools           []models.ToolDescriptor
	MaxOutputTokens int
}

// GenerateResponse is one assistant turn's worth of messages plus usage.
// Messages may mix thinking, text, and tool calls; an empty slice means
// the model considers the task complete.
type GenerateResponse struct {
	Messages []models.Message
	Usage    models.TokenUsage
}

// ModelClient is the single seam to an LLM provider. Implementations own
// retries and must honor ctx cancellation.
type ModelClient interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// ProviderFactory builds a ModelClient from provider-specific options.
type ProviderFactory func(opts map[string]string) (ModelClient, error)

var (
	providersMu sync.RWMutex
	providers   = make(map[string]ProviderFactory)
)

// RegisterProvider makes a model provider available by name. Providers
// register from their package init, like database/sql drivers.
func RegisterProvider(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	if factory == nil {
		panic("agent: nil provider factory for " + name)
	}
	if _, dup := providers[name]; dup {
		panic("agent: provider registered twice: " + name)
	}
	providers[name] = factory
}

// NewModelClient builds a client for the named provider.
func NewModelClient(name string, opts map[string]string) (ModelClient, error) {
	providersMu.RLock()
	factory, ok := providers[name]
	providersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrNoProvider, name, Providers())
	}
	return factory(opts)
}

// Providers lists registered provider names, sorted.
func Providers() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
