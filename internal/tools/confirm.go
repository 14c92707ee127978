package tools

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/orbit/pkg/models"
)

// DefaultConfirmationTimeout is how long a confirmation waits for the
// user before it is denied.
const DefaultConfirmationTimeout = 300 * time.Second

// Broker tracks pending confirmations for one session. Each entry is
// keyed by tool-call id and resolves at most once; the dispatcher awaits,
// the session's inbound handler resolves.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan models.ConfirmationResolution
	timeout time.Duration
}

// NewBroker creates a broker. A non-positive timeout uses the default.
func NewBroker(timeout time.Duration) *Broker {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	return &Broker{
		pending: make(map[string]chan models.ConfirmationResolution),
		timeout: timeout,
	}
}

// Await blocks until the confirmation keyed by toolCallID resolves, the
// timeout elapses, or ctx is cancelled. Timeout and cancel both deny.
func (b *Broker) Await(ctx context.Context, toolCallID string) models.ConfirmationResolution {
	ch := make(chan models.ConfirmationResolution, 1)

	b.mu.Lock()
	b.pending[toolCallID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, toolCallID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res
	case <-timer.C:
		return models.ConfirmationResolution{Approved: false}
	case <-ctx.Done():
		return models.ConfirmationResolution{Approved: false}
	}
}

// Resolve answers a pending confirmation. Returns false when no entry is
// pending for the id or it was already resolved.
func (b *Broker) Resolve(toolCallID string, res models.ConfirmationResolution) bool {
	b.mu.Lock()
	ch, ok := b.pending[toolCallID]
	if ok {
		delete(b.pending, toolCallID)
	}
	b.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// PendingIDs returns the ids of unresolved confirmations.
func (b *Broker) PendingIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.pending))
	for id := range b.pending {
		out = append(out, id)
	}
	return out
}
