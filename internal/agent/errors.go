package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrMaxTurns means the loop hit its turn ceiling before the model
	// finished the task. A budget outcome, not a failure.
	ErrMaxTurns = errors.New("max turns reached")

	// ErrWallTime means the loop hit its wall-clock budget.
	ErrWallTime = errors.New("wall-time budget exceeded")

	// ErrInterrupted means the user cancelled mid-run.
	ErrInterrupted = errors.New("run interrupted")

	// ErrBusy means a run is already in flight for this controller.
	ErrBusy = errors.New("a run is already in progress")

	// ErrNoProvider means no model provider is registered under the
	// configured name.
	ErrNoProvider = errors.New("no such model provider")
)

// LoopError wraps a failure inside the turn loop with where it happened.
type LoopError struct {
	Phase string // "truncate", "generate", "append", "tools"
	Turn  int
	Cause error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("turn %d, %s: %v", e.Turn, e.Phase, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}
