package healing

import (
	"context"
	"fmt"
	"time"

	"orchard/internal/plan"
)

// Result is the outcome of a remediation attempt.
type Result struct {
	Success bool
	Details string
}

// Engine remediates the underlying cause of a failure class before the
// shard is re-dispatched. Engines fix environments, not shards: the
// controller owns the retry/split/halt decision.
type Engine interface {
	Heal(ctx context.Context, s *plan.Shard, class plan.FailureClass) (Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, s *plan.Shard, class plan.FailureClass) (Result, error)

func (f EngineFunc) Heal(ctx context.Context, s *plan.Shard, class plan.FailureClass) (Result, error) {
	return f(ctx, s, class)
}

// BackoffEngine delays re-dispatch with linear backoff keyed on the
// shard's attempt count. Suits transient execution failures where the
// best remediation is giving the environment time to settle.
type BackoffEngine struct {
	Base time.Duration
}

func (e *BackoffEngine) Heal(ctx context.Context, s *plan.Shard, class plan.FailureClass) (Result, error) {
	base := e.Base
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	wait := base * time.Duration(s.Attempt)
	if wait <= 0 {
		wait = base
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(wait):
	}
	return Result{Success: true, Details: fmt.Sprintf("backed off %v before retry", wait)}, nil
}
