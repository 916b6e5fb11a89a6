package scheduler

import (
	"context"
	"errors"

	"orchard/internal/plan"
)

// Executor runs one shard's work. Execute must honor ctx: the
// scheduler enforces the stage SLO through the context deadline and a
// deadline overrun is a hard timeout failure.
type Executor interface {
	Execute(ctx context.Context, s *plan.Shard) (result string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, s *plan.Shard) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, s *plan.Shard) (string, error) {
	return f(ctx, s)
}

// ClassifiedError lets executors classify their own failures. Wrap the
// underlying error with the failure class the healing controller should
// see; unwrapped errors default to the execution class.
type ClassifiedError struct {
	Class plan.FailureClass
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Partitionable wraps err as a partitionable failure: the executor is
// reporting that the work is independently divisible.
func Partitionable(err error) error {
	return &ClassifiedError{Class: plan.FailurePartitionable, Err: err}
}

// classify maps an execution error to its failure class. Context
// deadline overruns are timeouts regardless of what the executor
// wrapped them in.
func classify(ctx context.Context, err error) plan.FailureClass {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return plan.FailureTimeout
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return plan.FailureExecution
}
