package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownPlan is returned for operations on plans the scheduler
	// has never seen.
	ErrUnknownPlan = errors.New("scheduler: unknown plan")

	// ErrNotRunning is returned when the scheduler has not been started.
	ErrNotRunning = errors.New("scheduler: not running")

	// ErrNotRetryable is returned by Retry for plans that are neither
	// guardian-halted nor aborted at certification.
	ErrNotRetryable = errors.New("scheduler: plan is not in a retryable state")
)

// PlanValidationError rejects a plan before any shard exists.
// Not retried.
type PlanValidationError struct {
	PlanID string
	Reason string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan %s rejected: %s", e.PlanID, e.Reason)
}

// ShardTimeoutError reports a shard attempt that overran its stage SLO.
type ShardTimeoutError struct {
	ShardID string
	SLO     time.Duration
}

func (e *ShardTimeoutError) Error() string {
	return fmt.Sprintf("shard %s exceeded its %v SLO", e.ShardID, e.SLO)
}

// ShardExecutionError reports an executor failure for one attempt.
type ShardExecutionError struct {
	ShardID string
	Attempt int
	Err     error
}

func (e *ShardExecutionError) Error() string {
	return fmt.Sprintf("shard %s attempt %d failed: %v", e.ShardID, e.Attempt, e.Err)
}

func (e *ShardExecutionError) Unwrap() error { return e.Err }

// GuardianHaltError reports a plan surrendered to the guardian. The
// plan stays halted until an operator retries it.
type GuardianHaltError struct {
	PlanID string
	Reason string
}

func (e *GuardianHaltError) Error() string {
	return fmt.Sprintf("plan %s guardian-halted: %s", e.PlanID, e.Reason)
}

// CertificationQuorumError reports a certification round that failed
// to reach quorum. Surfaced through plan status, never auto-retried.
type CertificationQuorumError struct {
	PlanID string
	Reason string
}

func (e *CertificationQuorumError) Error() string {
	return fmt.Sprintf("plan %s failed certification: %s", e.PlanID, e.Reason)
}
