package healing

import (
	"context"
	"errors"
	"testing"
	"time"

	"orchard/internal/plan"
)

func failedShard(class plan.FailureClass, attempt, depth int) *plan.Shard {
	return &plan.Shard{
		PlanID:    "demo-11112222",
		Index:     0,
		StageID:   "stage-a",
		Phase:     plan.PhaseFailed,
		Failure:   class,
		Attempt:   attempt,
		HealDepth: depth,
	}
}

func TestDecideRetriesWithinBudget(t *testing.T) {
	c := NewController(Config{RetryLimit: 3, HealDepthLimit: 5})

	// Every class retries while the attempt budget allows.
	classes := []plan.FailureClass{
		plan.FailureTimeout, plan.FailureExecution, plan.FailurePartitionable,
		plan.FailureIntegrity, plan.FailureConfig, plan.FailureEnvironment,
	}
	for _, class := range classes {
		d := c.Decide(failedShard(class, 1, 0))
		if d.Action != ActionRetry {
			t.Errorf("class %s: action = %s, want retry", class, d.Action)
		}
	}
}

func TestDecideSplitAfterRetriesForPartitionable(t *testing.T) {
	c := NewController(Config{RetryLimit: 3, HealDepthLimit: 10})

	d := c.Decide(failedShard(plan.FailurePartitionable, 3, 1))
	if d.Action != ActionSplit {
		t.Errorf("action = %s, want split once retries exhausted", d.Action)
	}
}

func TestDecideFailsWhenRetriesExhausted(t *testing.T) {
	c := NewController(Config{RetryLimit: 3, HealDepthLimit: 10})

	for _, class := range []plan.FailureClass{plan.FailureTimeout, plan.FailureExecution, plan.FailureIntegrity} {
		d := c.Decide(failedShard(class, 3, 1))
		if d.Action != ActionFail {
			t.Errorf("class %s: action = %s, want fail at attempt limit", class, d.Action)
		}
	}
}

func TestHealDepthLimitWinsOverEverything(t *testing.T) {
	c := NewController(Config{RetryLimit: 10, HealDepthLimit: 2})

	// Attempt budget remains, but the lineage has spent its depth.
	d := c.Decide(failedShard(plan.FailureTimeout, 1, 2))
	if d.Action != ActionFail {
		t.Errorf("action = %s, want fail at depth limit", d.Action)
	}

	// Partitionable cannot split past the depth limit either.
	d = c.Decide(failedShard(plan.FailurePartitionable, 10, 2))
	if d.Action != ActionFail {
		t.Errorf("split action = %s, want fail at depth limit", d.Action)
	}
}

func TestHealConsumesDepthAndRecordsEvidence(t *testing.T) {
	c := NewController(DefaultConfig())
	s := failedShard(plan.FailureTimeout, 1, 0)

	d, err := c.Heal(context.Background(), s)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if d.Action != ActionRetry {
		t.Fatalf("action = %s, want retry", d.Action)
	}
	if s.HealDepth != 1 {
		t.Errorf("heal depth = %d, want 1", s.HealDepth)
	}
	if len(s.Evidence) != 1 {
		t.Errorf("evidence entries = %d, want 1", len(s.Evidence))
	}
}

func TestHealTerminalFailureDoesNotConsumeDepth(t *testing.T) {
	c := NewController(Config{RetryLimit: 1, HealDepthLimit: 3})
	s := failedShard(plan.FailureIntegrity, 1, 1)

	d, err := c.Heal(context.Background(), s)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if d.Action != ActionFail {
		t.Fatalf("action = %s, want fail", d.Action)
	}
	if s.HealDepth != 1 {
		t.Errorf("heal depth = %d, want unchanged 1", s.HealDepth)
	}
}

func TestHealInvokesRegisteredEngine(t *testing.T) {
	c := NewController(DefaultConfig())
	called := false
	c.Register(plan.FailureEnvironment, EngineFunc(func(ctx context.Context, s *plan.Shard, class plan.FailureClass) (Result, error) {
		called = true
		return Result{Success: true, Details: "reconciled environment"}, nil
	}))

	s := failedShard(plan.FailureEnvironment, 1, 0)
	if _, err := c.Heal(context.Background(), s); err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if !called {
		t.Error("registered engine was not invoked")
	}

	stats := c.Stats()
	if st := stats[plan.FailureEnvironment]; st.Invocations != 1 || st.Successes != 1 {
		t.Errorf("stats = %+v, want 1 invocation, 1 success", st)
	}
}

func TestHealEngineErrorDemotesToFail(t *testing.T) {
	c := NewController(DefaultConfig())
	boom := errors.New("remediation exploded")
	c.Register(plan.FailureExecution, EngineFunc(func(ctx context.Context, s *plan.Shard, class plan.FailureClass) (Result, error) {
		return Result{}, boom
	}))

	s := failedShard(plan.FailureExecution, 1, 0)
	d, err := c.Heal(context.Background(), s)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped engine error", err)
	}
	if d.Action != ActionFail {
		t.Errorf("action = %s, want fail on engine failure", d.Action)
	}
}

func TestBackoffEngineWaits(t *testing.T) {
	e := &BackoffEngine{Base: 10 * time.Millisecond}
	s := failedShard(plan.FailureExecution, 2, 0)

	start := time.Now()
	res, err := e.Heal(context.Background(), s, plan.FailureExecution)
	if err != nil {
		t.Fatalf("Heal: %v", err)
	}
	if !res.Success {
		t.Error("backoff engine reported failure")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("waited %v, want at least 20ms (base * attempt)", elapsed)
	}
}

func TestBackoffEngineHonorsCancellation(t *testing.T) {
	e := &BackoffEngine{Base: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Heal(ctx, failedShard(plan.FailureExecution, 1, 0), plan.FailureExecution)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
