package scheduler

import (
	"errors"
	"testing"
	"time"

	"orchard/internal/plan"
)

func stagePlan(stages ...plan.Stage) *plan.Plan {
	return &plan.Plan{
		ID:          "demo-11112222",
		Name:        "demo",
		Stages:      stages,
		SplitFactor: make(map[string]int),
	}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	p := stagePlan(
		plan.Stage{ID: "extract", Kind: "map"},
		plan.Stage{ID: "transform", Kind: "map", DependsOn: []string{"extract"}},
		plan.Stage{ID: "load", Kind: "reduce", DependsOn: []string{"transform"}},
	)
	if err := validatePlan(p, 4, 64); err != nil {
		t.Fatalf("validatePlan: %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	p := stagePlan(
		plan.Stage{ID: "a", DependsOn: []string{"b"}},
		plan.Stage{ID: "b", DependsOn: []string{"a"}},
	)
	err := validatePlan(p, 4, 64)
	var ve *PlanValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want PlanValidationError", err)
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a", DependsOn: []string{"ghost"}})
	var ve *PlanValidationError
	if err := validatePlan(p, 4, 64); !errors.As(err, &ve) {
		t.Fatalf("err = %v, want PlanValidationError", err)
	}
}

func TestValidateRejectsDuplicateStage(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a"}, plan.Stage{ID: "a"})
	var ve *PlanValidationError
	if err := validatePlan(p, 4, 64); !errors.As(err, &ve) {
		t.Fatalf("err = %v, want PlanValidationError", err)
	}
}

func TestValidateRejectsMaxShardsOverflow(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a"}, plan.Stage{ID: "b"})
	p.Constraints.MaxShards = 4
	var ve *PlanValidationError
	if err := validatePlan(p, 4, 64); !errors.As(err, &ve) {
		t.Fatalf("err = %v, want PlanValidationError for 8 > 4 shards", err)
	}
}

func TestValidateCapsEstimateByStageUnits(t *testing.T) {
	// Two stages of 2 units each decompose to 4 shards under a fanout of
	// 4, not 8. The estimate must apply the per-stage unit cap or small
	// plans get rejected against max_shards they could never reach.
	p := stagePlan(
		plan.Stage{ID: "a", Units: 2},
		plan.Stage{ID: "b", Units: 2, DependsOn: []string{"a"}},
	)
	p.Constraints.MaxShards = 6
	if err := validatePlan(p, 4, 64); err != nil {
		t.Fatalf("validatePlan: %v", err)
	}
	if got := decompose(p, 4); len(got) != 4 {
		t.Fatalf("decompose produced %d shards, want 4", len(got))
	}
}

func TestDecomposeCoversStageRange(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a", Units: 100})
	shards := decompose(p, 4)

	if len(shards) != 4 {
		t.Fatalf("shards = %d, want 4", len(shards))
	}
	if p.TotalShards != 4 {
		t.Errorf("TotalShards = %d, want 4", p.TotalShards)
	}
	if shards[0].Lo != 0 || shards[3].Hi != 100 {
		t.Errorf("range not covered: first=[%d,%d) last=[%d,%d)",
			shards[0].Lo, shards[0].Hi, shards[3].Lo, shards[3].Hi)
	}
	for i := 1; i < len(shards); i++ {
		if shards[i].Lo != shards[i-1].Hi {
			t.Errorf("gap between shard %d and %d", i-1, i)
		}
	}
	for _, s := range shards {
		if s.ParentIndex != -1 {
			t.Errorf("decomposed shard %d has parent %d", s.Index, s.ParentIndex)
		}
	}
}

func TestSplitShardAllocatesFreshIndexes(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a", Units: 100})
	shards := decompose(p, 4)
	parent := shards[1]
	parent.HealDepth = 1

	children := splitShard(p, parent, 4, parent.HealDepth+1, 4, 64)
	if len(children) != 4 {
		t.Fatalf("children = %d, want 4", len(children))
	}
	for _, c := range children {
		if c.Index < 4 {
			t.Errorf("child index %d collides with initial shards", c.Index)
		}
		if c.ParentIndex != parent.Index {
			t.Errorf("child parent = %d, want %d", c.ParentIndex, parent.Index)
		}
		if c.HealDepth != 2 {
			t.Errorf("child heal depth = %d, want 2", c.HealDepth)
		}
	}
	if children[0].Lo != parent.Lo || children[3].Hi != parent.Hi {
		t.Error("children do not cover the parent range")
	}
}

func TestSplitShardRefusesNarrowRange(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a"})
	s := &plan.Shard{PlanID: p.ID, Index: 0, StageID: "a", Lo: 5, Hi: 6}
	if children := splitShard(p, s, 4, 1, 1, 64); children != nil {
		t.Errorf("split of width-1 shard returned %d children", len(children))
	}
}

func TestSplitShardRespectsMaxShards(t *testing.T) {
	p := stagePlan(plan.Stage{ID: "a", Units: 1000})
	s := &plan.Shard{PlanID: p.ID, Index: 0, StageID: "a", Lo: 0, Hi: 1000}
	if children := splitShard(p, s, 4, 1, 8, 8); children != nil {
		t.Error("split exceeded max_shards")
	}
}

func TestLatencyTrackerP95(t *testing.T) {
	tr := newLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		tr.Observe("a", time.Duration(i)*time.Millisecond)
	}
	p95 := tr.P95("a")
	if p95 < 90*time.Millisecond || p95 > 100*time.Millisecond {
		t.Errorf("p95 = %v, want ~95ms", p95)
	}
	if tr.P95("unknown") != 0 {
		t.Errorf("p95 of empty stage = %v, want 0", tr.P95("unknown"))
	}
}

func TestLatencyTrackerWindowSlides(t *testing.T) {
	tr := newLatencyTracker(4)
	for i := 0; i < 10; i++ {
		tr.Observe("a", time.Second)
	}
	tr.Observe("a", time.Millisecond)
	if got := len(tr.byStage["a"]); got != 4 {
		t.Errorf("window holds %d samples, want 4", got)
	}
}
