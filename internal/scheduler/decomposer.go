package scheduler

import (
	"fmt"

	"orchard/internal/plan"
)

// defaultStageUnits is the abstract input range a stage covers when the
// submitter does not size it. Wide enough for several rounds of splits.
const defaultStageUnits = 1 << 16

// validatePlan checks the stage graph and decomposition bounds before
// any shard exists. Violations return a PlanValidationError and the
// plan never leaves VALIDATING.
func validatePlan(p *plan.Plan, initialShards, defaultMaxShards int) error {
	if len(p.Stages) == 0 {
		return &PlanValidationError{PlanID: p.ID, Reason: "plan has no stages"}
	}

	seen := make(map[string]bool, len(p.Stages))
	for _, st := range p.Stages {
		if st.ID == "" {
			return &PlanValidationError{PlanID: p.ID, Reason: "stage with empty id"}
		}
		if seen[st.ID] {
			return &PlanValidationError{PlanID: p.ID, Reason: fmt.Sprintf("duplicate stage id %q", st.ID)}
		}
		seen[st.ID] = true
	}
	for _, st := range p.Stages {
		for _, dep := range st.DependsOn {
			if !seen[dep] {
				return &PlanValidationError{PlanID: p.ID, Reason: fmt.Sprintf("stage %q depends on unknown stage %q", st.ID, dep)}
			}
			if dep == st.ID {
				return &PlanValidationError{PlanID: p.ID, Reason: fmt.Sprintf("stage %q depends on itself", st.ID)}
			}
		}
	}
	if cyclic, at := hasCycle(p.Stages); cyclic {
		return &PlanValidationError{PlanID: p.ID, Reason: fmt.Sprintf("stage dependency cycle through %q", at)}
	}

	maxShards := p.Constraints.MaxShards
	if maxShards <= 0 {
		maxShards = defaultMaxShards
	}
	total := 0
	for _, st := range p.Stages {
		units := st.Units
		if units <= 0 {
			units = defaultStageUnits
		}
		n := initialShards
		if int64(n) > units {
			n = int(units)
		}
		total += n
	}
	if total > maxShards {
		return &PlanValidationError{
			PlanID: p.ID,
			Reason: fmt.Sprintf("decomposition yields %d shards, max_shards is %d", total, maxShards),
		}
	}
	return nil
}

// hasCycle runs a three-color DFS over the stage dependency graph.
func hasCycle(stages []plan.Stage) (bool, string) {
	deps := make(map[string][]string, len(stages))
	for _, st := range stages {
		deps[st.ID] = st.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(stages))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, st := range stages {
		if color[st.ID] == white && visit(st.ID) {
			return true, st.ID
		}
	}
	return false, ""
}

// decompose builds the initial shard set: each stage's input range is
// cut into initialShards contiguous half-open slices. Shard indexes are
// allocated from the plan's counter so later splits never collide.
func decompose(p *plan.Plan, initialShards int) []*plan.Shard {
	var shards []*plan.Shard
	for _, st := range p.Stages {
		units := st.Units
		if units <= 0 {
			units = defaultStageUnits
		}
		n := initialShards
		if int64(n) > units {
			n = int(units)
		}
		span := units / int64(n)
		for i := 0; i < n; i++ {
			lo := int64(i) * span
			hi := lo + span
			if i == n-1 {
				hi = units
			}
			shards = append(shards, &plan.Shard{
				PlanID:      p.ID,
				Index:       p.ShardCounter,
				StageID:     st.ID,
				Lo:          lo,
				Hi:          hi,
				Phase:       plan.PhasePending,
				ParentIndex: -1,
			})
			p.ShardCounter++
		}
	}
	p.TotalShards = len(shards)
	return shards
}

// splitShard replaces a shard's range with fanout contiguous children.
// Returns nil when the range is too narrow to divide or the plan's
// shard cap would be exceeded. healDepth is the depth children inherit;
// healing splits pass parent depth + 1, autosplit passes the parent's
// own depth.
func splitShard(p *plan.Plan, s *plan.Shard, fanout, healDepth, currentCount, maxShards int) []*plan.Shard {
	width := s.Hi - s.Lo
	if width < 2 || fanout < 2 {
		return nil
	}
	n := fanout
	if int64(n) > width {
		n = int(width)
	}
	if currentCount-1+n > maxShards {
		return nil
	}

	span := width / int64(n)
	children := make([]*plan.Shard, 0, n)
	for i := 0; i < n; i++ {
		lo := s.Lo + int64(i)*span
		hi := lo + span
		if i == n-1 {
			hi = s.Hi
		}
		children = append(children, &plan.Shard{
			PlanID:      p.ID,
			Index:       p.ShardCounter,
			StageID:     s.StageID,
			Lo:          lo,
			Hi:          hi,
			Phase:       plan.PhasePending,
			ParentIndex: s.Index,
			HealDepth:   healDepth,
		})
		p.ShardCounter++
	}
	return children
}
