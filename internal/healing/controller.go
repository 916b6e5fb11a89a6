// Package healing decides what happens to failed shards. Every failure
// is mapped to exactly one bounded action: retry, split, or terminal
// failure. Budgets are tracked per shard lineage so healing can never
// loop forever; the heal depth check is enforced here and nowhere else.
package healing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchard/internal/logging"
	"orchard/internal/plan"
)

// Action is the bounded remediation chosen for a failed shard.
type Action string

const (
	// ActionRetry re-enqueues the shard with the same identity.
	ActionRetry Action = "retry"
	// ActionSplit replaces the shard with smaller children.
	ActionSplit Action = "split"
	// ActionFail marks the shard terminally failed. The scheduler then
	// evaluates whether the owning plan can tolerate the loss.
	ActionFail Action = "fail"
)

// Decision is the controller's verdict for one failed shard.
type Decision struct {
	Action Action
	Reason string
}

// Config bounds the healing budgets.
type Config struct {
	// RetryLimit is the maximum execution attempts per shard identity.
	RetryLimit int
	// HealDepthLimit caps healing interventions per shard lineage.
	// Retries and splits both consume depth.
	HealDepthLimit int
}

// DefaultConfig returns the standard budgets.
func DefaultConfig() Config {
	return Config{RetryLimit: 3, HealDepthLimit: 3}
}

// Controller classifies shard failures and chooses bounded actions.
// Remediation engines, when registered for a failure class, run before
// re-dispatch to repair the underlying cause (integrity fixer, config
// repair, environment reconciliation).
type Controller struct {
	cfg Config

	mu      sync.Mutex
	engines map[plan.FailureClass]Engine
	stats   map[plan.FailureClass]*EngineStats
}

// EngineStats tracks per-class remediation outcomes.
type EngineStats struct {
	Invocations int64
	Successes   int64
	Failures    int64
}

// NewController creates a controller with the given budgets.
func NewController(cfg Config) *Controller {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if cfg.HealDepthLimit <= 0 {
		cfg.HealDepthLimit = 3
	}
	return &Controller{
		cfg:     cfg,
		engines: make(map[plan.FailureClass]Engine),
		stats:   make(map[plan.FailureClass]*EngineStats),
	}
}

// Register attaches a remediation engine for a failure class. At most
// one engine per class.
func (c *Controller) Register(class plan.FailureClass, e Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engines[class] = e
}

// SetBudgets replaces the retry and depth budgets. Used by config live
// reload; decisions already in flight keep the budgets they started with.
func (c *Controller) SetBudgets(cfg Config) {
	if cfg.RetryLimit <= 0 || cfg.HealDepthLimit <= 0 {
		return
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Controller) budgets() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Decide maps a failed shard to its remediation:
//
//  1. Retry while the attempt budget and heal depth both allow.
//  2. Otherwise split, if the failure is partitionable and depth allows.
//  3. Otherwise the shard fails terminally.
//
// Heal depth is checked first so an exhausted lineage can never heal
// again no matter what class the latest failure carries.
func (c *Controller) Decide(s *plan.Shard) Decision {
	cfg := c.budgets()
	if s.HealDepth >= cfg.HealDepthLimit {
		return Decision{
			Action: ActionFail,
			Reason: fmt.Sprintf("heal depth limit reached (%d) for shard %s", cfg.HealDepthLimit, s.ShardID()),
		}
	}

	if s.Attempt < cfg.RetryLimit {
		return Decision{
			Action: ActionRetry,
			Reason: fmt.Sprintf("%s failure, attempt %d/%d", s.Failure, s.Attempt, cfg.RetryLimit),
		}
	}

	if s.Failure == plan.FailurePartitionable {
		return Decision{
			Action: ActionSplit,
			Reason: fmt.Sprintf("retry budget exhausted, splitting partitionable shard %s", s.ShardID()),
		}
	}

	return Decision{
		Action: ActionFail,
		Reason: fmt.Sprintf("retry limit reached (%d) for shard %s: %s", cfg.RetryLimit, s.ShardID(), s.Error),
	}
}

// Heal runs the decision for a failed shard: consumes heal depth for
// non-terminal actions, invokes the registered engine for the failure
// class if any, and appends the outcome to the shard's evidence trail.
// The caller applies the returned decision.
func (c *Controller) Heal(ctx context.Context, s *plan.Shard) (Decision, error) {
	d := c.Decide(s)
	logging.Healing("Shard %s: %s (%s)", s.ShardID(), d.Action, d.Reason)

	now := time.Now().UTC().Format(time.RFC3339)
	if d.Action == ActionFail {
		s.Evidence = append(s.Evidence, fmt.Sprintf("%s fail: %s", now, d.Reason))
		return d, nil
	}

	// Depth is consumed by every healing intervention.
	s.HealDepth++

	engine := c.engineFor(s.Failure)
	if engine == nil {
		s.Evidence = append(s.Evidence, fmt.Sprintf("%s %s: %s", now, d.Action, d.Reason))
		return d, nil
	}

	st := c.statsFor(s.Failure)
	res, err := engine.Heal(ctx, s, s.Failure)
	c.mu.Lock()
	st.Invocations++
	if err != nil || !res.Success {
		st.Failures++
	} else {
		st.Successes++
	}
	c.mu.Unlock()

	if err != nil {
		// Engine failure demotes the decision to terminal: retrying
		// into a broken environment would burn the remaining budget.
		logging.Get(logging.CategoryHealing).Error("Engine for %s failed on shard %s: %v", s.Failure, s.ShardID(), err)
		s.Evidence = append(s.Evidence, fmt.Sprintf("%s engine error: %v", now, err))
		return Decision{Action: ActionFail, Reason: fmt.Sprintf("remediation engine failed: %v", err)}, err
	}

	s.Evidence = append(s.Evidence, fmt.Sprintf("%s %s: %s", now, d.Action, res.Details))
	logging.HealingDebug("Engine for %s on shard %s: success=%v details=%s", s.Failure, s.ShardID(), res.Success, res.Details)
	return d, nil
}

func (c *Controller) engineFor(class plan.FailureClass) Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engines[class]
}

func (c *Controller) statsFor(class plan.FailureClass) *EngineStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[class]
	if !ok {
		st = &EngineStats{}
		c.stats[class] = st
	}
	return st
}

// Stats returns a copy of the per-class engine stats.
func (c *Controller) Stats() map[plan.FailureClass]EngineStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[plan.FailureClass]EngineStats, len(c.stats))
	for k, v := range c.stats {
		out[k] = *v
	}
	return out
}
