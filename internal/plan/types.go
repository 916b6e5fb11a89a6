// Package plan defines the core data model for the shard orchestrator:
// plans, stages, shards, lifecycle events, and certification records.
//
// A Plan is a declarative unit of work composed of ordered stages. The
// scheduler decomposes each stage into independently schedulable shards,
// executes them under concurrency and SLO bounds, and certifies the
// completed result set before declaring the plan done.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a plan.
type Status string

const (
	StatusSubmitted  Status = "submitted"       // Accepted, not yet validated
	StatusValidating Status = "validating"      // Stage graph being validated
	StatusRunning    Status = "running"         // Shards dispatching
	StatusCertifying Status = "certifying"      // All shards complete, awaiting quorum
	StatusCertified  Status = "certified"       // Quorum-approved, terminal
	StatusAborted    Status = "aborted"         // Cancelled or certification failed, terminal
	StatusHalted     Status = "guardian_halted" // Healing exhausted, terminal until operator retry
)

// Terminal reports whether the status is a terminal plan state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCertified, StatusAborted, StatusHalted:
		return true
	}
	return false
}

// Phase represents the lifecycle state of a shard.
type Phase string

const (
	PhasePending  Phase = "pending"
	PhaseClaimed  Phase = "claimed"
	PhaseRunning  Phase = "running"
	PhaseComplete Phase = "complete"
	PhaseFailed   Phase = "failed"
)

// Terminal reports whether the phase is a terminal shard state.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// FailureClass buckets shard failures for the healing controller.
// The set is closed: classification happens through an explicit switch,
// never an open string registry.
type FailureClass string

const (
	FailureNone          FailureClass = ""
	FailureTimeout       FailureClass = "timeout"       // SLO deadline exceeded
	FailureExecution     FailureClass = "execution"     // Executor returned an error
	FailurePartitionable FailureClass = "partitionable" // Work is independently divisible
	FailureIntegrity     FailureClass = "integrity"     // Result failed integrity checks
	FailureConfig        FailureClass = "config"        // Misconfiguration detected
	FailureEnvironment   FailureClass = "environment"   // Environment drift detected
)

// Stage is a named step of a plan with an execution kind and an SLO.
type Stage struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	SLO       time.Duration `json:"slo"`
	DependsOn []string      `json:"depends_on,omitempty"`

	// Units is the abstract size of the stage's input range. Shards
	// cover half-open sub-ranges of [0, Units). Zero means the
	// decomposer default.
	Units int64 `json:"units,omitempty"`
}

// Constraints bound plan decomposition and completion.
type Constraints struct {
	// MaxShards caps the total shard count after decomposition, including
	// shards derived by splitting. Zero means the configured default.
	MaxShards int `json:"max_shards"`

	// TolerateFailed is the number of terminally failed shards the plan can
	// absorb and still certify. Default 0: any terminal failure halts.
	TolerateFailed int `json:"tolerate_failed,omitempty"`
}

// Plan is a declarative unit of work submitted for execution.
type Plan struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Stages      []Stage     `json:"stages"`
	Constraints Constraints `json:"constraints"`
	Status      Status      `json:"status"`
	Reason      string      `json:"reason,omitempty"` // Why aborted/halted
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`

	// TotalShards is fixed once decomposition completes; split-derived
	// shards replace their parent so the invariant done <= total holds.
	TotalShards int `json:"total_shards"`

	// ShardCounter allocates monotonically increasing shard indexes so
	// split children never collide with existing identities.
	ShardCounter int `json:"shard_counter"`

	// SplitFactor tracks the per-stage autosplit fan-out. Monotonic
	// one-way within a plan: factors only increase, never decrease.
	SplitFactor map[string]int `json:"split_factor,omitempty"`
}

// NewID derives a plan ID from the caller-supplied name and a generated
// identifier, mirroring the campaign id scheme.
func NewID(name string) string {
	slug := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), " ", "-"))
	if slug == "" {
		slug = "plan"
	}
	return fmt.Sprintf("%s-%s", slug, uuid.New().String()[:8])
}

// Stage returns the stage with the given ID, or nil.
func (p *Plan) Stage(id string) *Stage {
	for i := range p.Stages {
		if p.Stages[i].ID == id {
			return &p.Stages[i]
		}
	}
	return nil
}

// Shard is an independently schedulable unit of work derived from a stage.
// Identity (PlanID, Index) is stable and deterministic: retries reuse it,
// split children allocate fresh indexes from the plan's shard counter.
type Shard struct {
	PlanID  string `json:"plan_id"`
	Index   int    `json:"index"`
	StageID string `json:"stage_id"`

	// Input describes the half-open payload range [Lo, Hi) this shard covers.
	Lo int64 `json:"lo"`
	Hi int64 `json:"hi"`

	Phase     Phase `json:"phase"`
	Attempt   int   `json:"attempt"`
	HealDepth int   `json:"heal_depth"`

	// ParentIndex is -1 for shards created at decomposition, otherwise the
	// index of the shard this one was split from.
	ParentIndex int `json:"parent_index"`

	Result     string       `json:"result,omitempty"`
	ResultHash string       `json:"result_hash,omitempty"`
	Error      string       `json:"error,omitempty"`
	Failure    FailureClass `json:"failure,omitempty"`

	// Evidence accumulates healing engine outcomes for this lineage.
	Evidence []string `json:"evidence,omitempty"`

	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// ShardID renders the canonical plan-scoped shard identity.
func (s *Shard) ShardID() string {
	return fmt.Sprintf("%s/%d", s.PlanID, s.Index)
}

// Clone returns a deep copy of the shard.
func (s *Shard) Clone() *Shard {
	c := *s
	if s.Evidence != nil {
		c.Evidence = append([]string(nil), s.Evidence...)
	}
	return &c
}

// Counts summarises a shard table by phase.
type Counts struct {
	Done    int `json:"done"`
	Running int `json:"running"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}

// Count tallies the shard table by phase. Claimed shards count as running:
// they hold a concurrency slot.
func Count(shards []*Shard) Counts {
	var c Counts
	for _, s := range shards {
		switch s.Phase {
		case PhaseComplete:
			c.Done++
		case PhaseRunning, PhaseClaimed:
			c.Running++
		case PhasePending:
			c.Pending++
		case PhaseFailed:
			c.Failed++
		}
	}
	c.Total = len(shards)
	return c
}

// CertificationRecord proves a plan's shard results are complete and
// unaltered. Immutable once written.
type CertificationRecord struct {
	PlanID    string    `json:"plan_id"`
	RootHash  string    `json:"root_hash"`
	Signers   []string  `json:"signers,omitempty"`
	Certified bool      `json:"certified"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventPriority orders events for the outbound relay's drop policy.
type EventPriority int

const (
	// P0 covers certification and security transitions. Never dropped.
	P0 EventPriority = 0
	// P1 covers shard lifecycle and healing decisions.
	P1 EventPriority = 1
	// P2 covers telemetry.
	P2 EventPriority = 2
	// P3 covers status and diagnostics. First to go under backpressure.
	P3 EventPriority = 3
)

// String returns the priority name.
func (p EventPriority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	case P3:
		return "P3"
	default:
		return fmt.Sprintf("P?(%d)", int(p))
	}
}

// Event is an immutable record of a lifecycle transition.
type Event struct {
	Type      string        `json:"type"`
	PlanID    string        `json:"plan_id"`
	ShardID   string        `json:"shard_id,omitempty"`
	Priority  EventPriority `json:"priority"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   string        `json:"payload,omitempty"`
}

// Report is the operator-facing summary returned by the report operation.
type Report struct {
	PlanID        string               `json:"plan_id"`
	Status        Status               `json:"status"`
	Reason        string               `json:"reason,omitempty"`
	Counts        Counts               `json:"counts"`
	Attempts      map[int]int          `json:"attempts,omitempty"` // shard index -> attempts
	Certification *CertificationRecord `json:"certification,omitempty"`
}
