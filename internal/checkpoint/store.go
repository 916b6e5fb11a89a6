// Package checkpoint provides durable persistence for plans, shard
// checkpoints, and certification records. Checkpoints are versioned
// per plan and writes for a single plan are serialized so a crash can
// never interleave two partial snapshots.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"orchard/internal/plan"
)

var (
	// ErrNotFound indicates no record exists for the requested plan.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrCheckpointFatal indicates a write failed after exhausting
	// all retries. The scheduler halts the affected plan on this.
	ErrCheckpointFatal = errors.New("checkpoint: write failed after retries")
)

// Snapshot is one versioned checkpoint of a plan's full shard state.
type Snapshot struct {
	PlanID    string        `json:"plan_id"`
	Version   int           `json:"version"`
	Status    plan.Status   `json:"status"`
	Shards    []*plan.Shard `json:"shards"`
	CreatedAt time.Time     `json:"created_at"`
}

// Store is the persistence contract. Implementations must make
// WriteCheckpoint atomic: readers observe either the previous version
// or the new one, never a partial write.
type Store interface {
	// SavePlan inserts or replaces the plan definition.
	SavePlan(ctx context.Context, p *plan.Plan) error

	// LoadPlan returns the stored plan definition or ErrNotFound.
	LoadPlan(ctx context.Context, planID string) (*plan.Plan, error)

	// WriteCheckpoint durably records a new snapshot version for the
	// plan. Versions are assigned by the store, monotonically
	// increasing per plan. Returns ErrCheckpointFatal once the
	// configured retries are exhausted.
	WriteCheckpoint(ctx context.Context, planID string, status plan.Status, shards []*plan.Shard) (int, error)

	// ReadLatest returns the highest-version snapshot for the plan,
	// or ErrNotFound if none was ever written.
	ReadLatest(ctx context.Context, planID string) (*Snapshot, error)

	// RehydrateAll returns the latest snapshot of every plan that is
	// not in a terminal status, for crash recovery at boot.
	RehydrateAll(ctx context.Context) ([]*Snapshot, error)

	// SaveCertification records the certification outcome for a plan.
	SaveCertification(ctx context.Context, rec *plan.CertificationRecord) error

	// LoadCertification returns the certification record or ErrNotFound.
	LoadCertification(ctx context.Context, planID string) (*plan.CertificationRecord, error)

	// Purge deletes checkpoints older than the retention window,
	// keeping at least the latest version of each plan. Returns the
	// number of rows removed.
	Purge(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}
