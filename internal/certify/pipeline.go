package certify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orchard/internal/logging"
	"orchard/internal/plan"
)

// QuorumRule selects how many authority approvals certify a root.
type QuorumRule string

const (
	// QuorumMajority requires strictly more than half the federation.
	QuorumMajority QuorumRule = "majority"
	// QuorumUnanimous requires every authority.
	QuorumUnanimous QuorumRule = "unanimous"
)

// ErrNoAuthorities is returned when the federation is empty.
var ErrNoAuthorities = errors.New("certify: no authorities configured")

// Authority is one member of the certification federation. Sign reports
// whether the authority approves the root for the plan.
type Authority interface {
	ID() string
	Sign(ctx context.Context, planID, rootHash string) (bool, error)
}

// Pipeline runs certification rounds against a fixed federation.
type Pipeline struct {
	authorities []Authority
	rule        QuorumRule
	timeout     time.Duration
}

// NewPipeline builds a pipeline. timeout bounds the whole federation
// round; authorities that miss it count as rejections.
func NewPipeline(authorities []Authority, rule QuorumRule, timeout time.Duration) *Pipeline {
	if rule == "" {
		rule = QuorumMajority
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Pipeline{authorities: authorities, rule: rule, timeout: timeout}
}

// Certify computes the Merkle root for the shard set and gathers
// signatures. The returned record is immutable: callers persist it
// as-is whether or not quorum was reached.
func (p *Pipeline) Certify(ctx context.Context, planID string, shards []*plan.Shard) (*plan.CertificationRecord, error) {
	if len(p.authorities) == 0 {
		return nil, ErrNoAuthorities
	}

	root := RootHash(shards)
	logging.Certify("Plan %s: certifying root %s with %d authorities (%s)",
		planID, root[:12], len(p.authorities), p.rule)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		signers []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range p.authorities {
		a := a
		g.Go(func() error {
			ok, err := a.Sign(gctx, planID, root)
			if err != nil {
				// A failed authority is a rejection, not a round
				// failure. The quorum rule decides the outcome.
				logging.Get(logging.CategoryCertify).Warn("Authority %s failed for plan %s: %v", a.ID(), planID, err)
				return nil
			}
			if ok {
				mu.Lock()
				signers = append(signers, a.ID())
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rec := &plan.CertificationRecord{
		PlanID:    planID,
		RootHash:  root,
		Signers:   signers,
		CreatedAt: time.Now().UTC(),
	}

	need := p.required()
	if len(signers) >= need {
		rec.Certified = true
		logging.Certify("Plan %s: certified with %d/%d signatures", planID, len(signers), len(p.authorities))
	} else {
		rec.Certified = false
		rec.Reason = fmt.Sprintf("quorum not reached: %d/%d signatures, need %d (%s)",
			len(signers), len(p.authorities), need, p.rule)
		logging.Get(logging.CategoryCertify).Warn("Plan %s: %s", planID, rec.Reason)
	}
	return rec, nil
}

// required returns the number of signatures the rule demands.
func (p *Pipeline) required() int {
	if p.rule == QuorumUnanimous {
		return len(p.authorities)
	}
	return len(p.authorities)/2 + 1
}

// LocalAuthority approves any root whose recomputation matches, which
// is always true for the node that computed it. It is the default
// single-node federation member.
type LocalAuthority struct {
	Name string
}

func (a *LocalAuthority) ID() string {
	if a.Name == "" {
		return "local"
	}
	return a.Name
}

func (a *LocalAuthority) Sign(ctx context.Context, planID, rootHash string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return rootHash != "", nil
}
