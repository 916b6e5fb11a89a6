package certify

import (
	"context"
	"errors"
	"testing"
	"time"

	"orchard/internal/plan"
)

func resultShard(index int, result string) *plan.Shard {
	return &plan.Shard{
		PlanID:     "demo-11112222",
		Index:      index,
		Phase:      plan.PhaseComplete,
		Result:     result,
		ResultHash: HashResult(result),
	}
}

func TestRootHashDeterministicAcrossOrder(t *testing.T) {
	a := []*plan.Shard{resultShard(0, "x"), resultShard(1, "y"), resultShard(2, "z")}
	b := []*plan.Shard{resultShard(2, "z"), resultShard(0, "x"), resultShard(1, "y")}

	if RootHash(a) != RootHash(b) {
		t.Error("root differs across completion order")
	}
}

func TestRootHashSensitiveToResults(t *testing.T) {
	a := []*plan.Shard{resultShard(0, "x"), resultShard(1, "y")}
	b := []*plan.Shard{resultShard(0, "x"), resultShard(1, "tampered")}

	if RootHash(a) == RootHash(b) {
		t.Error("root unchanged after result tampering")
	}
}

func TestRootHashOddLeafPromotion(t *testing.T) {
	three := []*plan.Shard{resultShard(0, "a"), resultShard(1, "b"), resultShard(2, "c")}
	four := append(three, resultShard(3, "d"))

	if RootHash(three) == RootHash(four) {
		t.Error("odd and even leaf counts produced the same root")
	}
	if RootHash(three) == "" {
		t.Error("empty root for odd leaf count")
	}
}

func TestRootHashEmptySentinel(t *testing.T) {
	if RootHash(nil) != RootHash([]*plan.Shard{}) {
		t.Error("empty sentinel not stable")
	}
	if RootHash(nil) == RootHash([]*plan.Shard{resultShard(0, "")}) {
		t.Error("empty sentinel collides with a real shard set")
	}
}

// stubAuthority approves or rejects according to its verdict.
type stubAuthority struct {
	id      string
	approve bool
	err     error
	delay   time.Duration
}

func (a *stubAuthority) ID() string { return a.id }

func (a *stubAuthority) Sign(ctx context.Context, planID, rootHash string) (bool, error) {
	if a.delay > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(a.delay):
		}
	}
	if a.err != nil {
		return false, a.err
	}
	return a.approve, nil
}

func TestCertifyMajorityQuorum(t *testing.T) {
	p := NewPipeline([]Authority{
		&stubAuthority{id: "a1", approve: true},
		&stubAuthority{id: "a2", approve: true},
		&stubAuthority{id: "a3", approve: false},
	}, QuorumMajority, time.Second)

	rec, err := p.Certify(context.Background(), "demo-11112222", []*plan.Shard{resultShard(0, "x")})
	if err != nil {
		t.Fatalf("Certify: %v", err)
	}
	if !rec.Certified {
		t.Errorf("2/3 approvals not certified under majority: %s", rec.Reason)
	}
	if len(rec.Signers) != 2 {
		t.Errorf("signers = %v, want 2", rec.Signers)
	}
}

func TestCertifyMajorityFailsBelowQuorum(t *testing.T) {
	p := NewPipeline([]Authority{
		&stubAuthority{id: "a1", approve: true},
		&stubAuthority{id: "a2", approve: false},
		&stubAuthority{id: "a3", approve: false},
	}, QuorumMajority, time.Second)

	rec, err := p.Certify(context.Background(), "demo-11112222", []*plan.Shard{resultShard(0, "x")})
	if err != nil {
		t.Fatalf("Certify: %v", err)
	}
	if rec.Certified {
		t.Error("1/3 approvals certified under majority")
	}
	if rec.Reason == "" {
		t.Error("failed certification carries no reason")
	}
	if rec.RootHash == "" {
		t.Error("failed certification lost the root hash")
	}
}

func TestCertifyUnanimousRequiresAll(t *testing.T) {
	auths := []Authority{
		&stubAuthority{id: "a1", approve: true},
		&stubAuthority{id: "a2", approve: true},
		&stubAuthority{id: "a3", approve: false},
	}
	p := NewPipeline(auths, QuorumUnanimous, time.Second)

	rec, err := p.Certify(context.Background(), "demo-11112222", []*plan.Shard{resultShard(0, "x")})
	if err != nil {
		t.Fatalf("Certify: %v", err)
	}
	if rec.Certified {
		t.Error("2/3 approvals certified under unanimous")
	}
}

func TestCertifyAuthorityErrorCountsAsRejection(t *testing.T) {
	p := NewPipeline([]Authority{
		&stubAuthority{id: "a1", approve: true},
		&stubAuthority{id: "a2", err: errors.New("unreachable")},
	}, QuorumUnanimous, time.Second)

	rec, err := p.Certify(context.Background(), "demo-11112222", []*plan.Shard{resultShard(0, "x")})
	if err != nil {
		t.Fatalf("Certify: %v", err)
	}
	if rec.Certified {
		t.Error("certified despite a failed authority under unanimous")
	}
}

func TestCertifyFederationTimeout(t *testing.T) {
	p := NewPipeline([]Authority{
		&stubAuthority{id: "fast", approve: true},
		&stubAuthority{id: "slow", approve: true, delay: time.Minute},
		&stubAuthority{id: "slow2", approve: true, delay: time.Minute},
	}, QuorumMajority, 50*time.Millisecond)

	rec, err := p.Certify(context.Background(), "demo-11112222", []*plan.Shard{resultShard(0, "x")})
	if err != nil {
		t.Fatalf("Certify: %v", err)
	}
	if rec.Certified {
		t.Error("certified despite quorum of timed-out authorities")
	}
	if len(rec.Signers) != 1 {
		t.Errorf("signers = %v, want only the fast authority", rec.Signers)
	}
}

func TestCertifyNoAuthorities(t *testing.T) {
	p := NewPipeline(nil, QuorumMajority, time.Second)
	if _, err := p.Certify(context.Background(), "demo-11112222", nil); !errors.Is(err, ErrNoAuthorities) {
		t.Errorf("err = %v, want ErrNoAuthorities", err)
	}
}

func TestLocalAuthoritySigns(t *testing.T) {
	a := &LocalAuthority{}
	ok, err := a.Sign(context.Background(), "p", "abc")
	if err != nil || !ok {
		t.Errorf("Sign = (%v, %v), want (true, nil)", ok, err)
	}
}
