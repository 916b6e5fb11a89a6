// Package certify proves that a plan's shard results are complete and
// unaltered. A Merkle root is computed over the full shard result set
// and submitted to a federation of authorities; the plan certifies only
// when the configured quorum approves the same root.
package certify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"orchard/internal/plan"
)

// emptyRoot is the sentinel for a plan with no shards. Hashing a fixed
// tag keeps the empty case distinguishable from any real result set.
var emptyRoot = func() string {
	h := sha256.Sum256([]byte("orchard:empty"))
	return hex.EncodeToString(h[:])
}()

// RootHash computes the Merkle root over the shard result set. Leaves
// are hashes of "shard_id:result_hash" pairs sorted by shard ID, so
// the root is deterministic regardless of completion order. Odd levels
// promote the last node unchanged.
func RootHash(shards []*plan.Shard) string {
	if len(shards) == 0 {
		return emptyRoot
	}

	sorted := make([]*plan.Shard, len(shards))
	copy(sorted, shards)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ShardID() < sorted[j].ShardID() })

	level := make([][]byte, 0, len(sorted))
	for _, s := range sorted {
		leaf := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", s.ShardID(), s.ResultHash)))
		level = append(level, leaf[:])
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			h := sha256.New()
			h.Write(level[i])
			h.Write(level[i+1])
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return hex.EncodeToString(level[0])
}

// HashResult computes the canonical hash of one shard's result payload.
func HashResult(result string) string {
	h := sha256.Sum256([]byte(result))
	return hex.EncodeToString(h[:])
}
