package pserver

import (
	"fmt"

	"github.com/Voskan/embedshard/internal/perrors"
)

// ReplicaPicker chooses which of a shard's live replica node addresses to
// route a request to; the default is round-robin, ported in shape from the
// reference server's pick_one_replica, simplified to an interface so tests
// can inject a deterministic picker.
type ReplicaPicker interface {
	Pick(shardID int32, replicas []string) (string, error)
}

// RoundRobinPicker cycles through replicas per shard independently.
type RoundRobinPicker struct {
	next map[int32]int
}

// NewRoundRobinPicker constructs a ready RoundRobinPicker.
func NewRoundRobinPicker() *RoundRobinPicker {
	return &RoundRobinPicker{next: make(map[int32]int)}
}

// Pick returns the next replica for shardID, wrapping around.
func (p *RoundRobinPicker) Pick(shardID int32, replicas []string) (string, error) {
	if len(replicas) == 0 {
		return "", errNoReplica(shardID)
	}
	i := p.next[shardID] % len(replicas)
	p.next[shardID] = i + 1
	return replicas[i], nil
}

// ShardedKeys is one shard's slice of a pull/push request: the
// original request indices that landed on ShardID, de-duplicated so a key
// repeated in the caller's request is only sent once per shard.
type ShardedKeys struct {
	ShardID int32
	Keys    []uint64
	// Offsets[i] is the index into the original request's Keys slice that
	// Keys[i] came from; when a key repeats, Offsets holds every original
	// index so the caller can scatter the response back out, but Keys
	// holds it only once.
	Offsets [][]int
}

// ShapePullRequest partitions keys by key % globalShardNum, deduplicating
// per shard via an offset map, exactly spec.md §4.I's client-shaping rule.
func ShapePullRequest(keys []uint64, globalShardNum int32) []ShardedKeys {
	return shapeKeys(keys, globalShardNum)
}

// ShapePushRequest shapes a push the same way ShapePullRequest does, since
// the partition rule (key % globalShardNum) is identical for both
// directions; gradients/counts must be scattered by the caller using the
// same Offsets this returns.
func ShapePushRequest(keys []uint64, globalShardNum int32) []ShardedKeys {
	return shapeKeys(keys, globalShardNum)
}

func shapeKeys(keys []uint64, globalShardNum int32) []ShardedKeys {
	if globalShardNum <= 0 {
		globalShardNum = 1
	}
	byShard := make(map[int32]*ShardedKeys, globalShardNum)
	order := make([]int32, 0, globalShardNum)
	seen := make(map[int32]map[uint64]int, globalShardNum)

	for i, k := range keys {
		shardID := int32(k % uint64(globalShardNum))
		sk, ok := byShard[shardID]
		if !ok {
			sk = &ShardedKeys{ShardID: shardID}
			byShard[shardID] = sk
			seen[shardID] = make(map[uint64]int)
			order = append(order, shardID)
		}
		if pos, dup := seen[shardID][k]; dup {
			sk.Offsets[pos] = append(sk.Offsets[pos], i)
			continue
		}
		seen[shardID][k] = len(sk.Keys)
		sk.Keys = append(sk.Keys, k)
		sk.Offsets = append(sk.Offsets, []int{i})
	}

	out := make([]ShardedKeys, 0, len(order))
	for _, id := range order {
		out = append(out, *byShard[id])
	}
	return out
}

// GatherPullResponse scatters a shard's PullResponse back into a
// caller-sized output buffer using the ShardedKeys.Offsets ShapePullRequest
// produced, the inverse of the shaping step.
func GatherPullResponse(out []float64, dim int, sk ShardedKeys, resp *PullResponse) {
	for i, offsets := range sk.Offsets {
		row := resp.Weights[i*dim : (i+1)*dim]
		for _, o := range offsets {
			copy(out[o*dim:(o+1)*dim], row)
		}
	}
}

func errNoReplica(shardID int32) error {
	return perrors.NoReplica(fmt.Sprintf("no live replica for shard %d", shardID))
}
