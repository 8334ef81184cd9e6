package pserver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/pkg/pserver"
)

func TestShapePullRequestPartitionsByShard(t *testing.T) {
	keys := []uint64{0, 1, 2, 3, 4, 5}
	shards := pserver.ShapePullRequest(keys, 3)
	require.Len(t, shards, 3)
	for _, sk := range shards {
		for _, k := range sk.Keys {
			require.Equal(t, sk.ShardID, int32(k%3))
		}
	}
}

func TestShapePullRequestDeduplicatesRepeatedKeys(t *testing.T) {
	keys := []uint64{7, 7, 7}
	shards := pserver.ShapePullRequest(keys, 4)
	require.Len(t, shards, 1)
	require.Equal(t, []uint64{7}, shards[0].Keys)
	require.Equal(t, [][]int{{0, 1, 2}}, shards[0].Offsets)
}

func TestGatherPullResponseScattersToOriginalOffsets(t *testing.T) {
	keys := []uint64{1, 1, 2}
	shards := pserver.ShapePullRequest(keys, 1) // single shard, all keys land together
	require.Len(t, shards, 1)

	resp := &pserver.PullResponse{Weights: []float64{10, 20, 30, 40}} // key1 -> [10,20], key2 -> [30,40]
	out := make([]float64, len(keys)*2)
	pserver.GatherPullResponse(out, 2, shards[0], resp)

	require.Equal(t, []float64{10, 20, 10, 20, 30, 40}, out)
}

func TestRoundRobinPickerCyclesReplicas(t *testing.T) {
	p := pserver.NewRoundRobinPicker()
	replicas := []string{"a", "b", "c"}

	seen := make([]string, 4)
	for i := range seen {
		r, err := p.Pick(0, replicas)
		require.NoError(t, err)
		seen[i] = r
	}
	require.Equal(t, []string{"a", "b", "c", "a"}, seen)
}

func TestRoundRobinPickerNoReplicasErrors(t *testing.T) {
	p := pserver.NewRoundRobinPicker()
	_, err := p.Pick(0, nil)
	require.Error(t, err)
}

func TestRoundRobinPickerTracksEachShardIndependently(t *testing.T) {
	p := pserver.NewRoundRobinPicker()
	replicas := []string{"a", "b"}
	r0, _ := p.Pick(0, replicas)
	r1, _ := p.Pick(1, replicas)
	require.Equal(t, "a", r0)
	require.Equal(t, "a", r1, "a fresh shard id must start its own rotation from the beginning")
}
