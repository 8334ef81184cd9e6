package pserver_test

import (
	"path/filepath"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/variable"
	"github.com/Voskan/embedshard/pkg/config"
	"github.com/Voskan/embedshard/pkg/pserver"
)

func mustSnappyEncode(t *testing.T, buf []byte) []byte {
	t.Helper()
	return snappy.Encode(nil, buf)
}

const testVariableConfig = `
table: dram
optimizer: sgd
initializer: constant
optimizer_params:
  learning_rate: 0.1
embedding_dim: 2
vocabulary_size: 1000
`

func newTestStorage(t *testing.T, shards int32) *pserver.Storage {
	t.Helper()
	cfg, err := config.Build(
		config.WithShardNum(shards),
		config.WithDataDir(t.TempDir()),
	)
	require.NoError(t, err)
	s := pserver.Open(cfg)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitCreatesVariableOnEveryShard(t *testing.T) {
	s := newTestStorage(t, 3)
	require.NoError(t, s.Init(1, testVariableConfig))

	for shard := int32(0); shard < 3; shard++ {
		_, err := s.ReadOnlyPull(shard, pserver.PullRequest{
			VariableID: 1,
			Keys:       []uint64{1},
			ClientMeta: variable.Meta{EmbeddingDim: 2, VocabularySize: 1000},
		})
		require.NoError(t, err, "shard %d should have variable 1", shard)
	}
}

func TestInitRejectsDuplicateVariableID(t *testing.T) {
	s := newTestStorage(t, 1)
	require.NoError(t, s.Init(1, testVariableConfig))
	require.Error(t, s.Init(1, testVariableConfig))
}

func TestReadOnlyPullDoesNotMaterializeUnseenKeys(t *testing.T) {
	s := newTestStorage(t, 1)
	require.NoError(t, s.Init(1, testVariableConfig))

	resp, err := s.ReadOnlyPull(0, pserver.PullRequest{
		VariableID: 1,
		Keys:       []uint64{9},
		ClientMeta: variable.Meta{EmbeddingDim: 2, VocabularySize: 1000},
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0}, resp.Weights)
}

func TestPullRejectsMismatchedClientMeta(t *testing.T) {
	s := newTestStorage(t, 1)
	require.NoError(t, s.Init(1, testVariableConfig))

	_, err := s.Pull(0, pserver.PullRequest{
		VariableID: 1,
		Keys:       []uint64{1},
		ClientMeta: variable.Meta{EmbeddingDim: 999, VocabularySize: 1000},
	})
	require.Error(t, err)
}

func TestPushThenStoreAppliesGradient(t *testing.T) {
	s := newTestStorage(t, 1)
	require.NoError(t, s.Init(1, testVariableConfig))

	meta := variable.Meta{EmbeddingDim: 2, VocabularySize: 1000}
	_, err := s.Pull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{1}, BatchID: 0, ClientMeta: meta})
	require.NoError(t, err)

	require.NoError(t, s.Push(0, pserver.PushRequest{
		VariableID: 1,
		Keys:       []uint64{1},
		Gradients:  []float64{1, 1},
		Counts:     []uint64{1},
	}))
	require.NoError(t, s.Store(0, nil))

	resp, err := s.ReadOnlyPull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{1}, ClientMeta: meta})
	require.NoError(t, err)
	require.InDelta(t, -0.1, resp.Weights[0], 1e-6)
}

func TestPushSumsRepeatedKeyBeforeReducing(t *testing.T) {
	s := newTestStorage(t, 1)
	require.NoError(t, s.Init(1, testVariableConfig))

	meta := variable.Meta{EmbeddingDim: 2, VocabularySize: 1000}
	_, err := s.Pull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{7}, ClientMeta: meta})
	require.NoError(t, err)

	require.NoError(t, s.Push(0, pserver.PushRequest{
		VariableID: 1,
		Keys:       []uint64{7, 7, 7},
		Gradients:  []float64{1, 1, 1, 1, 1, 1},
		Counts:     []uint64{1, 1, 1},
	}))
	require.NoError(t, s.Store(0, nil))

	// lr=0.1, no momentum: summed grad=3 over summed count=3 nets a single
	// -0.1 step, not three independent -0.1 steps folded one key at a time.
	resp, err := s.ReadOnlyPull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{7}, ClientMeta: meta})
	require.NoError(t, err)
	require.InDelta(t, -0.1, resp.Weights[0], 1e-6)
}

func TestPushDecodesSnappyPayloadBeforeHolding(t *testing.T) {
	s := newTestStorage(t, 1)
	cfgWithCompress := testVariableConfig + "message_compress: snappy\n"
	require.NoError(t, s.Init(1, cfgWithCompress))

	// A snappy-encoded payload exercises the decode path without asserting on
	// Shard.Hold's internal retention, which is not part of the public API.
	require.NoError(t, s.Push(0, pserver.PushRequest{
		VariableID: 1,
		Keys:       []uint64{1},
		Gradients:  []float64{0, 0},
		Counts:     []uint64{1},
		Payload:    mustSnappyEncode(t, []byte("wire-frame")),
	}))
}

func TestDumpThenLoadRoundTripsWeights(t *testing.T) {
	s := newTestStorage(t, 2)
	require.NoError(t, s.Init(1, testVariableConfig))

	meta := variable.Meta{EmbeddingDim: 2, VocabularySize: 1000}
	_, err := s.Pull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{5}, ClientMeta: meta})
	require.NoError(t, err)
	require.NoError(t, s.Push(0, pserver.PushRequest{VariableID: 1, Keys: []uint64{5}, Gradients: []float64{2, 2}, Counts: []uint64{1}}))
	require.NoError(t, s.Store(0, nil))

	dir := filepath.Join(t.TempDir(), "ckpt")
	require.NoError(t, s.Dump(dir))

	restored := newTestStorage(t, 2)
	require.NoError(t, restored.Init(1, testVariableConfig))
	require.NoError(t, restored.Load(dir))

	resp, err := restored.ReadOnlyPull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{5}, ClientMeta: meta})
	require.NoError(t, err)
	require.InDelta(t, -0.2, resp.Weights[0], 1e-6)
}

func TestRestoreScopedToOneVariable(t *testing.T) {
	s := newTestStorage(t, 1)
	require.NoError(t, s.Init(1, testVariableConfig))

	meta := variable.Meta{EmbeddingDim: 2, VocabularySize: 1000}
	_, err := s.Pull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{2}, ClientMeta: meta})
	require.NoError(t, err)
	require.NoError(t, s.Push(0, pserver.PushRequest{VariableID: 1, Keys: []uint64{2}, Gradients: []float64{5, 5}, Counts: []uint64{1}}))
	require.NoError(t, s.Store(0, nil))

	dir := t.TempDir()
	require.NoError(t, s.Dump(dir))

	restored := newTestStorage(t, 1)
	require.NoError(t, restored.Init(1, testVariableConfig))
	require.NoError(t, restored.Restore(0, 1, dir))

	resp, err := restored.ReadOnlyPull(0, pserver.PullRequest{VariableID: 1, Keys: []uint64{2}, ClientMeta: meta})
	require.NoError(t, err)
	require.InDelta(t, -0.5, resp.Weights[0], 1e-6)
}

func TestPullUnknownShardIsInvalidID(t *testing.T) {
	s := newTestStorage(t, 1)
	_, err := s.ReadOnlyPull(5, pserver.PullRequest{VariableID: 1, Keys: []uint64{1}})
	require.Error(t, err)
}

func TestPullUnknownVariableIsInvalidID(t *testing.T) {
	s := newTestStorage(t, 1)
	_, err := s.ReadOnlyPull(0, pserver.PullRequest{VariableID: 99, Keys: []uint64{1}})
	require.Error(t, err)
}
