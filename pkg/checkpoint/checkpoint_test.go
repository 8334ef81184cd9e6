package checkpoint_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/pkg/checkpoint"
)

type sliceSource struct {
	keys []uint64
	rows [][]float64
	pos  int
}

func (s *sliceSource) ReadItem() (uint64, []float64, bool) {
	if s.pos >= len(s.keys) {
		return 0, nil, false
	}
	k, r := s.keys[s.pos], s.rows[s.pos]
	s.pos++
	return k, r, true
}

func TestWriteThenReadShardRoundTrip(t *testing.T) {
	meta := checkpoint.ShardMeta{
		VariableID:   7,
		EmbeddingDim: 2,
		StateDim:     1,
		ShardID:      0,
		ShardNum:     1,
		Config:       "table: dram\n",
	}
	src := &sliceSource{
		keys: []uint64{1, 2, 3},
		rows: [][]float64{{1, 1, 1}, {2, 2, 2}, {3, 3, 3}},
	}

	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteShard(&buf, meta, src))

	var got []uint64
	readMeta, err := checkpoint.ReadShard(&buf, func(key uint64, row []float64) error {
		got = append(got, key)
		require.Len(t, row, 3)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint32(7), readMeta.VariableID)
	require.Equal(t, []uint64{1, 2, 3}, got)
}

func TestReadMetaThenReadBlocksAllowsRoutingBeforeRows(t *testing.T) {
	meta := checkpoint.ShardMeta{VariableID: 9, EmbeddingDim: 1, StateDim: 0}
	src := &sliceSource{keys: []uint64{10}, rows: [][]float64{{5}}}

	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteShard(&buf, meta, src))

	peeked, err := checkpoint.ReadMeta(&buf)
	require.NoError(t, err)
	require.Equal(t, uint32(9), peeked.VariableID)

	var rows int
	err = checkpoint.ReadBlocks[float64](&buf, peeked, func(key uint64, row []float64) error {
		rows++
		require.Equal(t, uint64(10), key)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, rows)
}

func TestWriteShardRejectsMismatchedRowWidth(t *testing.T) {
	meta := checkpoint.ShardMeta{EmbeddingDim: 4, StateDim: 0}
	src := &sliceSource{keys: []uint64{1}, rows: [][]float64{{1, 2}}} // width 2 != 4
	var buf bytes.Buffer
	require.Error(t, checkpoint.WriteShard(&buf, meta, src))
}

func TestShardFileNameMatchesNodeShardLayout(t *testing.T) {
	require.Equal(t, "model_0_3", checkpoint.ShardFileName(0, 3))
	require.Equal(t, "model_5_0", checkpoint.ShardFileName(5, 0))
}

func TestModelMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, checkpoint.WriteModelMeta(dir, []string{"model_0_0", "model_0_1"}))

	m, err := checkpoint.ReadModelMeta(dir)
	require.NoError(t, err)
	require.Equal(t, checkpoint.FormatVersion, m.Version)
	require.Equal(t, []string{"model_0_0", "model_0_1"}, m.Files)
}

func TestWriteShardEmptySourceStillProducesValidFile(t *testing.T) {
	meta := checkpoint.ShardMeta{EmbeddingDim: 2, StateDim: 0}
	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteShard(&buf, meta, &sliceSource{}))

	var rows int
	_, err := checkpoint.ReadShard(&buf, func(uint64, []float64) error { rows++; return nil })
	require.NoError(t, err)
	require.Equal(t, 0, rows)
}
