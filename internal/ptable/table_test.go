package ptable_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/itempool"
	"github.com/Voskan/embedshard/internal/ptable"
)

func newTable(t *testing.T) *ptable.Table[float32] {
	t.Helper()
	tbl, err := ptable.Open[float32](t.TempDir(), 3, itempool.NewBudget(0), itempool.NewBudget(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func TestTableSetValueStagesInDRAMUntilFlushed(t *testing.T) {
	tbl := newTable(t)
	row := tbl.SetValue(1)
	row[0] = 7
	require.True(t, tbl.ShouldCommitCheckpoint())
	require.Equal(t, 1, tbl.NumCacheItems())
	require.Equal(t, 0, tbl.NumPersistItems())
}

func TestCheckpointCycleMovesRowsToPersistentPool(t *testing.T) {
	tbl := newTable(t)
	tbl.SetValue(1)[0] = 1
	tbl.SetValue(2)[0] = 2

	tbl.StartCommitCheckpoint()
	flushed, err := tbl.FlushCommittingCheckpoint()
	require.NoError(t, err)
	require.Equal(t, 2, flushed)

	require.Equal(t, 0, tbl.NumCacheItems())
	require.Equal(t, 2, tbl.NumPersistItems())
	require.False(t, tbl.ShouldCommitCheckpoint())
	require.Equal(t, float32(1), tbl.GetValue(1)[0])
}

func TestClearDropsBothTiers(t *testing.T) {
	tbl := newTable(t)
	tbl.SetValue(1)[0] = 1
	tbl.StartCommitCheckpoint()
	_, err := tbl.FlushCommittingCheckpoint()
	require.NoError(t, err)
	tbl.SetValue(2)[0] = 2 // stays DRAM-resident

	tbl.Clear()
	require.Nil(t, tbl.GetValue(1))
	require.Nil(t, tbl.GetValue(2))
	require.Equal(t, 0, tbl.NumItems())
}

func TestSetValueEvictsLRUOldestBeforeForceGrowingPastBudget(t *testing.T) {
	// One DRAM slab is 64 rows of lineSize 3 float32s; budget it for
	// exactly one slab so the 65th distinct key must either evict or
	// force-grow past budget.
	const lineSize = 3
	const slabBytes = 64 * lineSize * 4
	tbl, err := ptable.Open[float32](t.TempDir(), lineSize, itempool.NewBudget(slabBytes), itempool.NewBudget(0))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tbl.Close() })

	for key := uint64(0); key < 64; key++ {
		tbl.SetValue(key)[0] = float32(key)
	}
	require.Equal(t, 64, tbl.NumCacheItems())

	// Advance past the batch these 64 rows were written in so the oldest
	// one (key 0) is safe to evict instead of force-allocated around.
	tbl.NextWork()

	tbl.SetValue(64)[0] = 99

	require.Equal(t, 64, tbl.NumCacheItems(), "the LRU-oldest row should have been evicted, not force-grown around")
	require.Equal(t, 1, tbl.NumPersistItems())
	require.Equal(t, float32(0), tbl.GetValue(0)[0], "evicted row must still be readable from the persistent tier")
	require.Equal(t, float32(99), tbl.GetValue(64)[0])
}

func TestReaderVisitsCachedAndPersistedRowsExactlyOnce(t *testing.T) {
	tbl := newTable(t)
	tbl.SetValue(1)[0] = 1
	tbl.StartCommitCheckpoint()
	_, err := tbl.FlushCommittingCheckpoint()
	require.NoError(t, err)
	tbl.SetValue(2)[0] = 2 // cache-resident, never flushed

	seen := map[uint64]float32{}
	r := tbl.NewReader()
	for {
		k, row, ok := r.ReadItem()
		if !ok {
			break
		}
		seen[k] = row[0]
	}
	require.Equal(t, map[uint64]float32{1: 1, 2: 2}, seen)
}
