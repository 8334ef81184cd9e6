package itempool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/itempool"
)

func TestDRAMPoolTryNewItemGrowsUnderBudget(t *testing.T) {
	budget := itempool.NewBudget(0)
	pool := itempool.NewDRAMPool[float32](4, budget)

	id, row, ok := pool.TryNewItem()
	require.True(t, ok)
	require.Len(t, row, 4)
	for _, v := range row {
		require.Equal(t, float32(0), v)
	}

	row[0] = 9
	require.Equal(t, float32(9), pool.Row(id)[0])
}

func TestDRAMPoolStopsExpandingWhenBudgetExhausted(t *testing.T) {
	// lineSize=4, float32 -> 16 bytes/row; prefetchBatch=64 rows/slab ->
	// 1024 bytes/slab. A budget smaller than one slab should fail to grow.
	budget := itempool.NewBudget(100)
	pool := itempool.NewDRAMPool[float32](4, budget)

	_, _, ok := pool.TryNewItem()
	require.False(t, ok, "a 100-byte budget cannot afford one 1024-byte slab")
}

func TestDRAMPoolForceGrowBypassesBudget(t *testing.T) {
	budget := itempool.NewBudget(1)
	pool := itempool.NewDRAMPool[float64](2, budget)

	_, _, ok := pool.TryNewItem()
	require.False(t, ok)

	pool.ForceGrow()
	_, row, ok := pool.TryNewItem()
	require.True(t, ok)
	require.Len(t, row, 2)
}

func TestDRAMPoolFreeItemZeroesRow(t *testing.T) {
	budget := itempool.NewBudget(0)
	pool := itempool.NewDRAMPool[float32](2, budget)
	id, row, _ := pool.TryNewItem()
	row[0], row[1] = 1, 2

	pool.FreeItem(id)
	require.Equal(t, []float32{0, 0}, pool.Row(id))
}

func TestDRAMPoolRebalanceReclaimsFullTrailingSlab(t *testing.T) {
	budget := itempool.NewBudget(0)
	pool := itempool.NewDRAMPool[float32](1, budget)

	var ids []uint32
	for i := 0; i < 64; i++ { // exactly one slab (prefetchBatch=64)
		id, _, ok := pool.TryNewItem()
		require.True(t, ok)
		ids = append(ids, id)
	}
	before := budget.InUse()
	require.Greater(t, before, int64(0))

	for _, id := range ids {
		pool.FreeItem(id)
	}
	pool.Rebalance()
	require.Less(t, budget.InUse(), before, "a fully-freed trailing slab should be released back to the budget")
}
