package reducer_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/reducer"
)

func TestPushRejectsOutOfRangeKey(t *testing.T) {
	r := reducer.New[float32](10)
	err := r.Push([]uint64{10}, 1, []float32{1}, []uint64{1})
	require.Error(t, err)
}

func TestReducePreservesPushOrder(t *testing.T) {
	r := reducer.New[float32](0)
	require.NoError(t, r.Push([]uint64{1}, 1, []float32{1}, []uint64{1}))
	require.NoError(t, r.Push([]uint64{2}, 1, []float32{2}, []uint64{1}))
	require.NoError(t, r.Push([]uint64{3}, 1, []float32{3}, []uint64{1}))

	block := r.Reduce(1)
	require.Equal(t, []uint64{1, 2, 3}, block.Keys)
	require.Equal(t, []float32{1, 2, 3}, block.Gradients)
}

func TestReduceSumsGradientsAndCountsForRepeatedKey(t *testing.T) {
	r := reducer.New[float64](0)
	require.NoError(t, r.Push([]uint64{7, 7, 7}, 1, []float64{1, 1, 1}, []uint64{1, 1, 1}))

	block := r.Reduce(1)
	require.Equal(t, []uint64{7}, block.Keys)
	require.Equal(t, []uint64{3}, block.Counts)
	require.Equal(t, []float64{3}, block.Gradients)
}

func TestReduceSumsAcrossSeparatePushes(t *testing.T) {
	r := reducer.New[float64](0)
	require.NoError(t, r.Push([]uint64{5}, 2, []float64{1, 2}, []uint64{1}))
	require.NoError(t, r.Push([]uint64{5}, 2, []float64{10, 20}, []uint64{2}))

	block := r.Reduce(2)
	require.Equal(t, []uint64{5}, block.Keys)
	require.Equal(t, []uint64{3}, block.Counts)
	require.Equal(t, []float64{11, 22}, block.Gradients)
}

func TestReduceDrainsExactlyOnce(t *testing.T) {
	r := reducer.New[float64](0)
	require.NoError(t, r.Push([]uint64{1}, 1, []float64{1}, []uint64{1}))

	first := r.Reduce(1)
	require.Len(t, first.Keys, 1)

	second := r.Reduce(1)
	require.Empty(t, second.Keys, "a second Reduce with no intervening Push must return nothing")
}

func TestClearDiscardsUnreducedBlocks(t *testing.T) {
	r := reducer.New[float64](0)
	require.NoError(t, r.Push([]uint64{1}, 1, []float64{1}, []uint64{1}))
	r.Clear()
	block := r.Reduce(1)
	require.Empty(t, block.Keys)
}

func TestPushIsSafeForConcurrentProducers(t *testing.T) {
	r := reducer.New[float32](0)
	var wg sync.WaitGroup
	const producers = 32
	wg.Add(producers)
	for i := 0; i < producers; i++ {
		i := i
		go func() {
			defer wg.Done()
			require.NoError(t, r.Push([]uint64{uint64(i)}, 1, []float32{1}, []uint64{1}))
		}()
	}
	wg.Wait()
	block := r.Reduce(1)
	require.Len(t, block.Keys, producers)
}
