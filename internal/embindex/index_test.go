package embindex_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Voskan/embedshard/internal/embindex"
)

func TestUseHashIndexDecision(t *testing.T) {
	require.True(t, embindex.UseHashIndex(0), "vocabulary 0 means unbounded, must hash")
	require.True(t, embindex.UseHashIndex(1<<63))
	require.False(t, embindex.UseHashIndex(1000))
}

func testIndex(t *testing.T, idx embindex.Index[string]) {
	t.Helper()
	_, ok := idx.Get(1)
	require.False(t, ok)

	idx.Set(1, "a")
	idx.Set(2, "b")
	require.Equal(t, 2, idx.Len())
	v, ok := idx.Get(1)
	require.True(t, ok)
	require.Equal(t, "a", v)

	idx.Delete(1)
	require.Equal(t, 1, idx.Len())
	_, ok = idx.Get(1)
	require.False(t, ok)

	r := idx.NewReader()
	count := 0
	for {
		k, v, ok := r.ReadItem()
		if !ok {
			break
		}
		require.Equal(t, uint64(2), k)
		require.Equal(t, "b", v)
		count++
	}
	require.Equal(t, 1, count)
}

func TestArrayIndex(t *testing.T) {
	testIndex(t, embindex.NewArrayIndex[string](16))
}

func TestHashIndex(t *testing.T) {
	testIndex(t, embindex.NewHashIndex[string]())
}

func TestArrayIndexIgnoresOutOfRangeKeys(t *testing.T) {
	idx := embindex.NewArrayIndex[int](4)
	idx.Set(100, 7) // beyond capacity, silently dropped
	_, ok := idx.Get(100)
	require.False(t, ok)
	require.Equal(t, 0, idx.Len())
}

func TestKeyReaderLen(t *testing.T) {
	idx := embindex.NewHashIndex[int]()
	idx.Set(1, 1)
	idx.Set(2, 2)
	idx.Set(3, 3)
	require.Equal(t, 3, idx.NewReader().Len())
}
