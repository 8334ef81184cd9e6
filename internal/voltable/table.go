// Package voltable implements the volatile (DRAM-only, non-checkpointed)
// embedding table used for the "new weights" side table in
// internal/variable and for variables configured without persistence.
// Ports EmbeddingHashTable<Key,T>/EmbeddingArrayTable<Key,T> from
// EmbeddingTable.h.
//
// © 2025 embedshard authors. MIT License.
package voltable

import (
	"github.com/Voskan/embedshard/internal/embindex"
	"github.com/Voskan/embedshard/internal/itempool"
	"github.com/Voskan/embedshard/internal/numeric"
)

// Table is a plain (non-LRU, non-checkpointed) key -> row mapping.
type Table[T numeric.Float] struct {
	index    embindex.Index[uint32]
	pool     *itempool.DRAMPool[T]
	lineSize int
}

// New constructs a Table. vocabularySize selects array vs hash index per
// embindex.UseHashIndex; budget bounds the DRAM pool backing the rows.
func New[T numeric.Float](vocabularySize uint64, lineSize int, budget *itempool.Budget) *Table[T] {
	var idx embindex.Index[uint32]
	if embindex.UseHashIndex(vocabularySize) {
		idx = embindex.NewHashIndex[uint32]()
	} else {
		idx = embindex.NewArrayIndex[uint32](vocabularySize)
	}
	return &Table[T]{
		index:    idx,
		pool:     itempool.NewDRAMPool[T](lineSize, budget),
		lineSize: lineSize,
	}
}

// GetValue returns the row for key, or nil if absent.
func (t *Table[T]) GetValue(key uint64) []T {
	id, ok := t.index.Get(key)
	if !ok {
		return nil
	}
	return t.pool.Row(id)
}

// UpdateValue is an alias of GetValue used at call sites that mirror the
// reference server's update_value (read without creating).
func (t *Table[T]) UpdateValue(key uint64) []T { return t.GetValue(key) }

// SetValue returns the row for key, creating it if absent. An existing row
// is returned unchanged, not reset.
func (t *Table[T]) SetValue(key uint64) []T {
	if row := t.GetValue(key); row != nil {
		return row
	}
	id, row, ok := t.pool.TryNewItem()
	if !ok {
		// Budget pressure stopped expansion; a fresh write must still
		// succeed, so force one more slab rather than reject the
		// caller (a value row is a few dozen bytes, not worth failing
		// a push/pull over).
		t.pool.ForceGrow()
		id, row, _ = t.pool.TryNewItem()
	}
	t.index.Set(key, id)
	return row
}

// Clear drops every row, releasing pool capacity back to the budget.
func (t *Table[T]) Clear() {
	reader := t.index.NewReader()
	for {
		key, id, ok := reader.ReadItem()
		if !ok {
			break
		}
		t.pool.FreeItem(id)
		t.index.Delete(key)
	}
	t.pool.Rebalance()
}

// NewReader exposes a snapshot reader over the table's current keys, used
// by the optimizer-variable's UpdateWeights drain.
func (t *Table[T]) NewReader() *Reader[T] {
	return &Reader[T]{table: t, inner: t.index.NewReader()}
}

// Len reports live row count.
func (t *Table[T]) Len() int { return t.index.Len() }

// Reader sequentially drains a Table snapshot as (key, row) pairs.
type Reader[T numeric.Float] struct {
	table *Table[T]
	inner *embindex.KeyReader[uint32]
}

// ReadItem returns the next (key, row) pair, or false when exhausted.
func (r *Reader[T]) ReadItem() (uint64, []T, bool) {
	key, id, ok := r.inner.ReadItem()
	if !ok {
		return 0, nil, false
	}
	return key, r.table.pool.Row(id), true
}
