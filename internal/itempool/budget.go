// Package itempool implements the DRAM-budgeted cache pool and the
// badger-backed persistent pool that together back the persistent
// embedding table (internal/ptable). Grounded on
// original_source/openembedding/variable/PmemEmbeddingItemPool.h's
// CacheItemPool (DRAM side) and PmemItemPool (persistent side).
//
// © 2025 embedshard authors. MIT License.
package itempool

import "sync/atomic"

// Budget is an explicit, passed-around memory budget rather than a process
// singleton (Design Notes: "explicit context objects, not singletons").
// pkg/pserver creates separate budgets for every variable on every shard:
// one for the table's DRAM pool and one for its new-weights side table,
// each sized to the configured DRAM budget, plus an unbounded one handed
// to a persistent table's pool. No budget is shared across variables.
type Budget struct {
	max atomic.Int64
	use atomic.Int64
}

// NewBudget creates a Budget with the given byte ceiling. max <= 0 means
// unbounded.
func NewBudget(max int64) *Budget {
	b := &Budget{}
	b.max.Store(max)
	return b
}

// TryAcquire reserves n bytes against the budget, returning false (without
// reserving anything) if doing so would exceed the ceiling.
func (b *Budget) TryAcquire(n int64) bool {
	max := b.max.Load()
	if max <= 0 {
		b.use.Add(n)
		return true
	}
	for {
		cur := b.use.Load()
		if cur+n > max {
			return false
		}
		if b.use.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Release returns n bytes to the budget.
func (b *Budget) Release(n int64) {
	b.use.Add(-n)
}

// InUse reports bytes currently reserved.
func (b *Budget) InUse() int64 { return b.use.Load() }

// SetMax adjusts the ceiling at runtime (e.g. operator reconfiguration).
func (b *Budget) SetMax(max int64) { b.max.Store(max) }
