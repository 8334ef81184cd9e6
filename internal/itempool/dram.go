package itempool

import (
	"github.com/Voskan/embedshard/internal/numeric"
)

// prefetchBatch mirrors PmemEmbeddingItemPool.h's CacheItemPool::PREFETCH:
// slabs are grown 64 rows at a time so that budget accounting and the
// Go allocator both amortize over many items instead of one.
const prefetchBatch = 64

// DRAMPool is a slab-backed free-list allocator for fixed-width rows of T.
// It stands in for the reference server's arena-of-slots allocation scheme
// (itself grounded in the teacher's internal/arena, which this pool
// replaces — see DESIGN.md for why the experimental arena package was
// dropped) combined with CacheItemPool's budget-aware expansion.
type DRAMPool[T numeric.Float] struct {
	lineSize  int
	budget    *Budget
	slabs     [][]T
	free      []uint32
	expanding bool
}

// NewDRAMPool constructs a pool of rows, each lineSize wide, charged against
// budget.
func NewDRAMPool[T numeric.Float](lineSize int, budget *Budget) *DRAMPool[T] {
	return &DRAMPool[T]{lineSize: lineSize, budget: budget, expanding: true}
}

// TryNewItem returns a fresh zeroed row and its id, or ok=false if the pool
// is not expanding and has no free rows (budget exhausted).
func (p *DRAMPool[T]) TryNewItem() (id uint32, row []T, ok bool) {
	if len(p.free) == 0 {
		if !p.expanding || !p.grow() {
			return 0, nil, false
		}
	}
	id = p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return id, p.rowByID(id), true
}

// grow allocates one more slab of prefetchBatch rows if the budget allows.
func (p *DRAMPool[T]) grow() bool {
	bytes := int64(prefetchBatch * p.lineSize * sizeofT[T]())
	if !p.budget.TryAcquire(bytes) {
		p.expanding = false
		return false
	}
	slabIdx := uint32(len(p.slabs))
	p.slabs = append(p.slabs, make([]T, prefetchBatch*p.lineSize))
	base := slabIdx * prefetchBatch
	for i := uint32(prefetchBatch); i > 0; i-- {
		p.free = append(p.free, base+i-1)
	}
	return true
}

// ForceGrow allocates one more slab unconditionally, bypassing the budget
// check. Used when a caller has no option but to accept the row (e.g. a
// pull/push path that must not fail on transient budget pressure).
func (p *DRAMPool[T]) ForceGrow() {
	slabIdx := uint32(len(p.slabs))
	p.slabs = append(p.slabs, make([]T, prefetchBatch*p.lineSize))
	base := slabIdx * prefetchBatch
	for i := uint32(prefetchBatch); i > 0; i-- {
		p.free = append(p.free, base+i-1)
	}
	p.expanding = true
}

func (p *DRAMPool[T]) rowByID(id uint32) []T {
	slabIdx := id / prefetchBatch
	rowIdx := id % prefetchBatch
	start := int(rowIdx) * p.lineSize
	return p.slabs[slabIdx][start : start+p.lineSize]
}

// FreeItem returns a row to the free list and releases nothing back to the
// budget immediately; Rebalance reclaims whole slabs in bulk.
func (p *DRAMPool[T]) FreeItem(id uint32) {
	row := p.rowByID(id)
	for i := range row {
		row[i] = 0
	}
	p.free = append(p.free, id)
	p.expanding = true
}

// Row returns the row for id without consuming it from the free list; the
// caller is responsible for tracking ownership (ptable does, via its index).
func (p *DRAMPool[T]) Row(id uint32) []T { return p.rowByID(id) }

// Rebalance drops whole unused trailing slabs back to the budget when the
// free list has accumulated at least one full slab's worth of capacity.
// Mirrors CacheItemPool::rebalance's bulk reclamation instead of returning
// memory one row at a time.
func (p *DRAMPool[T]) Rebalance() {
	for len(p.free) >= prefetchBatch && len(p.slabs) > 0 {
		last := uint32(len(p.slabs) - 1)
		base := last * prefetchBatch
		// Only reclaim if every row in the last slab is actually free.
		count := 0
		for _, id := range p.free {
			if id >= base && id < base+prefetchBatch {
				count++
			}
		}
		if count != prefetchBatch {
			return
		}
		kept := p.free[:0]
		for _, id := range p.free {
			if id < base {
				kept = append(kept, id)
			}
		}
		p.free = kept
		p.slabs = p.slabs[:last]
		p.budget.Release(int64(prefetchBatch * p.lineSize * sizeofT[T]()))
	}
}

func sizeofT[T numeric.Float]() int {
	var z T
	switch any(z).(type) {
	case float32:
		return 4
	default:
		return 8
	}
}
