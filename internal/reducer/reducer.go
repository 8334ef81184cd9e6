// Package reducer implements the multi-producer single-consumer gradient
// queue that sits between PushGradients (many concurrent callers) and
// UpdateWeights (one caller per shard, under the shard's write lock).
//
// The reference server's MpscGradientReducer.h uses a lock-free
// core::MpscQueue<block_type>; the natural Go shape for the same structure
// is a Treiber stack built on atomic.Pointer, the same primitive the
// teacher's internal/clockpro and internal/genring lean on for hot-path
// bookkeeping instead of mutexes.
//
// © 2025 embedshard authors. MIT License.
package reducer

import (
	"sync/atomic"

	"github.com/Voskan/embedshard/internal/numeric"
	"github.com/Voskan/embedshard/internal/perrors"
)

// Block is one pushed gradient batch: n keys, each contributing dim-wide
// gradients, plus how many times each key occurred in the batch (occurrence
// counts let optimizers average rather than sum per-key gradients).
type Block[T numeric.Float] struct {
	Keys      []uint64
	Gradients []T // len == n*dim
	Counts    []uint64
}

type node[T numeric.Float] struct {
	block Block[T]
	next  *node[T]
}

// Reducer accumulates pushed blocks until Reduce flattens them into one
// ordered batch for UpdateWeights to fold into the table.
type Reducer[T numeric.Float] struct {
	head            atomic.Pointer[node[T]]
	vocabularySize  uint64
}

// New constructs a Reducer bound to vocabularySize; Push rejects any key
// outside [0, vocabularySize) with InvalidConfig, mirroring
// EmbeddingPullOperator::generate_request's "embedding index out of range".
func New[T numeric.Float](vocabularySize uint64) *Reducer[T] {
	return &Reducer[T]{vocabularySize: vocabularySize}
}

// Push enqueues one gradient block. Safe for concurrent use by any number of
// producers; never blocks.
func (r *Reducer[T]) Push(keys []uint64, dim int, gradients []T, counts []uint64) error {
	if r.vocabularySize != 0 {
		for _, k := range keys {
			if k >= r.vocabularySize {
				return perrors.InvalidConfig("embedding index out of range")
			}
		}
	}
	n := &node[T]{block: Block[T]{Keys: keys, Gradients: gradients, Counts: counts}}
	for {
		old := r.head.Load()
		n.next = old
		if r.head.CompareAndSwap(old, n) {
			return nil
		}
	}
}

// Reduce drains every block pushed since the last Reduce or Clear and folds
// them into one batch of unique keys, in first-occurrence order, with
// gradients and counts summed per key — the same accumulation
// MpscGradientReducer::reduce performs before handing the batch to
// update_weights, so repeated pushes of the same key within a batch land as
// one combined update rather than several independent ones. dim is the
// per-key gradient width used to slice each block's flattened Gradients.
// The caller is the single consumer; concurrent Reduce calls are not
// supported, matching the single-writer-per-shard contract of
// UpdateWeights.
func (r *Reducer[T]) Reduce(dim int) Block[T] {
	head := r.head.Swap(nil)
	// head is a LIFO list (most recent push first); reverse it so blocks
	// fold in arrival order.
	var ordered []*node[T]
	for n := head; n != nil; n = n.next {
		ordered = append(ordered, n)
	}

	out := Block[T]{}
	index := make(map[uint64]int)
	for i := len(ordered) - 1; i >= 0; i-- {
		b := ordered[i].block
		for j, key := range b.Keys {
			grad := b.Gradients[j*dim : (j+1)*dim]
			count := b.Counts[j]
			if idx, ok := index[key]; ok {
				existing := out.Gradients[idx*dim : (idx+1)*dim]
				for d := range existing {
					existing[d] += grad[d]
				}
				out.Counts[idx] += count
				continue
			}
			index[key] = len(out.Keys)
			out.Keys = append(out.Keys, key)
			out.Counts = append(out.Counts, count)
			out.Gradients = append(out.Gradients, grad...)
		}
	}
	return out
}

// Clear discards any pushed-but-not-reduced blocks without folding them.
func (r *Reducer[T]) Clear() {
	r.head.Store(nil)
}
