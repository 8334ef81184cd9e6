package variable

import (
	"sync/atomic"

	"github.com/Voskan/embedshard/internal/itempool"
	"github.com/Voskan/embedshard/internal/numeric"
	"github.com/Voskan/embedshard/internal/optimizer"
	"github.com/Voskan/embedshard/internal/perrors"
	"github.com/Voskan/embedshard/internal/ptable"
	"github.com/Voskan/embedshard/internal/reducer"
	"github.com/Voskan/embedshard/internal/spin"
	"github.com/Voskan/embedshard/internal/voltable"
)

// Table is the storage a Variable drives. voltable.Table and ptable.Table
// both satisfy it; ptable.Table additionally satisfies Persistent.
type Table[T numeric.Float] interface {
	GetValue(key uint64) []T
	UpdateValue(key uint64) []T
	SetValue(key uint64) []T
}

// Clearable is implemented by tables that can drop every row at once.
type Clearable interface {
	Clear()
}

// Hinted is implemented by ptable.Table; Variable type-asserts for it so an
// UpdateValueHint miss and the SetValueHint that follows it for the same
// key, in the reduce-apply loop, can share one hint instead of SetValue
// re-probing which tier (if any) last held the row.
type Hinted[T numeric.Float] interface {
	UpdateValueHint(key uint64, hint *ptable.Hint) []T
	SetValueHint(key uint64, hint *ptable.Hint) []T
}

// Persistent is implemented by ptable.Table; Variable type-asserts for it
// to drive the checkpoint cycle only when the backing table is persistent.
type Persistent interface {
	NextWork() int64
	ShouldCommitCheckpoint() bool
	StartCommitCheckpoint() int64
	FlushCommittingCheckpoint() (int, error)
	PopCheckpoint()
	Checkpoints() []int64
	PendingCheckpoints() []int64
	HitCount() uint64
	SetCount() uint64
	FlushCount() uint64
	NumItems() int
}

// AnyVariable is the type-erased surface the shard scheduler needs; it lets
// internal/shard hold variables of different weight types (T) in one map
// without generics leaking into the scheduler.
type AnyVariable interface {
	VariableID() uint32
	Meta() Meta
	UpdateWeights() error
	ClearWeights()
	ShouldPersist() bool
	PersistCheckpoint() (flushed int, err error)

	// LineSize reports the full per-row width (weights + optimizer state),
	// the unit pkg/checkpoint blocks use.
	LineSize() int
	// PullWeightsF64 / PushGradientsF64 / ReadOnlyPullF64 are the
	// float64-boundary equivalents of PullWeights/PushGradients/GetValue,
	// letting pkg/pserver dispatch across variables of different weight
	// types T without generics crossing the RPC surface.
	PullWeightsF64(keys []uint64) ([]float64, error)
	PushGradientsF64(keys []uint64, gradients []float64, counts []uint64) error
	ReadOnlyPullF64(keys []uint64) []float64
	// DumpRowsF64 visits every row currently stored (weights+state,
	// LineSize wide) for checkpoint dump.
	DumpRowsF64(visit func(key uint64, line []float64))
	// LoadRowF64 writes a checkpoint-sourced row (LineSize wide) directly
	// into the table, bypassing the optimizer/initializer.
	LoadRowF64(key uint64, line []float64)
	// Close releases any durable resources the backing table holds
	// (persistent tables only; a no-op for volatile ones).
	Close() error
}

// Variable binds one table to one optimizer/initializer pair. The
// newWeights side table and spinlock port EmbeddingOptimizerVariableBasic's
// handling of keys pulled for the first time within a batch: they are
// materialized lazily, under a short lock, rather than on every pull.
type Variable[T numeric.Float] struct {
	id          uint32
	meta        Meta
	table       Table[T]
	optimizer   optimizer.Optimizer[T]
	initializer optimizer.Initializer[T]
	stateDim    int

	newWeights *voltable.Table[T]
	lock       spin.Lock

	gradients *reducer.Reducer[T]
	batchID   atomic.Int64
}

// New constructs a Variable. newWeightsBudget bounds the side table used to
// stage freshly initialized rows before the next UpdateWeights folds them
// into table.
func New[T numeric.Float](id uint32, meta Meta, table Table[T], opt optimizer.Optimizer[T], init optimizer.Initializer[T], newWeightsBudget *itempool.Budget) *Variable[T] {
	stateDim := opt.StateDim(meta.EmbeddingDim)
	lineSize := meta.EmbeddingDim + stateDim
	return &Variable[T]{
		id:          id,
		meta:        meta,
		table:       table,
		optimizer:   opt,
		initializer: init,
		stateDim:    stateDim,
		newWeights:  voltable.New[T](meta.VocabularySize, lineSize, newWeightsBudget),
		gradients:   reducer.New[T](meta.VocabularySize),
	}
}

func (v *Variable[T]) VariableID() uint32 { return v.id }
func (v *Variable[T]) Meta() Meta         { return v.meta }

// PullWeights copies the current (or freshly initialized) weights for each
// key in keys into out (length len(keys)*dim). Matches
// EmbeddingOptimizerVariableBasic::pull_weights / PmemEmbeddingOptimizerVariable::pull_weights.
func (v *Variable[T]) PullWeights(keys []uint64, out []T) error {
	dim := v.meta.EmbeddingDim
	if len(out) != len(keys)*dim {
		return perrors.InvalidConfig("pull output buffer size mismatch")
	}
	for i, key := range keys {
		if v.meta.VocabularySize != 0 && key >= v.meta.VocabularySize {
			return perrors.InvalidConfig("embedding index out of range")
		}
		row := v.table.GetValue(key)
		if row != nil {
			copy(out[i*dim:(i+1)*dim], row[:dim])
			continue
		}
		v.lock.Lock()
		nrow := v.newWeights.UpdateValue(key)
		if nrow == nil {
			nrow = v.newWeights.SetValue(key)
			v.initializer.TrainInit(nrow[:dim], dim)
		}
		copy(out[i*dim:(i+1)*dim], nrow[:dim])
		v.lock.Unlock()
	}
	return nil
}

// PushGradients enqueues one reduced-gradient block for the next
// UpdateWeights to fold in.
func (v *Variable[T]) PushGradients(keys []uint64, gradients []T, counts []uint64) error {
	return v.gradients.Push(keys, v.meta.EmbeddingDim, gradients, counts)
}

// UpdateWeights folds every key staged in newWeights into the table (with a
// freshly trained optimizer state) and then applies the reduced gradient
// batch, exactly the two-phase body of
// EmbeddingOptimizerVariable::update_weights /
// PmemEmbeddingOptimizerVariable::update_weights. Must be called with the
// owning shard's write lock held.
func (v *Variable[T]) UpdateWeights() error {
	dim := v.meta.EmbeddingDim

	reader := v.newWeights.NewReader()
	for {
		key, nrow, ok := reader.ReadItem()
		if !ok {
			break
		}
		row := v.table.SetValue(key)
		copy(row[:dim], nrow[:dim])
		v.optimizer.TrainInit(row[dim:])
	}
	v.newWeights.Clear()

	hinted, isHinted := v.table.(Hinted[T])

	block := v.gradients.Reduce(dim)
	for i, key := range block.Keys {
		grad := block.Gradients[i*dim : (i+1)*dim]
		count := block.Counts[i]
		var row []T
		if isHinted {
			var hint ptable.Hint
			row = hinted.UpdateValueHint(key, &hint)
			if row == nil {
				row = hinted.SetValueHint(key, &hint)
				v.initializer.TrainInit(row[:dim], dim)
				v.optimizer.TrainInit(row[dim:])
			}
		} else {
			row = v.table.UpdateValue(key)
			if row == nil {
				row = v.table.SetValue(key)
				v.initializer.TrainInit(row[:dim], dim)
				v.optimizer.TrainInit(row[dim:])
			}
		}
		v.optimizer.Update(row[:dim], row[dim:], count, grad)
	}
	v.gradients.Clear()

	if p, ok := v.table.(Persistent); ok {
		p.NextWork()
	}
	return nil
}

// ClearWeights drops every row while preserving the optimizer/initializer
// identity, matching EmbeddingVariable::clear_weights's config-preserving
// reset.
func (v *Variable[T]) ClearWeights() {
	if c, ok := v.table.(Clearable); ok {
		c.Clear()
	}
	v.newWeights.Clear()
	v.gradients.Clear()
}

// ShouldPersist reports whether the backing table has rows pending a
// checkpoint flush; always false for volatile tables.
func (v *Variable[T]) ShouldPersist() bool {
	p, ok := v.table.(Persistent)
	return ok && p.ShouldCommitCheckpoint()
}

// PersistCheckpoint drives one checkpoint commit/flush cycle, a no-op for
// volatile tables.
func (v *Variable[T]) PersistCheckpoint() (int, error) {
	p, ok := v.table.(Persistent)
	if !ok {
		return 0, nil
	}
	p.StartCommitCheckpoint()
	return p.FlushCommittingCheckpoint()
}

// SetBatchID records the batch this variable last observed.
func (v *Variable[T]) SetBatchID(id int64) { v.batchID.Store(id) }
func (v *Variable[T]) BatchID() int64      { return v.batchID.Load() }

// CopyFrom migrates every row other currently holds into v, used when a
// variable's configuration names a different table or optimizer category
// than it was previously running under (EmbeddingOptimizerVariableInterface
// ::copy_from). Weights always carry over; per-key optimizer state only
// carries over when the two optimizers share a category (their state
// layouts agree) — otherwise v retrains state from scratch for each row,
// exactly the category-mismatch branch of copy_from. other's still-pending
// first-touch rows and unreduced gradient batch move over unchanged too,
// since a config swap must not silently drop in-flight work.
//
// Unlike copy_from's block_num_items-at-a-time streaming (sized for
// batching an async network hop to a remote shard), the source table's
// reader already snapshots every key up front, so this copies the whole
// snapshot in one pass.
func (v *Variable[T]) CopyFrom(other *Variable[T]) error {
	dim := v.meta.EmbeddingDim
	sameCategory := v.optimizer.Category() == other.optimizer.Category()

	next := tableRows[T](other.table)
	for {
		key, row, ok := next()
		if !ok {
			break
		}
		nrow := v.table.SetValue(key)
		copy(nrow[:dim], row[:dim])
		if sameCategory {
			copy(nrow[dim:], row[dim:])
		} else {
			v.optimizer.TrainInit(nrow[dim:])
		}
	}

	v.newWeights = other.newWeights
	v.gradients = other.gradients
	v.initializer = other.initializer
	return nil
}

// tableRows returns a closure that yields every (key, row) pair table
// currently holds, one per call, false once exhausted. Table[T] doesn't
// expose a reader itself (voltable.Table and ptable.Table return distinct
// concrete Reader types), so this type-switches the same way DumpRowsF64
// does.
func tableRows[T numeric.Float](table Table[T]) func() (uint64, []T, bool) {
	switch t := table.(type) {
	case *voltable.Table[T]:
		r := t.NewReader()
		return r.ReadItem
	case *ptable.Table[T]:
		r := t.NewReader()
		return r.ReadItem
	default:
		return func() (uint64, []T, bool) { return 0, nil, false }
	}
}

// LineSize reports the per-row width (weights + optimizer state).
func (v *Variable[T]) LineSize() int { return v.meta.EmbeddingDim + v.stateDim }

// PullWeightsF64 is PullWeights at the float64 RPC boundary.
func (v *Variable[T]) PullWeightsF64(keys []uint64) ([]float64, error) {
	dim := v.meta.EmbeddingDim
	buf := make([]T, len(keys)*dim)
	if err := v.PullWeights(keys, buf); err != nil {
		return nil, err
	}
	out := make([]float64, len(buf))
	for i, x := range buf {
		out[i] = float64(x)
	}
	return out, nil
}

// PushGradientsF64 is PushGradients at the float64 RPC boundary.
func (v *Variable[T]) PushGradientsF64(keys []uint64, gradients []float64, counts []uint64) error {
	g := make([]T, len(gradients))
	for i, x := range gradients {
		g[i] = T(x)
	}
	return v.PushGradients(keys, g, counts)
}

// ReadOnlyPullF64 reads whatever is currently resident for keys without
// creating rows for unseen ones (those come back as a zero vector),
// matching the reference server's read_only_pull semantics.
func (v *Variable[T]) ReadOnlyPullF64(keys []uint64) []float64 {
	dim := v.meta.EmbeddingDim
	out := make([]float64, len(keys)*dim)
	for i, key := range keys {
		row := v.table.GetValue(key)
		if row == nil {
			continue
		}
		for j := 0; j < dim; j++ {
			out[i*dim+j] = float64(row[j])
		}
	}
	return out
}

// DumpRowsF64 visits every row currently stored, converted to float64,
// regardless of the concrete table implementation backing v.
func (v *Variable[T]) DumpRowsF64(visit func(key uint64, line []float64)) {
	emit := func(key uint64, row []T) {
		line := make([]float64, len(row))
		for i, x := range row {
			line[i] = float64(x)
		}
		visit(key, line)
	}
	switch t := v.table.(type) {
	case *voltable.Table[T]:
		r := t.NewReader()
		for {
			key, row, ok := r.ReadItem()
			if !ok {
				break
			}
			emit(key, row)
		}
	case *ptable.Table[T]:
		r := t.NewReader()
		for {
			key, row, ok := r.ReadItem()
			if !ok {
				break
			}
			emit(key, row)
		}
	}
}

// LoadRowF64 writes a checkpoint-sourced row directly into the table.
func (v *Variable[T]) LoadRowF64(key uint64, line []float64) {
	row := v.table.SetValue(key)
	n := len(line)
	if n > len(row) {
		n = len(row)
	}
	for i := 0; i < n; i++ {
		row[i] = T(line[i])
	}
}

// Close releases the backing table's durable resources, if any.
func (v *Variable[T]) Close() error {
	if c, ok := v.table.(*ptable.Table[T]); ok {
		return c.Close()
	}
	return nil
}
