package itempool

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/Voskan/embedshard/internal/numeric"
	"github.com/Voskan/embedshard/internal/perrors"
)

// PersistentPool is the durable, key-addressed row store backing a
// persistent embedding table. The reference server allocates rows inside a
// libpmemobj++ memory pool with an anonymous slot-id free list
// (PmemItemPool in PmemEmbeddingItemPool.h) because NVM pages are a fixed
// pre-mapped region that malloc can't serve. Badger's LSM tree has no such
// constraint — compaction already reclaims space — so this pool addresses
// rows directly by embedding key instead of introducing a second id space,
// and keeps only the part of PmemItemPool that still earns its keep here:
// checkpoint-generation bookkeeping (StartCheckpoint/PopCheckpoint), an
// in-memory list of open generation ids the table uses to count how many
// checkpoints are pending. Rows are not tagged with a generation, and the
// list is not persisted across a reopen.
//
// Every live row also lives in the in-memory `items` mirror so readers never
// pay badger I/O latency on the hot path (invariant: pulled pointers must
// not be invalidated by relocation or require I/O).
type PersistentPool[T numeric.Float] struct {
	db       *badger.DB
	lineSize int
	budget   *Budget

	mu             sync.Mutex
	items          map[uint64][]T
	workIDs        map[uint64]int64
	currentSpaceID int64
	checkpoints    []int64

	setCount   atomic.Uint64
	flushCount atomic.Uint64
}

// OpenPersistentPool opens (or creates) the badger store at dir.
func OpenPersistentPool[T numeric.Float](dir string, lineSize int, budget *Budget) (*PersistentPool[T], error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, perrors.Internal("open persistent pool", err)
	}
	return &PersistentPool[T]{
		db:       db,
		lineSize: lineSize,
		budget:   budget,
		items:    make(map[uint64][]T),
		workIDs:  make(map[uint64]int64),
	}, nil
}

// Close releases the underlying badger store.
func (p *PersistentPool[T]) Close() error { return p.db.Close() }

// EnsureRow returns the row for key, creating a zeroed one if absent.
// created reports whether a new row was allocated.
func (p *PersistentPool[T]) EnsureRow(key uint64) (row []T, created bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if row, ok := p.items[key]; ok {
		return row, false
	}
	row = make([]T, p.lineSize)
	p.items[key] = row
	p.setCount.Add(1)
	return row, true
}

// Row returns the in-memory mirror for key, or nil if unknown.
func (p *PersistentPool[T]) Row(key uint64) []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[key]
}

// SetWorkID records the work id key was last written at
// (PmemItemHead.work_id); ptable reports it as a hint's prevWorkID for a
// persistent-resident row.
func (p *PersistentPool[T]) SetWorkID(key uint64, workID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workIDs[key] = workID
}

// WorkID returns the work id last recorded for key via SetWorkID, or -1 if
// none was recorded since this pool was opened. Work ids live only in
// memory, so every key restored by Load reports -1 until it is set again.
func (p *PersistentPool[T]) WorkID(key uint64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id, ok := p.workIDs[key]; ok {
		return id
	}
	return -1
}

// DeleteRow drops key from both the mirror and the durable store.
func (p *PersistentPool[T]) DeleteRow(key uint64) error {
	p.mu.Lock()
	delete(p.items, key)
	delete(p.workIDs, key)
	p.mu.Unlock()
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(encodeKey(key))
	})
	if err != nil {
		return perrors.Internal("delete item", err)
	}
	return nil
}

// FlushItem commits row's current contents to badger under key, crossing
// the durability barrier. Callers serialize access to the same key
// themselves (the owning shard's write lock).
func (p *PersistentPool[T]) FlushItem(key uint64, row []T) error {
	val := encodeRow(row)
	err := p.db.Update(func(txn *badger.Txn) error {
		return txn.Set(encodeKey(key), val)
	})
	if err != nil {
		return perrors.Internal("flush item", err)
	}
	p.flushCount.Add(1)
	return nil
}

// SetCount and FlushCount expose counters consumed by the persist-config
// logging path, mirroring PmemEmbeddingOptimizerVariable::persist_config.
func (p *PersistentPool[T]) SetCount() uint64   { return p.setCount.Load() }
func (p *PersistentPool[T]) FlushCount() uint64 { return p.flushCount.Load() }

// StartCheckpoint appends the current generation id to the list of open
// checkpoints, advances the current id, and returns the id it appended.
func (p *PersistentPool[T]) StartCheckpoint() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	gen := p.currentSpaceID
	p.currentSpaceID++
	p.checkpoints = append(p.checkpoints, gen)
	return gen
}

// PopCheckpoint retires the oldest open checkpoint generation.
func (p *PersistentPool[T]) PopCheckpoint() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.checkpoints) == 0 {
		return
	}
	p.checkpoints = p.checkpoints[1:]
}

// Checkpoints returns the still-open checkpoint generation ids, oldest
// first.
func (p *PersistentPool[T]) Checkpoints() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.checkpoints))
	copy(out, p.checkpoints)
	return out
}

// Keys returns every key currently resident in the mirror.
func (p *PersistentPool[T]) Keys() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, 0, len(p.items))
	for k := range p.items {
		out = append(out, k)
	}
	return out
}

// NumItems reports how many distinct rows currently exist in the mirror.
func (p *PersistentPool[T]) NumItems() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Load replays every persisted row back into the in-memory mirror, used
// when reattaching to an existing pool directory
// (EmbeddingVariable's load_pmem_pool path). The returned keys let the
// caller (ptable.Table) rebuild its index without badger needing to know
// about embedding-level concepts.
func (p *PersistentPool[T]) Load() ([]uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []uint64
	err := p.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := decodeKey(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				p.items[key] = decodeRow[T](val, p.lineSize)
				return nil
			})
			if err != nil {
				return err
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, perrors.Internal("load persistent pool", err)
	}
	return keys, nil
}

func encodeKey(key uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, key)
	return b
}

func decodeKey(b []byte) uint64 { return binary.BigEndian.Uint64(b) }

func encodeRow[T numeric.Float](row []T) []byte {
	out := make([]byte, 0, len(row)*8)
	for _, v := range row {
		var bits uint64
		switch x := any(v).(type) {
		case float32:
			bits = uint64(math.Float32bits(x))
		case float64:
			bits = math.Float64bits(x)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		out = append(out, b[:]...)
	}
	return out
}

func decodeRow[T numeric.Float](b []byte, lineSize int) []T {
	row := make([]T, lineSize)
	for i := 0; i < lineSize && (i+1)*8 <= len(b); i++ {
		bits := binary.BigEndian.Uint64(b[i*8 : (i+1)*8])
		var z T
		switch any(z).(type) {
		case float32:
			row[i] = T(math.Float32frombits(uint32(bits)))
		default:
			row[i] = T(math.Float64frombits(bits))
		}
	}
	return row
}
