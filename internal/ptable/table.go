// Package ptable implements the persistent (checkpointed) embedding table:
// newly written rows land in a DRAM cache first and are flushed to the
// badger-backed itempool.PersistentPool in checkpoint-sized batches, the
// same two-tier shape as PmemEmbeddingTable.h's CacheItemPool-over-
// PmemItemPool design.
//
// The ItemPointer tag in the reference server is a bit-stolen pointer
// (uintptr_t | 1); Design Notes for this system explicitly call for a
// tagged enum instead of a pointer trick, so here a row's location is just
// "present in the DRAM cache index, or not" — when absent from the cache
// index the persistent pool is addressed directly by the embedding key
// (see itempool.PersistentPool's doc comment for why it no longer needs a
// separate id space).
//
// The cache index's LRU discipline is the one part of the reference design
// kept as a true cyclic structure (a sentinel-headed intrusive doubly
// linked list of *cacheItem, exactly PmemEmbeddingTable::CacheItemHead's
// next/prev), since Design Notes' "arena of slots + indices, never owning
// pointers" concern is about the DRAM row storage (itempool.DRAMPool), not
// about this bookkeeping list.
//
// © 2025 embedshard authors. MIT License.
package ptable

import (
	"sync"
	"sync/atomic"

	"github.com/Voskan/embedshard/internal/itempool"
	"github.com/Voskan/embedshard/internal/numeric"
)

// cacheItem is one DRAM-resident row's LRU bookkeeping node.
type cacheItem struct {
	key    uint64
	workID int64
	dramID uint32
	prev, next *cacheItem
}

// Hint carries what a GetValue lookup already learned about key — which
// tier held it and at what work id — so a SetValue immediately following
// for the same key can skip re-resolving that, mirroring
// PmemEmbeddingTable::ItemHint.
type Hint struct {
	key        uint64
	workID     int64
	prevWorkID int64
	wasCache   bool
	found      bool
}

// Table is a persistent, checkpointed key -> row mapping.
type Table[T numeric.Float] struct {
	lineSize int
	dram     *itempool.DRAMPool[T]
	persist  *itempool.PersistentPool[T]

	mu         sync.RWMutex
	cacheIndex map[uint64]*cacheItem
	cacheHead  cacheItem // sentinel; cacheHead.next is the LRU-oldest item

	committing int64
	pendings   []int64

	hitCount atomic.Uint64
	workID   atomic.Int64
}

// Open constructs a Table backed by a badger store at dir.
func Open[T numeric.Float](dir string, lineSize int, dramBudget, persistBudget *itempool.Budget) (*Table[T], error) {
	persist, err := itempool.OpenPersistentPool[T](dir, lineSize, persistBudget)
	if err != nil {
		return nil, err
	}
	t := &Table[T]{
		lineSize:   lineSize,
		dram:       itempool.NewDRAMPool[T](lineSize, dramBudget),
		persist:    persist,
		cacheIndex: make(map[uint64]*cacheItem),
	}
	t.cacheHead.next = &t.cacheHead
	t.cacheHead.prev = &t.cacheHead
	return t, nil
}

// Close releases the underlying persistent store.
func (t *Table[T]) Close() error { return t.persist.Close() }

// ---------------- intrusive LRU list, caller must hold t.mu ----------------

func (t *Table[T]) lruUnlink(n *cacheItem) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}

func (t *Table[T]) lruPushTail(n *cacheItem) {
	tail := t.cacheHead.prev
	tail.next = n
	n.prev = tail
	n.next = &t.cacheHead
	t.cacheHead.prev = n
}

// lruOldest returns the least-recently-touched cache item, or nil if the
// cache is empty.
func (t *Table[T]) lruOldest() *cacheItem {
	if t.cacheHead.next == &t.cacheHead {
		return nil
	}
	return t.cacheHead.next
}

// ---------------- reads ----------------

// GetValue returns the row for key, or nil if absent. Counts as a table hit
// only when key is found in the DRAM cache, feeding the hit-rate logged by
// PersistConfig; a row found only in the persistent pool is not counted.
func (t *Table[T]) GetValue(key uint64) []T {
	row, _ := t.getValue(key, nil)
	return row
}

// GetValueHint is GetValue with hint filled in with key, the table's
// current work id, and whichever tier last held key, so a SetValueHint call
// immediately after for the same key can skip re-probing the index —
// mirrors PmemEmbeddingTable::get_value(key, ItemHint&).
func (t *Table[T]) GetValueHint(key uint64, hint *Hint) []T {
	row, _ := t.getValue(key, hint)
	return row
}

func (t *Table[T]) getValue(key uint64, hint *Hint) ([]T, bool) {
	if hint != nil {
		*hint = Hint{key: key, workID: t.workID.Load()}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.cacheIndex[key]; ok {
		t.hitCount.Add(1)
		if hint != nil {
			hint.prevWorkID, hint.wasCache, hint.found = n.workID, true, true
		}
		return t.dram.Row(n.dramID), true
	}
	if row := t.persist.Row(key); row != nil {
		if hint != nil {
			hint.prevWorkID, hint.wasCache, hint.found = t.persist.WorkID(key), false, true
		}
		return row, true
	}
	return nil, false
}

// UpdateValue looks up key, refreshing its LRU recency and work id if it is
// DRAM-resident so an in-progress batch doesn't evict a row it is actively
// folding gradients into, but never allocates a new row — mirroring the
// reference server's update_value fallback path in update_weights for keys
// the reducer didn't stage through SetValue first.
func (t *Table[T]) UpdateValue(key uint64) []T {
	return t.updateValue(key, nil)
}

// UpdateValueHint is UpdateValue with hint filled in on both hit and miss,
// so a SetValueHint immediately following for the same key on a miss can
// skip re-probing which tier (if any) last held it. The reference server
// only pairs this hint across get_value/set_value in pull_weights; this
// table stages first-seen keys through newWeights instead of creating rows
// at pull time, so the equivalent immediate lookup-then-write pair falls
// here, in update_weights's reduce-apply loop.
func (t *Table[T]) UpdateValueHint(key uint64, hint *Hint) []T {
	return t.updateValue(key, hint)
}

func (t *Table[T]) updateValue(key uint64, hint *Hint) []T {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hint != nil {
		*hint = Hint{key: key, workID: t.workID.Load()}
	}
	if n, ok := t.cacheIndex[key]; ok {
		t.hitCount.Add(1)
		if n.workID < t.committing {
			_ = t.snapshotToPersistLocked(n)
		}
		t.lruUnlink(n)
		t.lruPushTail(n)
		n.workID = t.workID.Load()
		if hint != nil {
			hint.prevWorkID, hint.wasCache, hint.found = n.workID, true, true
		}
		return t.dram.Row(n.dramID)
	}
	if row := t.persist.Row(key); row != nil {
		if hint != nil {
			hint.prevWorkID, hint.wasCache, hint.found = t.persist.WorkID(key), false, true
		}
		return row
	}
	return nil
}

// ---------------- writes ----------------

// SetValue returns the row for key to write into. If key is already
// DRAM-resident its LRU position and work id are refreshed in place. If it
// was only persistent-resident, or new, a fresh DRAM slot is obtained: the
// allocator is tried first, and only on exhaustion does SetValue fall back
// to evicting the LRU-oldest cache item (flushing it to the persistent
// pool) — force-allocating past budget only when nothing is safe to evict,
// the documented last-resort spike (spec's "never return nil to a writer"
// contract).
func (t *Table[T]) SetValue(key uint64) []T {
	return t.setValue(key, nil)
}

// SetValueHint is SetValue using hint, when it is still fresh for key at
// the table's current work id, to skip the persistent-tier branch's second
// probe of persist.Row/persist.WorkID — mirrors
// PmemEmbeddingTable::set_value(key, const ItemHint&).
func (t *Table[T]) SetValueHint(key uint64, hint *Hint) []T {
	return t.setValue(key, hint)
}

func (t *Table[T]) setValue(key uint64, hint *Hint) []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.workID.Load()

	if n, ok := t.cacheIndex[key]; ok {
		if n.workID < t.committing {
			// An in-flight checkpoint still needs this row's pre-update
			// value; snapshot it to the persistent pool before the caller
			// overwrites the DRAM row in place.
			_ = t.snapshotToPersistLocked(n)
		}
		t.lruUnlink(n)
		t.lruPushTail(n)
		n.workID = current
		return t.dram.Row(n.dramID)
	}

	// hint, when still fresh for key at this work id, avoids re-probing
	// persist.Row/persist.WorkID below; the source's push_item/free_item
	// distinction over the resolved prevWorkID has no behavioral
	// counterpart here, since this store's single-version badger mirror
	// keeps no separate per-checkpoint generation to preserve a row into
	// (see DESIGN.md) — migrating a row into the cache tier always deletes
	// its persistent copy, which the eventual flush repopulates.
	wasPersistent := false
	if hint != nil && hint.found && !hint.wasCache && hint.key == key && hint.workID == current {
		wasPersistent = true
	} else {
		wasPersistent = t.persist.Row(key) != nil
	}
	if wasPersistent {
		_ = t.persist.DeleteRow(key)
	}

	return t.newCacheItemLocked(key, current)
}

// newCacheItemLocked obtains a DRAM slot for key, evicting the LRU-oldest
// cache item first if the allocator is exhausted and that item is safe to
// evict (its work id precedes the current one, i.e. it is not part of the
// batch in flight), and only force-allocating past budget as a last
// resort. Caller must hold t.mu.
func (t *Table[T]) newCacheItemLocked(key uint64, current int64) []T {
	id, row, ok := t.dram.TryNewItem()
	if !ok {
		if victim := t.lruOldest(); victim != nil && victim.workID < current {
			t.evictLocked(victim)
			id, row, ok = t.dram.TryNewItem()
		}
		if !ok {
			t.dram.ForceGrow()
			id, row, _ = t.dram.TryNewItem()
		}
	}
	n := &cacheItem{key: key, workID: current, dramID: id}
	t.cacheIndex[key] = n
	t.lruPushTail(n)
	return row
}

// snapshotToPersistLocked copies item's current DRAM contents into the
// persistent pool under its own key without disturbing its cache residency
// — the copy-flush PmemEmbeddingTable::set_value performs when a cache hit
// lands on a row an in-flight checkpoint still needs the pre-update value
// of. Caller must hold t.mu.
func (t *Table[T]) snapshotToPersistLocked(item *cacheItem) error {
	row := t.dram.Row(item.dramID)
	prow, _ := t.persist.EnsureRow(item.key)
	copy(prow, row)
	if err := t.persist.FlushItem(item.key, prow); err != nil {
		return err
	}
	t.persist.SetWorkID(item.key, item.workID)
	return nil
}

// evictLocked flushes victim to the persistent pool and frees its DRAM
// slot, repointing the index so later lookups resolve it there instead.
// Caller must hold t.mu.
func (t *Table[T]) evictLocked(victim *cacheItem) error {
	if err := t.snapshotToPersistLocked(victim); err != nil {
		return err
	}
	t.lruUnlink(victim)
	delete(t.cacheIndex, victim.key)
	t.dram.FreeItem(victim.dramID)
	return nil
}

// NextWork advances the table's work counter, marking the boundary between
// one push/update cycle and the next.
func (t *Table[T]) NextWork() int64 { return t.workID.Add(1) }

// WorkID reports the current work counter value.
func (t *Table[T]) WorkID() int64 { return t.workID.Load() }

// ShouldCommitCheckpoint reports whether there are DRAM-resident rows
// waiting to be folded into the next checkpoint.
func (t *Table[T]) ShouldCommitCheckpoint() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cacheIndex) > 0
}

// StartCommitCheckpoint opens a new persistent-pool generation and records
// one past the table's current work id as the committing watermark: every
// cache item written at or before this point has a work id strictly below
// the watermark and is safe for FlushCommittingCheckpoint to drain. Callers
// serialize StartCommitCheckpoint against UpdateWeights for the same shard,
// so this watermark always captures every write that happened before it.
func (t *Table[T]) StartCommitCheckpoint() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	gen := t.persist.StartCheckpoint()
	boundary := t.workID.Load() + 1
	if boundary > t.committing {
		t.committing = boundary
	}
	t.pendings = append(t.pendings, t.committing)
	return gen
}

// FlushCommittingCheckpoint walks the LRU from its oldest end, flushing
// every cache item whose work id precedes the oldest pending checkpoint
// watermark into the persistent pool and releasing its DRAM slot, exactly
// PmemEmbeddingTable::flush_committing_checkpoint. Returns how many rows
// were flushed.
func (t *Table[T]) FlushCommittingCheckpoint() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pendings) == 0 {
		return 0, nil
	}
	boundary := t.pendings[0]

	flushed := 0
	for item := t.cacheHead.next; item != &t.cacheHead && item.workID < boundary; item = t.cacheHead.next {
		if err := t.evictLocked(item); err != nil {
			return flushed, err
		}
		flushed++
	}
	t.pendings = t.pendings[1:]
	t.dram.Rebalance()
	return flushed, nil
}

// Clear drops every row, both DRAM-cached and flushed, preserving the
// table's identity (budgets, checkpoint counters) while resetting its
// contents, used by ClearWeights.
func (t *Table[T]) Clear() {
	t.mu.Lock()
	for key, n := range t.cacheIndex {
		t.lruUnlink(n)
		t.dram.FreeItem(n.dramID)
		delete(t.cacheIndex, key)
	}
	t.pendings = nil
	t.mu.Unlock()
	for _, key := range t.persist.Keys() {
		_ = t.persist.DeleteRow(key)
	}
}

// PopCheckpoint retires the oldest open checkpoint generation.
func (t *Table[T]) PopCheckpoint() { t.persist.PopCheckpoint() }

// Checkpoints returns still-open checkpoint generation ids, oldest first.
func (t *Table[T]) Checkpoints() []int64 { return t.persist.Checkpoints() }

// PendingCheckpoints returns the same set as Checkpoints; kept as a
// separate accessor because PersistConfig logs both names from the
// reference server's persist_config.
func (t *Table[T]) PendingCheckpoints() []int64 { return t.persist.Checkpoints() }

// HitCount, SetCount, FlushCount and NumItems expose the counters consumed
// by the persist-config logging path.
func (t *Table[T]) HitCount() uint64   { return t.hitCount.Load() }
func (t *Table[T]) SetCount() uint64   { return t.persist.SetCount() }
func (t *Table[T]) FlushCount() uint64 { return t.persist.FlushCount() }
func (t *Table[T]) NumItems() int {
	t.mu.RLock()
	cached := len(t.cacheIndex)
	t.mu.RUnlock()
	return cached + t.persist.NumItems()
}
func (t *Table[T]) NumCacheItems() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.cacheIndex)
}
func (t *Table[T]) NumPersistItems() int { return t.persist.NumItems() }

// LoadPmemPool resets the table and replays every row from the persistent
// store at dir, used when a variable's configuration names an existing pool
// path to reattach to (EmbeddingVariable::load_config).
func (t *Table[T]) LoadPmemPool() error {
	t.mu.Lock()
	t.cacheIndex = make(map[uint64]*cacheItem)
	t.cacheHead.next = &t.cacheHead
	t.cacheHead.prev = &t.cacheHead
	t.pendings = nil
	t.mu.Unlock()
	_, err := t.persist.Load()
	return err
}

// NewReader snapshots every key currently resident (DRAM or persistent)
// together with its row, for checkpoint dump and category migration.
func (t *Table[T]) NewReader() *Reader[T] {
	t.mu.RLock()
	cached := make(map[uint64]uint32, len(t.cacheIndex))
	for k, n := range t.cacheIndex {
		cached[k] = n.dramID
	}
	t.mu.RUnlock()

	keys := make([]uint64, 0, len(cached)+t.persist.NumItems())
	seen := make(map[uint64]struct{}, cap(keys))
	for k := range cached {
		keys = append(keys, k)
		seen[k] = struct{}{}
	}
	for _, k := range t.persist.Keys() {
		if _, ok := seen[k]; !ok {
			keys = append(keys, k)
		}
	}
	return &Reader[T]{table: t, cached: cached, keys: keys}
}

// Reader sequentially drains a Table snapshot.
type Reader[T numeric.Float] struct {
	table  *Table[T]
	cached map[uint64]uint32
	keys   []uint64
	pos    int
}

// ReadItem returns the next (key, row) pair, or false when exhausted.
func (r *Reader[T]) ReadItem() (uint64, []T, bool) {
	if r.pos >= len(r.keys) {
		return 0, nil, false
	}
	key := r.keys[r.pos]
	r.pos++
	if id, ok := r.cached[key]; ok {
		return key, r.table.dram.Row(id), true
	}
	return key, r.table.persist.Row(key), true
}

// Len reports the number of keys in the snapshot.
func (r *Reader[T]) Len() int { return len(r.keys) }
