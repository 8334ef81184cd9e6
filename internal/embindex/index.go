// Package embindex implements the embedding key index: a dense array index
// for small, dense vocabularies and a hash index for sparse or very large
// (>= 2^63) vocabularies, exactly the EmbeddingArrayTable/EmbeddingHashTable
// split in the reference server's EmbeddingTable.h.
//
// © 2025 embedshard authors. MIT License.
package embindex

import "github.com/Voskan/embedshard/internal/perrors"

// Index maps an embedding key to a pointer-sized payload P (typically an
// item id into a DRAM or persistent pool). Implementations are not
// goroutine-safe; callers (voltable/ptable) hold their own locks.
type Index[P any] interface {
	Get(key uint64) (P, bool)
	Set(key uint64, val P)
	Delete(key uint64)
	Len() int
	// NewReader snapshots the current key set for sequential draining,
	// used by checkpoint dump and by category-migration copy_from.
	NewReader() *KeyReader[P]
}

// UseHashIndex decides which concrete Index a variable's meta requires:
// vocabularySize >= 2^63 forces a hash index since an array sized to the
// full vocabulary would never fit, matching
// EmbeddingVariableMeta::use_hash_table().
func UseHashIndex(vocabularySize uint64) bool {
	return vocabularySize == 0 || vocabularySize >= (1<<63)
}

var ErrNoArrayIndex = perrors.InvalidConfig("array index disabled for this variable")
