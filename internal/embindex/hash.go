package embindex

// HashIndex is a Go map-backed index used for sparse or oversized
// vocabularies. The reference server's EasyHashMap needs a sentinel empty
// key for open addressing; Go's builtin map already distinguishes "absent"
// from "present", so no sentinel is needed here.
type HashIndex[P any] struct {
	m map[uint64]P
}

func NewHashIndex[P any]() *HashIndex[P] {
	return &HashIndex[P]{m: make(map[uint64]P)}
}

func (h *HashIndex[P]) Get(key uint64) (P, bool) {
	v, ok := h.m[key]
	return v, ok
}

func (h *HashIndex[P]) Set(key uint64, val P) { h.m[key] = val }

func (h *HashIndex[P]) Delete(key uint64) { delete(h.m, key) }

func (h *HashIndex[P]) Len() int { return len(h.m) }

func (h *HashIndex[P]) NewReader() *KeyReader[P] {
	keys := make([]uint64, 0, len(h.m))
	vals := make([]P, 0, len(h.m))
	for k, v := range h.m {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	return &KeyReader[P]{keys: keys, vals: vals}
}
