package util

// BitSet is a growable set of small non-negative integers, used to track
// per-nesting-level flags during document traversal. The zero value is an
// empty set ready for use.
type BitSet struct {
	words []uint64
}

// Add puts n into the set. Negative values are ignored.
func (b *BitSet) Add(n int) {
	if n < 0 {
		return
	}
	w := n >> 6
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (uint(n) & 63)
}

// Del removes n from the set if present.
func (b *BitSet) Del(n int) {
	if n < 0 {
		return
	}
	w := n >> 6
	if w < len(b.words) {
		b.words[w] &^= 1 << (uint(n) & 63)
	}
}

// Has reports whether n is in the set.
func (b *BitSet) Has(n int) bool {
	if n < 0 {
		return false
	}
	w := n >> 6
	return w < len(b.words) && b.words[w]&(1<<(uint(n)&63)) != 0
}

// Reset empties the set, keeping allocated capacity.
func (b *BitSet) Reset() {
	for i := range b.words {
		b.words[i] = 0
	}
}
