// Package topk implements an exact bounded Top-K selector.
//
// The Selector is a min-heap of fixed capacity K keyed by count. Its root is
// always the smallest retained count, so deciding whether a new candidate
// belongs in the Top-K is a single comparison against the root:
//
//	size < K           -> push                      O(log K)
//	count >  root      -> replace root, sink it     O(log K)
//	count <= root      -> discard                   O(1)
//
// After M insertions the Selector holds the K items with the largest counts
// (any of several tied items may be kept at the boundary). Processing M
// candidates costs O(M log K) time and O(K) memory.
//
// The same structure is used twice in the pipeline: once per shard to truncate
// the exact frequency map to K_shard items, and once in the reducer over the
// union of every shard's sidecar.
package topk

// Selector retains the K largest Items seen so far.
type Selector struct {
	k    int
	heap list
}

// New creates a Selector with capacity k. A non-positive k retains nothing.
func New(k int) *Selector {
	if k < 0 {
		k = 0
	}
	return &Selector{k: k, heap: make(list, 0, min(k, 1<<16))}
}

// Insert offers item to the selector and reports whether it was retained.
// When the selector is full, an item whose count equals the current minimum
// is discarded; ties at the boundary keep whichever item arrived first.
func (s *Selector) Insert(item Item) bool {
	if s.k == 0 {
		return false
	}
	if len(s.heap) < s.k {
		s.heap.push(item)
		return true
	}
	if item.Count <= s.heap[0].Count {
		return false
	}
	s.heap.replaceMin(item)
	return true
}

// Min returns the smallest retained item.
func (s *Selector) Min() (Item, bool) {
	if len(s.heap) == 0 {
		return Item{}, false
	}
	return s.heap[0], true
}

// Len returns the number of retained items.
func (s *Selector) Len() int { return len(s.heap) }

// Cap returns K.
func (s *Selector) Cap() int { return s.k }

// Full reports whether Len() == Cap().
func (s *Selector) Full() bool { return len(s.heap) == s.k }

// Drain empties the selector and returns its items in descending count order.
// Items are popped smallest first and written from the back of the result, so
// no extra reversal or sort is needed. The selector is empty afterwards.
func (s *Selector) Drain() []Item {
	out := make([]Item, len(s.heap))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = s.heap.pop()
	}
	s.heap = s.heap[:0]
	return out
}

// Select returns the k items of items with the largest counts, descending.
func Select(items []Item, k int) []Item {
	s := New(k)
	for _, it := range items {
		s.Insert(it)
	}
	return s.Drain()
}

// SelectMap is Select over a key -> count map.
func SelectMap(counts map[string]uint64, k int) []Item {
	s := New(k)
	for key, c := range counts {
		s.Insert(Item{Key: key, Count: c})
	}
	return s.Drain()
}
