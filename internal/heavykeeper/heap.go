package heavykeeper

// entries is a min-heap of Entry. Unlike the exact selector, HeavyKeeper
// raises counts of entries already in the heap, so it needs find and fix.
type entries []Entry

// find locates key with a backwards linear scan. K is small (tens of keys) so
// the slice stays in cache and beats a map lookup plus bookkeeping.
func (h entries) find(key string) (int, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Key == key {
			return i, true
		}
	}
	return -1, false
}

// less orders by count with fingerprint as tiebreaker for determinism.
func (h entries) less(i, j int) bool {
	if h[i].Count != h[j].Count {
		return h[i].Count < h[j].Count
	}
	return h[i].Fingerprint < h[j].Fingerprint
}

func (h *entries) push(e Entry) {
	*h = append(*h, e)
	h.up(len(*h) - 1)
}

func (h entries) up(j int) {
	for {
		i := (j - 1) / 2
		if i == j || !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		j = i
	}
}

// down reports whether element i0 moved.
func (h entries) down(i0 int) bool {
	n := len(h)
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 {
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && h.less(j2, j1) {
			j = j2
		}
		if !h.less(j, i) {
			break
		}
		h[i], h[j] = h[j], h[i]
		i = j
	}
	return i > i0
}

// fix restores the heap invariant after element i changed its count.
func (h entries) fix(i int) {
	if !h.down(i) {
		h.up(i)
	}
}
