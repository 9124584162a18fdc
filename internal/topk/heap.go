package topk

// Item is a key together with its occurrence count.
type Item struct {
	Key   string
	Count uint64
}

// list is a min-heap of Items ordered by Count. Heap operations are written
// out by hand instead of going through container/heap so that Push and Pop
// move Items by value without boxing them in interface{}.
type list []Item

func (l list) Len() int           { return len(l) }
func (l list) Swap(i, j int)      { l[i], l[j] = l[j], l[i] }
func (l list) Less(i, j int) bool { return l[i].Count < l[j].Count }

// push appends an item and bubbles it up to restore the heap invariant.
func (l *list) push(x Item) {
	*l = append(*l, x)
	l.up(len(*l) - 1)
}

// pop removes and returns the minimum.
func (l *list) pop() Item {
	old := *l
	n := len(old) - 1
	old.Swap(0, n)
	old.down(0, n)
	item := old[n]
	*l = old[:n]
	return item
}

// replaceMin overwrites the root and sinks it into place.
func (l list) replaceMin(x Item) {
	l[0] = x
	l.down(0, len(l))
}

// up bubbles element j toward the root until the heap invariant is restored.
func (l list) up(j int) {
	for {
		i := (j - 1) / 2 // parent
		if i == j || !l.Less(j, i) {
			break
		}
		l.Swap(i, j)
		j = i
	}
}

// down sinks element i0 toward the leaves until the heap invariant is restored.
func (l list) down(i0, n int) {
	i := i0
	for {
		j1 := 2*i + 1
		if j1 >= n || j1 < 0 { // j1 < 0 after int overflow
			break
		}
		j := j1
		if j2 := j1 + 1; j2 < n && l.Less(j2, j1) {
			j = j2
		}
		if !l.Less(j, i) {
			break
		}
		l.Swap(i, j)
		i = j
	}
}
