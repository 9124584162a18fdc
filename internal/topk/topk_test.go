package topk

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
)

// TestHeapMinProperty verifies that the root is always the minimum.
func TestHeapMinProperty(t *testing.T) {
	h := make(list, 0)

	h.push(Item{Key: "A", Count: 10})
	h.push(Item{Key: "B", Count: 5})
	h.push(Item{Key: "C", Count: 20})
	h.push(Item{Key: "D", Count: 1})

	if h[0].Key != "D" || h[0].Count != 1 {
		t.Errorf("Expected root to be D(1), got %s(%d)", h[0].Key, h[0].Count)
	}

	h.replaceMin(Item{Key: "E", Count: 50})
	if h[0].Key != "B" || h[0].Count != 5 {
		t.Errorf("After replaceMin, expected root to be B(5), got %s(%d)", h[0].Key, h[0].Count)
	}

	var got []uint64
	for h.Len() > 0 {
		got = append(got, h.pop().Count)
	}
	want := []uint64{5, 10, 20, 50}
	if !slices.Equal(got, want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

// TestSelectorMatchesSort checks that the selector keeps exactly the K largest
// counts of random multisets, i.e. the same counts a full sort would keep.
func TestSelectorMatchesSort(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for trial := 0; trial < 50; trial++ {
		m := 1 + rng.IntN(500)
		items := make([]Item, m)
		for i := range items {
			items[i] = Item{Key: fmt.Sprintf("k%d", i), Count: uint64(rng.IntN(40))}
		}
		k := rng.IntN(m + 1)

		got := Select(items, k)

		sorted := slices.Clone(items)
		slices.SortFunc(sorted, func(a, b Item) int {
			switch {
			case a.Count > b.Count:
				return -1
			case a.Count < b.Count:
				return 1
			}
			return 0
		})

		if len(got) != k {
			t.Fatalf("trial %d: len = %d, want %d", trial, len(got), k)
		}
		for i := range got {
			if got[i].Count != sorted[i].Count {
				t.Fatalf("trial %d: rank %d count = %d, want %d", trial, i, got[i].Count, sorted[i].Count)
			}
		}
		// The minimum retained count is the true K-th largest count.
		if k > 0 && got[k-1].Count != sorted[k-1].Count {
			t.Errorf("trial %d: min retained = %d, want %d", trial, got[k-1].Count, sorted[k-1].Count)
		}
	}
}

func TestSelectorInsert(t *testing.T) {
	s := New(2)

	if !s.Insert(Item{Key: "a", Count: 3}) {
		t.Error("first insert should be retained")
	}
	if !s.Insert(Item{Key: "b", Count: 1}) {
		t.Error("second insert should be retained while not full")
	}
	if !s.Full() {
		t.Error("selector should be full")
	}

	// Equal to the minimum: discarded.
	if s.Insert(Item{Key: "c", Count: 1}) {
		t.Error("count equal to the minimum should be discarded")
	}
	// Strictly greater: replaces the minimum.
	if !s.Insert(Item{Key: "d", Count: 2}) {
		t.Error("count greater than the minimum should be retained")
	}

	min, ok := s.Min()
	if !ok || min.Key != "d" || min.Count != 2 {
		t.Errorf("Min() = %v, %v, want d(2)", min, ok)
	}

	got := s.Drain()
	want := []Item{{"a", 3}, {"d", 2}}
	if !slices.Equal(got, want) {
		t.Errorf("Drain() = %v, want %v", got, want)
	}
	if s.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", s.Len())
	}
}

func TestSelectorBoundaries(t *testing.T) {
	counts := map[string]uint64{"a": 3, "b": 2, "c": 1}

	t.Run("K=0", func(t *testing.T) {
		if got := SelectMap(counts, 0); len(got) != 0 {
			t.Errorf("got %v, want empty", got)
		}
		s := New(0)
		if s.Insert(Item{Key: "a", Count: 100}) {
			t.Error("K=0 selector must not retain anything")
		}
		if _, ok := s.Min(); ok {
			t.Error("Min() on empty selector should report false")
		}
	})

	t.Run("negative K", func(t *testing.T) {
		if s := New(-3); s.Cap() != 0 {
			t.Errorf("Cap() = %d, want 0", s.Cap())
		}
	})

	t.Run("K larger than distinct keys", func(t *testing.T) {
		got := SelectMap(counts, 10)
		want := []Item{{"a", 3}, {"b", 2}, {"c", 1}}
		if !slices.Equal(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})
}

// TestSelectorTies documents that any of the tied items is acceptable.
func TestSelectorTies(t *testing.T) {
	items := []Item{{"x", 5}, {"y", 5}, {"z", 5}, {"w", 9}}
	got := Select(items, 2)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0] != (Item{"w", 9}) {
		t.Errorf("rank 0 = %v, want w(9)", got[0])
	}
	if got[1].Count != 5 {
		t.Errorf("rank 1 count = %d, want 5", got[1].Count)
	}
	switch got[1].Key {
	case "x", "y", "z":
	default:
		t.Errorf("rank 1 key = %q, want one of x, y, z", got[1].Key)
	}
}

func BenchmarkSelectorInsert(b *testing.B) {
	rng := rand.New(rand.NewPCG(7, 7))
	items := make([]Item, 1<<16)
	for i := range items {
		items[i] = Item{Key: fmt.Sprintf("url-%d", i), Count: uint64(rng.IntN(1 << 20))}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := New(100)
		for _, it := range items {
			s.Insert(it)
		}
	}
}
