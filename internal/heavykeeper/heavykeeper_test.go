package heavykeeper

import (
	"fmt"
	"math"
	"testing"
)

// TestDecayTable verifies the lookup table against math.Pow.
func TestDecayTable(t *testing.T) {
	table := decayTable(0.9)
	for i := 0; i < decayLookupSize; i++ {
		expected := math.Pow(0.9, float64(i))
		actual := float64(table[i]) / float64(math.MaxUint64)
		if math.Abs(expected-actual) > 1e-12 {
			t.Errorf("Decay mismatch at %d: want %v, got %v", i, expected, actual)
		}
	}

	if decayTable(0.9) != table {
		t.Error("decay table for the same decay should be cached")
	}
}

// TestHeavyHitterSurvivesNoise verifies that heavy hitters survive noise.
func TestHeavyHitterSurvivesNoise(t *testing.T) {
	s := New(Config{K: 5, Width: 2048, Depth: 3, Decay: 0.9})

	for i := 0; i < 1000; i++ {
		s.Add("http://hot.example.com/")
	}
	for i := 0; i < 5000; i++ {
		s.Add(fmt.Sprintf("http://cold.example.com/%d", i))
	}

	found, count := s.Query("http://hot.example.com/")
	if !found {
		t.Fatal("heavy hitter was evicted by noise")
	}
	if count < 900 {
		t.Errorf("heavy hitter count decayed too much: got %d, want ~1000", count)
	}

	list := s.List()
	if len(list) == 0 || list[0].Key != "http://hot.example.com/" {
		t.Errorf("List()[0] = %v, want the hot key first", list)
	}
}

func TestListOrderAndBound(t *testing.T) {
	s := New(Config{K: 3})
	weights := map[string]int{"a": 50, "b": 40, "c": 30, "d": 20, "e": 10}
	for key, n := range weights {
		for i := 0; i < n; i++ {
			s.Add(key)
		}
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("len(List()) = %d, want 3", len(list))
	}
	want := []string{"a", "b", "c"}
	for i, e := range list {
		if e.Key != want[i] {
			t.Errorf("List()[%d] = %s(%d), want %s", i, e.Key, e.Count, want[i])
		}
		if i > 0 && e.Count > list[i-1].Count {
			t.Errorf("List() not descending at %d", i)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	s := New(Config{Width: 1000})
	if s.K() != DefaultConfig().K {
		t.Errorf("K() = %d, want %d", s.K(), DefaultConfig().K)
	}
	if s.widthMask != math.MaxUint64 {
		t.Error("non power-of-two width should fall back to modulo")
	}
	if p := New(Config{Width: 1024}); p.widthMask != 1023 {
		t.Errorf("widthMask = %d, want 1023", p.widthMask)
	}
}
