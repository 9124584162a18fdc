// Package heavykeeper estimates the heaviest keys of a stream in fixed memory.
//
// The partitioner feeds every line into a Sketch so it can report which keys
// are responsible for an oversized shard. Exact counting happens later, per
// shard; the sketch only has to be good enough to name the hot keys.
//
// HeavyKeeper keeps a Depth x Width array of (fingerprint, count) buckets. An
// arriving key hashes to one bucket per row:
//
//   - empty bucket: claim it with count 1
//   - same fingerprint: increment
//   - different fingerprint: decrement with probability decay^count, and
//     claim the bucket when the count reaches zero
//
// Large counts almost never decay, so heavy hitters hold their buckets while
// the long tail of "mice" keeps evicting each other. The maximum bucket count
// seen for a key is its estimate, and a small min-heap of K entries tracks the
// current heavy hitters.
package heavykeeper

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// decayLookupSize covers counts 0-255 with O(1) lookup.
const decayLookupSize = 256

var (
	// globalSeed is an atomic counter for RNG seeding, avoiding time.Now() syscall.
	globalSeed uint64 = 1

	// decayTableCache caches decay tables keyed by math.Float64bits(decay).
	decayTableCache sync.Map
)

// Config holds initialization parameters.
type Config struct {
	K     int
	Width int
	Depth int
	Decay float64
}

// DefaultConfig returns K=10, width=2048, depth=5, decay=0.9.
func DefaultConfig() Config {
	return Config{K: 10, Width: 2048, Depth: 5, Decay: 0.9}
}

// Entry is an estimated heavy hitter.
type Entry struct {
	Key         string
	Count       uint64
	Fingerprint uint64
}

type bucket struct {
	fp    uint64
	count uint64
}

// Sketch is a HeavyKeeper instance. It is not safe for concurrent use.
type Sketch struct {
	k       int
	width   uint64
	depth   uint64
	buckets []bucket
	heap    entries

	// widthMask is width-1 when width is a power of two, MaxUint64 otherwise.
	widthMask uint64

	decayThresholds *[decayLookupSize]uint64
	decay           float64
	rngState        uint64
}

// New creates a Sketch. Zero fields fall back to DefaultConfig.
func New(cfg Config) *Sketch {
	def := DefaultConfig()
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Depth <= 0 {
		cfg.Depth = def.Depth
	}
	if cfg.Decay <= 0 || cfg.Decay >= 1 {
		cfg.Decay = def.Decay
	}

	s := &Sketch{
		k:        cfg.K,
		width:    uint64(cfg.Width),
		depth:    uint64(cfg.Depth),
		buckets:  make([]bucket, cfg.Width*cfg.Depth),
		heap:     make(entries, 0, cfg.K),
		decay:    cfg.Decay,
		rngState: atomic.AddUint64(&globalSeed, 1),
	}

	if s.width&(s.width-1) == 0 {
		s.widthMask = s.width - 1
	} else {
		s.widthMask = math.MaxUint64
	}
	s.decayThresholds = decayTable(cfg.Decay)
	return s
}

func decayTable(decay float64) *[decayLookupSize]uint64 {
	bits := math.Float64bits(decay)
	if cached, ok := decayTableCache.Load(bits); ok {
		return cached.(*[decayLookupSize]uint64)
	}

	table := &[decayLookupSize]uint64{}
	for i := range table {
		prob := math.Pow(decay, float64(i))
		if prob >= 1.0 {
			table[i] = math.MaxUint64
		} else {
			table[i] = uint64(prob * float64(math.MaxUint64))
		}
	}
	actual, _ := decayTableCache.LoadOrStore(bits, table)
	return actual.(*[decayLookupSize]uint64)
}

// shouldDecay steps a Xorshift64 generator and compares against decay^count.
func (s *Sketch) shouldDecay(count uint64) bool {
	x := s.rngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	s.rngState = x

	if count < decayLookupSize {
		return x < s.decayThresholds[count]
	}
	return x < uint64(math.Pow(s.decay, float64(count))*float64(math.MaxUint64))
}

// Add records one occurrence of key.
func (s *Sketch) Add(key string) {
	h := xxhash.Sum64String(key)
	var est uint64

	for d := uint64(0); d < s.depth; d++ {
		hashed := mix(h ^ d)
		var idx uint64
		if s.widthMask != math.MaxUint64 {
			idx = hashed & s.widthMask
		} else {
			idx = hashed % s.width
		}
		b := &s.buckets[d*s.width+idx]

		switch {
		case b.count == 0:
			b.fp, b.count = h, 1
		case b.fp == h:
			b.count++
		case s.shouldDecay(b.count):
			b.count--
			if b.count == 0 {
				b.fp, b.count = h, 1
			}
		}
		if b.fp == h && b.count > est {
			est = b.count
		}
	}

	if est > 0 {
		s.offer(key, est, h)
	}
}

// offer updates the heavy-hitter heap with a fresh estimate for key.
func (s *Sketch) offer(key string, count, fp uint64) {
	if i, ok := s.heap.find(key); ok {
		if count > s.heap[i].Count {
			s.heap[i].Count = count
			s.heap.fix(i)
		}
		return
	}
	if len(s.heap) < s.k {
		s.heap.push(Entry{Key: key, Count: count, Fingerprint: fp})
		return
	}
	if count > s.heap[0].Count {
		s.heap[0] = Entry{Key: key, Count: count, Fingerprint: fp}
		s.heap.fix(0)
	}
}

// Query reports whether key is a tracked heavy hitter and its estimate.
func (s *Sketch) Query(key string) (bool, uint64) {
	if i, ok := s.heap.find(key); ok {
		return true, s.heap[i].Count
	}
	return false, 0
}

// List returns the tracked heavy hitters sorted by estimate, descending.
func (s *Sketch) List() []Entry {
	out := slices.Clone(s.heap)
	slices.SortFunc(out, func(a, b Entry) int {
		switch {
		case a.Count > b.Count:
			return -1
		case a.Count < b.Count:
			return 1
		}
		return 0
	})
	return out
}

// K returns the number of heavy hitters tracked.
func (s *Sketch) K() int { return s.k }

// mix applies SplitMix64 to decorrelate hash bits for independent bucket indices.
func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
