package shard

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"

	"github.com/JaySon-Huang/url-counter/internal/fault"
)

// Hasher names accepted by Options.Hasher.
const (
	HashXXHash = "xxhash"
	HashXXH3   = "xxh3"
)

// maxSkewFactor keeps the skew prefix within 'a'..'z'.
const maxSkewFactor = 26

var hashers = map[string]func([]byte) uint64{
	HashXXHash: xxhash.Sum64,
	HashXXH3:   xxh3.Hash,
}

// Hashers returns the supported hasher names, sorted.
func Hashers() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupHasher(name string) (func([]byte) uint64, error) {
	if name == "" {
		name = HashXXHash
	}
	fn, ok := hashers[name]
	if !ok {
		return nil, fault.Config("unknown hasher %q (want one of %v)", name, Hashers())
	}
	return fn, nil
}

// fold32 reduces a 64-bit hash to 32 bits, keeping entropy from both halves.
func fold32(h uint64) uint32 {
	return uint32(h) ^ uint32(h>>32)
}

// Index returns the shard of line among n shards using the named hasher.
// It is the pure function behind deterministic (non-skewed) partitioning.
func Index(hasher string, line string, n int) (int, error) {
	fn, err := lookupHasher(hasher)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fault.Config("shard count must be positive, got %d", n)
	}
	return int(fold32(fn([]byte(line))) % uint32(n)), nil
}
