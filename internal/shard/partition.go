// Package shard hash-partitions a line-oriented source file into N shard files.
//
// Every line is trimmed, hashed with a fast non-cryptographic hash
// and appended to shard hash mod N. Because the hash is a pure function of the
// line, every occurrence of a key lands in the same shard, and the shards can
// be counted independently and in parallel.
//
// Directory Layout
// ================
//
//	<source>-parted/
//	  part-00000        raw lines, one per line
//	  part-00001
//	  ...
//	  MANIFEST          how this directory was produced (see manifest.go)
//
// The counter later adds a part-NNNNN_cnt sidecar next to each shard and the
// reducer writes topk-result.
//
// Skew Injection
// ==============
//
// For load-balance testing, Options.Skew prefixes the hash input with a random
// byte 'a'+r, r uniform in [0, SkewFactor). This scatters a hot key over up to
// SkewFactor shards, which is exactly what breaks exact per-key counting: the
// same key now has partial counts in several shards, and the per-shard Top-K
// truncation can drop them. Skewed partitions are recorded as such in the
// manifest so the reducer can refuse an exact reduction over them.
//
// The random source is owned by the caller (Options.Rand) or created from
// Options.Seed, never taken from process-wide state, so skewed runs replay.
//
// Re-splitting
// ============
//
// A shard can outgrow TargetBytes when one key dominates it. With
// Options.Resplit every such shard is partitioned again into its own
// sub-directory, this time with the random prefix, and the parent file is
// removed:
//
//	<source>-parted/
//	  part-00003-parted/
//	    part-00000
//	    part-00001
//
// A hot key is scattered over the sub-shards, but every sub-shard still holds
// only keys of the parent shard. The counter reads the whole sub-directory
// into one map, so per-key counts stay exact.
package shard

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/heavykeeper"
)

const (
	// DirSuffix is appended to the source path to name the partition directory.
	DirSuffix = "-parted"

	// FilePrefix starts every shard file name.
	FilePrefix = "part-"

	readBufSize = 1 << 20

	// ctxCheckInterval is how many lines pass between cancellation checks.
	ctxCheckInterval = 1 << 16

	// progressInterval is how many lines pass between debug progress logs.
	progressInterval = 1 << 22
)

// Options configures a partition run.
type Options struct {
	// TargetBytes is the desired shard size. N = ceil(source size / TargetBytes).
	TargetBytes int64

	Skew       bool
	SkewFactor int        // in [0, 26]; must be positive when Skew or Resplit is set
	Rand       *rand.Rand // skew generator; built from Seed when nil
	Seed       uint64     // seed for Rand when nil; 0 picks a random seed

	// Hasher is HashXXHash (default) or HashXXH3.
	Hasher string

	// HotKeys is how many heavy hitters to estimate and record. 0 disables.
	HotKeys int

	// Resplit re-partitions shards larger than TargetBytes into a
	// sub-directory using the skew prefix.
	Resplit bool

	Logger *slog.Logger
}

// Validate checks option combinations that must fail before any I/O.
func (o Options) Validate() error {
	if o.TargetBytes <= 0 {
		return fault.Config("target shard size must be positive, got %d bytes", o.TargetBytes)
	}
	if o.SkewFactor < 0 || o.SkewFactor > maxSkewFactor {
		return fault.Config("skew factor %d out of range [0, %d]", o.SkewFactor, maxSkewFactor)
	}
	if o.Skew && o.SkewFactor == 0 {
		return fault.Config("skew injection needs a positive skew factor")
	}
	if o.Resplit && o.SkewFactor == 0 {
		return fault.Config("re-splitting skewed shards needs a positive skew factor")
	}
	if o.HotKeys < 0 {
		return fault.Config("hot key count must not be negative, got %d", o.HotKeys)
	}
	if _, err := lookupHasher(o.Hasher); err != nil {
		return err
	}
	return nil
}

// Result describes a finished partition run.
type Result struct {
	Dir      string
	Paths    []string // shard paths in index order; a re-split shard is its directory
	Manifest *Manifest
}

// DirFor returns the partition directory of source.
func DirFor(source string) string { return source + DirSuffix }

// FileName returns the shard file name for index i.
func FileName(i int) string { return fmt.Sprintf("%s%05d", FilePrefix, i) }

// SplitDirFor returns the directory an oversized shard is re-split into.
func SplitDirFor(shardPath string) string { return shardPath + DirSuffix }

// Count returns ceil(size / target). An empty source has no shards.
func Count(size, target int64) int {
	if size <= 0 || target <= 0 {
		return 0
	}
	return int((size + target - 1) / target)
}

// Partition splits source into shard files under DirFor(source). Any prior
// contents of that directory are destroyed.
func Partition(ctx context.Context, source string, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	hashFn, _ := lookupHasher(opts.Hasher)
	if opts.Hasher == "" {
		opts.Hasher = HashXXHash
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rng := opts.Rand
	if (opts.Skew || opts.Resplit) && rng == nil {
		if opts.Seed == 0 {
			opts.Seed = rand.Uint64()
		}
		rng = rand.New(rand.NewPCG(opts.Seed, opts.Seed))
		logger.Info("random prefix enabled",
			"skew", opts.Skew,
			"resplit", opts.Resplit,
			"factor", opts.SkewFactor,
			"seed", opts.Seed)
	}

	st, err := os.Stat(source)
	if err != nil {
		return nil, fault.IO("stat", source, err)
	}
	size := st.Size()
	n := Count(size, opts.TargetBytes)
	dir := DirFor(source)

	logger.Info("partitioning source",
		"source", source,
		"bytes", size,
		"shards", n,
		"target_bytes", opts.TargetBytes)

	if err := os.RemoveAll(dir); err != nil {
		return nil, fault.IO("remove dir", dir, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fault.IO("create dir", dir, err)
	}

	// Shards hold roughly the source minus whitespace, so the source size is
	// the amount of free space we need.
	if avail, ok := freeBytes(dir); ok && avail < uint64(size) {
		return nil, fault.IO("check free space", dir,
			fmt.Errorf("need %d bytes, %d available", size, avail))
	}

	writers, err := openWriters(dir, n)
	if err != nil {
		return nil, err
	}
	paths := make([]string, n)
	for i, w := range writers {
		paths[i] = w.path
	}

	var sketch *heavykeeper.Sketch
	if opts.HotKeys > 0 {
		sketch = heavykeeper.New(heavykeeper.Config{K: opts.HotKeys})
	}

	skipped, err := scan(ctx, source, func(line string, scratch []byte) ([]byte, error) {
		if n == 0 {
			return scratch, nil
		}

		scratch = scratch[:0]
		if opts.Skew {
			scratch = append(scratch, 'a'+byte(rng.IntN(opts.SkewFactor)))
		}
		scratch = append(scratch, line...)
		idx := fold32(hashFn(scratch)) % uint32(n)

		if err := writers[idx].appendLine(line); err != nil {
			return scratch, fault.IO("write shard", writers[idx].path, err)
		}
		if sketch != nil {
			sketch.Add(line)
		}
		return scratch, nil
	}, logger)
	if err != nil {
		_ = closeWriters(writers)
		return nil, err
	}
	if err := closeWriters(writers); err != nil {
		return nil, err
	}
	if skipped > 0 {
		logger.Warn("skipped undecodable lines", "source", source, "count", skipped)
	}

	m := &Manifest{
		Source:       source,
		SourceSize:   size,
		TargetBytes:  opts.TargetBytes,
		Hasher:       opts.Hasher,
		Skew:         opts.Skew,
		SkewFactor:   opts.SkewFactor,
		Seed:         opts.Seed,
		SkippedLines: skipped,
		Shards:       make([]Info, n),
	}
	for i, w := range writers {
		m.Shards[i] = Info{Index: i, Bytes: w.bytes, Lines: w.lines}
	}
	if sketch != nil {
		for _, e := range sketch.List() {
			hk := HotKey{Key: e.Key, Estimate: e.Count, Shard: -1}
			if !opts.Skew {
				hk.Shard = int(fold32(hashFn([]byte(e.Key))) % uint32(n))
			}
			m.HotKeys = append(m.HotKeys, hk)
		}
	}

	reportSkew(logger, m)

	if opts.Resplit {
		for i := range m.Shards {
			info := &m.Shards[i]
			if info.Bytes <= opts.TargetBytes {
				continue
			}
			sub, parts, err := resplit(ctx, paths[i], info.Bytes, opts, hashFn, rng, logger)
			if err != nil {
				return nil, err
			}
			paths[i] = sub
			info.Split = parts
		}
	}

	if err := WriteManifest(dir, m); err != nil {
		return nil, err
	}

	return &Result{Dir: dir, Paths: paths, Manifest: m}, nil
}

// openWriters creates n empty shard files in dir.
func openWriters(dir string, n int) ([]*shardWriter, error) {
	writers := make([]*shardWriter, 0, n)
	for i := 0; i < n; i++ {
		path := filepath.Join(dir, FileName(i))
		w, err := newShardWriter(path)
		if err != nil {
			_ = closeWriters(writers)
			return nil, fault.IO("create shard", path, err)
		}
		writers = append(writers, w)
	}
	return writers, nil
}

// closeWriters closes every writer and returns the first failure.
func closeWriters(writers []*shardWriter) error {
	var first error
	for _, w := range writers {
		if err := w.close(); err != nil && first == nil {
			first = fault.IO("close shard", w.path, err)
		}
	}
	return first
}

// resplit partitions the oversized shard at path into SplitDirFor(path),
// prefixing each hash input with a random byte, and removes the parent file.
// It returns the sub-directory and the number of sub-shards.
func resplit(ctx context.Context, path string, size int64, opts Options, hashFn func([]byte) uint64, rng *rand.Rand, logger *slog.Logger) (string, int, error) {
	dir := SplitDirFor(path)
	n := Count(size, opts.TargetBytes)

	if err := os.RemoveAll(dir); err != nil {
		return "", 0, fault.IO("remove dir", dir, err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return "", 0, fault.IO("create dir", dir, err)
	}

	writers, err := openWriters(dir, n)
	if err != nil {
		return "", 0, err
	}

	_, err = scan(ctx, path, func(line string, scratch []byte) ([]byte, error) {
		scratch = append(scratch[:0], 'a'+byte(rng.IntN(opts.SkewFactor)))
		scratch = append(scratch, line...)
		w := writers[fold32(hashFn(scratch))%uint32(n)]
		if err := w.appendLine(line); err != nil {
			return scratch, fault.IO("write shard", w.path, err)
		}
		return scratch, nil
	}, logger)
	if err != nil {
		_ = closeWriters(writers)
		return "", 0, err
	}
	if err := closeWriters(writers); err != nil {
		return "", 0, err
	}
	if err := os.Remove(path); err != nil {
		return "", 0, fault.IO("remove shard", path, err)
	}

	for _, w := range writers {
		if w.bytes > opts.TargetBytes {
			logger.Warn("sub-shard still oversized", "shard", w.path, "bytes", w.bytes)
		}
	}
	logger.Info("re-split skewed shard", "shard", path, "bytes", size, "sub_shards", n)
	return dir, n, nil
}

// scan streams source line by line, handing every trimmed, valid UTF-8 line to
// fn. A line that is empty after trimming is the empty key and is kept. It
// returns the number of lines skipped for invalid UTF-8.
// The scratch slice is threaded through fn so hashing can reuse one buffer.
func scan(ctx context.Context, source string, fn func(line string, scratch []byte) ([]byte, error), logger *slog.Logger) (int64, error) {
	f, err := os.Open(source)
	if err != nil {
		return 0, fault.IO("open", source, err)
	}
	defer func() { _ = f.Close() }()
	AdviseSequential(f)

	r := bufio.NewReaderSize(f, readBufSize)
	scratch := make([]byte, 0, 256)
	var lineNo, skipped int64

	for {
		raw, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return skipped, fault.IO("read", source, readErr)
		}

		if len(raw) > 0 {
			lineNo++
			if lineNo%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return skipped, err
				}
			}
			if lineNo%progressInterval == 0 {
				logger.Debug("partition progress", "source", source, "lines", lineNo)
			}

			line := strings.TrimSpace(raw)
			if !utf8.ValidString(line) {
				skipped++
			} else if scratch, err = fn(line, scratch); err != nil {
				return skipped, err
			}
		}

		if readErr == io.EOF {
			return skipped, nil
		}
	}
}

// reportSkew warns about shards larger than the target size and names the hot
// keys that landed in them.
func reportSkew(logger *slog.Logger, m *Manifest) {
	for _, s := range m.Shards {
		if s.Bytes <= m.TargetBytes {
			continue
		}
		var hot []string
		for _, hk := range m.HotKeys {
			if hk.Shard == s.Index {
				hot = append(hot, fmt.Sprintf("%s(~%d)", hk.Key, hk.Estimate))
			}
		}
		logger.Warn("skewed shard",
			"shard", FileName(s.Index),
			"bytes", s.Bytes,
			"target_bytes", m.TargetBytes,
			"hot_keys", strings.Join(hot, ","))
	}
}
