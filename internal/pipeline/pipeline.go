// Package pipeline wires partition, per-shard counting and reduction into one
// run.
//
//	source ──Partition──▶ part-00000 … part-NNNNN
//	                         │ (one worker per shard, bounded by Workers)
//	                         ▼
//	                      part-00000_cnt … part-NNNNN_cnt
//	                         │ (join)
//	                         ▼
//	                      Reduce ──▶ topk-result
//
// Partitioning is a single sequential scan. Counting is embarrassingly
// parallel: shards share nothing, so each worker owns its shard and its
// sidecar. The reducer starts only after every worker has returned.
//
// The first fatal error cancels the remaining workers. Sidecars that were
// already written stay on disk for diagnosis; they are overwritten on rerun.
package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"github.com/JaySon-Huang/url-counter/internal/counter"
	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/reducer"
	"github.com/JaySon-Huang/url-counter/internal/shard"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

// Config describes one end-to-end run.
type Config struct {
	Source      string
	TargetBytes int64

	// K is the size of the global ranking.
	K int

	// ShardK is how many items each shard keeps. 0 selects DefaultShardK(K).
	// Values below K are rejected.
	ShardK int

	// Workers bounds concurrent shard counting. 0 selects runtime.NumCPU().
	Workers int

	Skew       bool
	SkewFactor int
	Seed       uint64
	Rand       *rand.Rand

	Hasher  string
	HotKeys int

	// Resplit re-partitions oversized shards into sub-directories. Counts
	// stay exact because each sub-directory is counted as one shard.
	Resplit bool

	// AllowApproximate must be set to combine Skew with counting.
	AllowApproximate bool

	Logger *slog.Logger
}

// DefaultShardK returns the per-shard capacity used when none is configured:
// twice the global K, which leaves headroom for hand-edited or foreign
// sidecars on top of the K_shard >= K exactness bound.
func DefaultShardK(k int) int { return 2 * k }

func (c *Config) partitionOptions() shard.Options {
	return shard.Options{
		TargetBytes: c.TargetBytes,
		Skew:        c.Skew,
		SkewFactor:  c.SkewFactor,
		Rand:        c.Rand,
		Seed:        c.Seed,
		Hasher:      c.Hasher,
		HotKeys:     c.HotKeys,
		Resplit:     c.Resplit,
		Logger:      c.Logger,
	}
}

// Validate fills defaults and rejects invalid combinations before any I/O.
func (c *Config) Validate() error {
	if c.K < 0 {
		return fault.Config("top-k must not be negative, got %d", c.K)
	}
	if c.ShardK == 0 {
		c.ShardK = DefaultShardK(c.K)
	}
	if c.ShardK < c.K {
		return fault.Config("per-shard top-k %d is smaller than global top-k %d", c.ShardK, c.K)
	}
	if c.Workers < 0 {
		return fault.Config("worker count must not be negative, got %d", c.Workers)
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Skew && !c.AllowApproximate {
		return fault.Config("skew injection breaks exact counting; allow an approximate result to use it")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c.partitionOptions().Validate()
}

// Result is the outcome of Run.
type Result struct {
	Dir        string
	ResultPath string
	Items      []topk.Item
	Exact      bool
	Shards     []counter.Stats
	Manifest   *shard.Manifest
	Skipped    int
}

// Run partitions cfg.Source, counts every shard and reduces the sidecars.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger

	start := time.Now()
	part, err := shard.Partition(ctx, cfg.Source, cfg.partitionOptions())
	if err != nil {
		return nil, err
	}
	logger.Info("partition done", "dir", part.Dir, "shards", len(part.Paths), "duration", time.Since(start))

	start = time.Now()
	stats, err := CountAll(ctx, part.Paths, cfg.ShardK, cfg.Workers, logger)
	if err != nil {
		return nil, err
	}
	truncated := 0
	for _, st := range stats {
		if st.Truncated() {
			truncated++
		}
	}
	logger.Info("count done", "shards", len(stats), "truncated", truncated, "duration", time.Since(start))

	red, err := reducer.Reduce(reducer.Options{
		Dir:          part.Dir,
		K:            cfg.K,
		ShardK:       cfg.ShardK,
		RequireExact: !cfg.AllowApproximate,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	path, err := reducer.WriteResult(part.Dir, red.Items)
	if err != nil {
		return nil, err
	}
	logger.Info("reduce done",
		"candidates", red.Candidates,
		"selected", len(red.Items),
		"exact", red.Exact,
		"result", path)

	return &Result{
		Dir:        part.Dir,
		ResultPath: path,
		Items:      red.Items,
		Exact:      red.Exact,
		Shards:     stats,
		Manifest:   part.Manifest,
		Skipped:    red.Skipped,
	}, nil
}

// CountAll runs counter.CountShard over paths with at most workers shards in
// flight. Results are returned in path order. The first error cancels the
// shards that have not started yet and is returned once all workers exit.
func CountAll(ctx context.Context, paths []string, shardK, workers int, logger *slog.Logger) ([]counter.Stats, error) {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
		limiter  = make(chan struct{}, workers)
		stats    = make([]counter.Stats, len(paths))
	)

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for i, p := range paths {
		select {
		case limiter <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-limiter }()

			st, err := counter.CountShard(ctx, p, shardK, logger)
			if err != nil {
				logger.Error("count shard failed", "shard", p, "error", err)
				fail(err)
				return
			}
			stats[i] = st
		}()
	}

	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return stats, nil
}
