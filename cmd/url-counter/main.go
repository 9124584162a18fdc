// url-counter finds the most frequent lines (typically URLs) of a file that may
// be far larger than memory.
//
// The file is hash-partitioned into shards of roughly split-size MB, each shard
// is counted exactly and truncated to its local Top-K, and the per-shard
// results are merged into the global Top-K.
//
// Usage Examples
// ==============
//
// Top 100 URLs, 512MB shards:
//
//	url-counter urls.txt 512 100
//
// Keep more candidates per shard and count with 16 workers:
//
//	url-counter -shard-k 1000 -workers 16 urls.txt 512 100
//
// Split shards that one hot URL made oversized (result stays exact):
//
//	url-counter -resplit urls.txt 512 100
//
// Load-test shard balance with skew injection (approximate result):
//
//	url-counter -skew -skew-factor 10 -seed 42 -approx urls.txt 64 10
//
// Output
// ======
//
// The ranking is printed to stdout as "rank\tcount\turl" with ranks starting
// at 1, and written to <source>-parted/topk-result as "url,count" lines.
// Diagnostics go to stderr.
//
// Exit Codes
// ==========
//
// 0: Success.
// 1: Usage error, invalid configuration or I/O failure.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/pipeline"
	"github.com/JaySon-Huang/url-counter/internal/shard"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

const usageLine = "Usage: url-counter [flags] <source-file> <split-size-mb> <ntop>"

type config struct {
	source     string
	splitMB    int64
	ntop       int
	shardK     int
	workers    int
	skew       bool
	skewFactor int
	seed       uint64
	approx     bool
	hasher     string
	hotKeys    int
	resplit    bool
	verbose    bool
}

type application struct {
	config config
	logger *slog.Logger
	stdout io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "%v\n", err)
		}
		fmt.Fprintln(stderr, usageLine)
		return 1
	}

	level := slog.LevelInfo
	if cfg.verbose {
		level = slog.LevelDebug
	}

	app := &application{
		config: cfg,
		logger: slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})),
		stdout: stdout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.count(ctx); err != nil {
		app.logger.Error("url-counter failed", "error", err)
		return 1
	}
	return 0
}

// parseArgs reads flags followed by the three positional arguments.
func parseArgs(args []string, stderr io.Writer) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("url-counter", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&cfg.shardK, "shard-k", 0, "Items kept per shard (0 for 2*ntop, must be >= ntop)")
	fs.IntVar(&cfg.workers, "workers", 0, "Shards counted concurrently (0 for one per CPU)")
	fs.BoolVar(&cfg.skew, "skew", false, "Inject a random hash prefix to spread hot keys (load testing only)")
	fs.IntVar(&cfg.skewFactor, "skew-factor", 10, "Number of distinct skew prefixes, 1-26")
	fs.Uint64Var(&cfg.seed, "seed", 0, "Skew generator seed (0 for random)")
	fs.BoolVar(&cfg.approx, "approx", false, "Accept an approximate ranking (required with -skew)")
	fs.StringVar(&cfg.hasher, "hash", shard.HashXXHash, "Partition hash: "+strings.Join(shard.Hashers(), ", "))
	fs.IntVar(&cfg.hotKeys, "hot-keys", 10, "Heavy hitters to estimate while partitioning (0 to disable)")
	fs.BoolVar(&cfg.resplit, "resplit", false, "Re-split shards larger than split-size using the skew prefix (counts stay exact)")
	fs.BoolVar(&cfg.verbose, "v", false, "Verbose (debug) logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	pos := fs.Args()
	if len(pos) < 3 {
		return cfg, fault.Parse("parse arguments", "", 0, fmt.Errorf("expected 3 arguments, got %d", len(pos)))
	}

	cfg.source = pos[0]

	mb, err := strconv.ParseInt(pos[1], 10, 64)
	if err != nil || mb <= 0 {
		return cfg, fault.Parse("parse split-size-mb", "", 0, fmt.Errorf("invalid value %q", pos[1]))
	}
	cfg.splitMB = mb

	ntop, err := strconv.Atoi(pos[2])
	if err != nil || ntop < 0 {
		return cfg, fault.Parse("parse ntop", "", 0, fmt.Errorf("invalid value %q", pos[2]))
	}
	cfg.ntop = ntop

	return cfg, nil
}

func (app *application) count(ctx context.Context) error {
	cfg := app.config

	res, err := pipeline.Run(ctx, pipeline.Config{
		Source:           cfg.source,
		TargetBytes:      cfg.splitMB << 20,
		K:                cfg.ntop,
		ShardK:           cfg.shardK,
		Workers:          cfg.workers,
		Skew:             cfg.skew,
		SkewFactor:       cfg.skewFactor,
		Seed:             cfg.seed,
		Hasher:           cfg.hasher,
		HotKeys:          cfg.hotKeys,
		Resplit:          cfg.resplit,
		AllowApproximate: cfg.approx,
		Logger:           app.logger,
	})
	if err != nil {
		return err
	}

	if !res.Exact {
		app.logger.Warn("ranking is approximate", "dir", res.Dir)
	}
	return printRanking(app.stdout, res.Items)
}

// printRanking writes the ranking as a tab separated table.
func printRanking(w io.Writer, items []topk.Item) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "rank\tcount\turl\n")
	fmt.Fprintf(bw, "====================\n")
	for i, it := range items {
		fmt.Fprintf(bw, "%d\t%d\t%s\n", i+1, it.Count, it.Key)
	}
	return bw.Flush()
}
