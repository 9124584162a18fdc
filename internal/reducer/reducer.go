// Package reducer merges per-shard sidecars into the global Top-K.
//
// Every sidecar is already a local Top-K_shard list. The reducer parses all of
// them, sums the full union of their items by key (not only each shard's best
// item), re-selects the K largest with a fresh topk.Selector and drains it in
// descending order. The union holds at most N x K_shard items, so this stage
// runs single threaded after every shard worker has finished.
//
// Exactness
// =========
//
// Without skew a key lives in exactly one shard, so its sidecar count is its
// global count. A key of the true global Top-K can only be missing from its
// shard's sidecar if that shard kept K_shard keys at least as frequent. With
// K_shard >= K those keys already fill the global Top-K, so the answer is
// exact up to the order of ties. The reducer therefore reports Exact when the
// partition manifest shows no skew and the caller confirms K_shard >= K.
// Re-split shards keep the property because their sub-shards share one
// sidecar.
//
// With skew a key's count is split over several shards and the per-shard
// truncation may drop its parts; the result is only an approximation.
// Options.RequireExact turns that combination into a configuration error.
package reducer

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JaySon-Huang/url-counter/internal/counter"
	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/shard"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

// ResultName is the global ranking file written by WriteResult. It does not
// match the sidecar pattern, so a rerun never reads it back as a shard.
const ResultName = "topk-result"

// Options configures a reduction.
type Options struct {
	Dir string
	K   int

	// ShardK is the K_shard the sidecars were produced with; 0 if unknown.
	ShardK int

	// RequireExact fails with fault.ErrConfig when the manifest records skew.
	RequireExact bool

	Logger *slog.Logger
}

// Result is the global ranking and how it was obtained.
type Result struct {
	Items      []topk.Item // descending by count
	Sidecars   int
	Candidates int // items read from all sidecars
	Skipped    int // malformed sidecar lines
	Split      int // sidecar items whose key was already seen in another sidecar
	Exact      bool
	Manifest   *shard.Manifest // nil when the directory has none
}

// Sidecars lists the sidecar files of dir in name order.
func Sidecars(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault.IO("read dir", dir, err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, shard.FilePrefix) || !strings.HasSuffix(name, counter.SidecarSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}

// Reduce computes the global Top-K of opts.Dir.
func Reduce(opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	paths, err := Sidecars(opts.Dir)
	if err != nil {
		return nil, err
	}

	m, err := shard.ReadManifest(opts.Dir)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("partition directory has no manifest, exactness cannot be verified", "dir", opts.Dir)
		m = nil
	default:
		return nil, err
	}

	if m != nil && m.Skew && opts.RequireExact {
		return nil, fault.Config("exact reduction requested over skew-injected partition %s", opts.Dir)
	}

	res := &Result{
		Sidecars: len(paths),
		Manifest: m,
		Exact:    m != nil && !m.Skew && opts.ShardK >= opts.K,
	}

	// Keys are disjoint across sidecars unless skew scattered them; summing
	// by key first keeps a scattered key from occupying several ranks.
	union := make(map[string]uint64)
	for _, p := range paths {
		items, skipped, err := counter.ReadSidecarFile(p, logger)
		if err != nil {
			return nil, err
		}
		res.Candidates += len(items)
		res.Skipped += skipped
		for _, it := range items {
			if _, seen := union[it.Key]; seen {
				res.Split++
			}
			union[it.Key] += it.Count
		}
		logger.Debug("merged sidecar", "path", p, "items", len(items))
	}
	if res.Split > 0 && (m == nil || !m.Skew) {
		logger.Warn("keys found in more than one sidecar without skew", "dir", opts.Dir, "count", res.Split)
		res.Exact = false
	}

	res.Items = topk.SelectMap(union, opts.K)

	if !res.Exact {
		logger.Warn("global top-k is an approximation",
			"dir", opts.Dir,
			"k", opts.K,
			"shard_k", opts.ShardK,
			"skew", m != nil && m.Skew)
	}
	return res, nil
}

// WriteResult stores items as "key,count" lines in dir/ResultName.
func WriteResult(dir string, items []topk.Item) (string, error) {
	path := filepath.Join(dir, ResultName)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fault.IO("create result", tmp, err)
	}
	if err := counter.WriteSidecar(f, items); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fault.IO("write result", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fault.IO("close result", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fault.IO("rename result", path, err)
	}
	return path, nil
}
