// Package counter counts one shard exactly and persists its local Top-K.
//
// A shard holds every occurrence of the keys hashed to it, so an in-memory
// map[string]uint64 over the shard gives exact counts in memory bounded by the
// shard's distinct keys. The map is then truncated to the K_shard largest
// entries with a topk.Selector and written as a sidecar file:
//
//	part-00003      ->   part-00003_cnt
//	                     http://a.example.com/,1532
//	                     http://b.example.com/,977
//	                     ...
//
// Sidecar lines are "key,count", descending by count, at most K_shard lines.
//
// A shard that the partitioner re-split is a directory of sub-shards. All of
// them are read into the same map before selection, since a hot key may be
// scattered over several sub-shards:
//
//	part-00007-parted/  ->   part-00007-parted_cnt
//	  part-00000
//	  part-00001
//
// Shards share no state, so CountShard may run concurrently on different
// shards without synchronization.
package counter

import (
	"bufio"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/shard"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

const (
	readBufSize      = 1 << 20
	ctxCheckInterval = 1 << 16
)

// Stats summarizes one counted shard.
type Stats struct {
	Path     string
	Sidecar  string
	Lines    int64
	Distinct int
	Retained int

	// MinRetained is the smallest count written to the sidecar, 0 when empty.
	MinRetained uint64
}

// Truncated reports whether local Top-K selection dropped keys.
func (s Stats) Truncated() bool { return s.Retained < s.Distinct }

// CountFile streams path and returns the exact occurrence count of every
// trimmed line. No line is rejected for its content. When path is a re-split
// shard directory, every file below it is counted into the same map.
func CountFile(ctx context.Context, path string) (map[string]uint64, int64, error) {
	files, err := leafFiles(path)
	if err != nil {
		return nil, 0, err
	}

	counts := make(map[string]uint64)
	var lines int64
	for _, file := range files {
		n, err := countInto(ctx, file, counts)
		lines += n
		if err != nil {
			return nil, lines, err
		}
	}
	return counts, lines, nil
}

// leafFiles returns path itself, or the regular files below it in lexical
// order when path is a directory.
func leafFiles(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fault.IO("open shard", path, err)
	}
	if !st.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fault.IO("walk shard dir", path, err)
	}
	return files, nil
}

func countInto(ctx context.Context, path string, counts map[string]uint64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fault.IO("open shard", path, err)
	}
	defer func() { _ = f.Close() }()
	shard.AdviseSequential(f)

	r := bufio.NewReaderSize(f, readBufSize)
	var lines int64

	for {
		raw, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return lines, fault.IO("read shard", path, readErr)
		}

		if raw != "" {
			lines++
			if lines%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return lines, err
				}
			}
			counts[strings.TrimSpace(raw)]++
		}

		if readErr == io.EOF {
			return lines, nil
		}
	}
}

// CountShard counts path, keeps its k most frequent keys and writes them to
// SidecarPath(path) in descending count order.
func CountShard(ctx context.Context, path string, k int, logger *slog.Logger) (Stats, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	counts, lines, err := CountFile(ctx, path)
	if err != nil {
		return Stats{}, err
	}

	items := topk.SelectMap(counts, k)
	st := Stats{
		Path:     path,
		Sidecar:  SidecarPath(path),
		Lines:    lines,
		Distinct: len(counts),
		Retained: len(items),
	}
	if len(items) > 0 {
		st.MinRetained = items[len(items)-1].Count
	}

	if err := writeSidecarFile(st.Sidecar, items); err != nil {
		return st, err
	}

	logger.Debug("counted shard",
		"shard", path,
		"lines", st.Lines,
		"distinct", st.Distinct,
		"retained", st.Retained,
		"min_retained", st.MinRetained)
	return st, nil
}
