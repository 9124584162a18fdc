// parted-check is a diagnostic tool for inspecting and validating a partition
// directory produced by url-counter. It verifies the manifest checksum, the
// shard files against the sizes the manifest recorded, and every sidecar,
// without loading a whole shard into memory.
//
// This tool is the first line of defense when a ranking looks wrong. It can
// answer questions like:
//
//   - Was the directory produced with skew injection?
//   - Did a shard get truncated or modified after partitioning?
//   - Are the sidecars well formed and sorted?
//   - Which keys made a shard oversized, and was it re-split?
//
// Usage Examples
// ==============
//
// Basic validation (manifest, shard sizes, sidecars):
//
//	parted-check -dir urls.txt-parted
//
// Verbose mode (per-shard details and hot keys):
//
//	parted-check -dir urls.txt-parted -v
//
// Deep mode (re-hash every shard line and confirm it belongs to its shard):
//
//	parted-check -dir urls.txt-parted -deep
//
// Exit Codes
// ==========
//
// 0: The directory is valid.
// 1: The directory is corrupted or unreadable.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JaySon-Huang/url-counter/internal/counter"
	"github.com/JaySon-Huang/url-counter/internal/reducer"
	"github.com/JaySon-Huang/url-counter/internal/shard"
)

// sidecarReport summarizes one sidecar file.
type sidecarReport struct {
	Lines    int
	MaxCount uint64
	MinCount uint64
}

func main() {
	dir := flag.String("dir", "", "Partition directory (<source>-parted)")
	verbose := flag.Bool("v", false, "Verbose mode (print shards and hot keys)")
	deep := flag.Bool("deep", false, "Re-hash every shard line (slow, unskewed directories only)")
	shardK := flag.Int("shard-k", 0, "Maximum expected sidecar lines (0 to skip the check)")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: parted-check -dir <source>-parted [-v] [-deep] [-shard-k N]")
		os.Exit(1)
	}

	start := time.Now()
	fmt.Printf("Checking partition directory %s\n", *dir)

	m, err := shard.ReadManifest(*dir)
	if err != nil {
		die("Cannot read manifest", err)
	}
	fmt.Printf("Manifest OK: source %s (%d bytes), %d shards of ~%d bytes, hasher %s\n",
		m.Source, m.SourceSize, len(m.Shards), m.TargetBytes, m.Hasher)
	if m.Skew {
		fmt.Printf("  Skew injection: factor %d, seed %d (counts are approximate)\n", m.SkewFactor, m.Seed)
	}
	if m.SkippedLines > 0 {
		fmt.Printf("  Skipped %d undecodable source lines\n", m.SkippedLines)
	}

	if *deep && m.Skew {
		fmt.Println("[warn] -deep ignored: skewed shards do not follow the hash")
		*deep = false
	}

	var totalLines int64
	sidecars, resplit := 0, 0
	for _, info := range m.Shards {
		path := filepath.Join(*dir, info.Name())
		if err := checkShard(path, info, m.Hasher, len(m.Shards), *deep); err != nil {
			die(fmt.Sprintf("Shard %s", info.Name()), err)
		}
		totalLines += info.Lines

		line := fmt.Sprintf("  %s: %d bytes, %d lines", info.Name(), info.Bytes, info.Lines)
		switch {
		case info.Split > 0:
			line += fmt.Sprintf(" [re-split into %d]", info.Split)
			resplit++
		case info.Bytes > m.TargetBytes:
			line += " [oversized]"
		}

		rep, err := checkSidecarFile(counter.SidecarPath(path), *shardK)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			line += ", no sidecar"
		case err != nil:
			die(fmt.Sprintf("Sidecar of %s", info.Name()), err)
		default:
			sidecars++
			line += fmt.Sprintf(", sidecar %d items (%d..%d)", rep.Lines, rep.MaxCount, rep.MinCount)
		}

		if *verbose {
			fmt.Println(line)
		}
	}

	if len(m.HotKeys) > 0 && *verbose {
		fmt.Println("Hot keys (estimated while partitioning):")
		for _, hk := range m.HotKeys {
			where := "scattered"
			if hk.Shard >= 0 && hk.Shard < len(m.Shards) {
				where = m.Shards[hk.Shard].Name()
			}
			fmt.Printf("  ~%d\t%s\t%s\n", hk.Estimate, where, hk.Key)
		}
	}

	resultPath := filepath.Join(*dir, reducer.ResultName)
	rep, err := checkSidecarFile(resultPath, 0)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Println("No global result yet")
	case err != nil:
		die("Global result", err)
	default:
		fmt.Printf("Global result OK: %d items\n", rep.Lines)
	}

	fmt.Println("\nSummary:")
	fmt.Printf("  Process Time: %v\n", time.Since(start))
	fmt.Printf("  Shards:       %d (%d re-split)\n", len(m.Shards), resplit)
	fmt.Printf("  Lines:        %d\n", totalLines)
	fmt.Printf("  Sidecars:     %d\n", sidecars)
}

// checkShard compares a shard with its manifest record. A re-split shard is a
// directory whose sub-shards must match the recorded count and, together, the
// recorded size. With deep set every line is re-hashed and must belong to this
// shard; the random prefix of a re-split only moves lines between sub-shards.
func checkShard(path string, info shard.Info, hasher string, shards int, deep bool) error {
	files := []string{path}
	if info.Split > 0 {
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		if len(entries) != info.Split {
			return fmt.Errorf("%d sub-shards, manifest says %d", len(entries), info.Split)
		}
		files = files[:0]
		for _, e := range entries {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}

	var size, lines int64
	for _, file := range files {
		st, err := os.Stat(file)
		if err != nil {
			return err
		}
		size += st.Size()

		if deep {
			n, err := checkLines(file, info.Index, hasher, shards)
			if err != nil {
				return err
			}
			lines += n
		}
	}

	if size != info.Bytes {
		return fmt.Errorf("size %d, manifest says %d", size, info.Bytes)
	}
	if deep && lines != info.Lines {
		return fmt.Errorf("%d lines, manifest says %d", lines, info.Lines)
	}
	return nil
}

// checkLines streams one shard file and confirms every line hashes to index.
func checkLines(path string, index int, hasher string, shards int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	shard.AdviseSequential(f)

	r := bufio.NewReader(f)
	var lines int64
	for {
		raw, readErr := r.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return lines, readErr
		}
		if raw != "" {
			lines++
			key := strings.TrimSuffix(raw, "\n")
			idx, err := shard.Index(hasher, key, shards)
			if err != nil {
				return lines, err
			}
			if idx != index {
				return lines, fmt.Errorf("%s line %d %q hashes to shard %d", path, lines, key, idx)
			}
		}
		if readErr == io.EOF {
			return lines, nil
		}
	}
}

func checkSidecarFile(path string, maxLines int) (sidecarReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return sidecarReport{}, err
	}
	defer func() { _ = f.Close() }()
	return checkSidecar(f, maxLines)
}

// checkSidecar validates "key,count" lines strictly: every line must parse,
// counts must not increase and, when maxLines > 0, there may be at most
// maxLines lines.
func checkSidecar(r io.Reader, maxLines int) (sidecarReport, error) {
	var rep sidecarReport
	br := bufio.NewReader(r)

	for {
		raw, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return rep, readErr
		}

		if raw != "" {
			it, err := counter.ParseLine(raw)
			if err != nil {
				return rep, fmt.Errorf("line %d: %w", rep.Lines+1, err)
			}
			if rep.Lines > 0 && it.Count > rep.MinCount {
				return rep, fmt.Errorf("line %d: count %d after %d, not descending", rep.Lines+1, it.Count, rep.MinCount)
			}
			if rep.Lines == 0 {
				rep.MaxCount = it.Count
			}
			rep.MinCount = it.Count
			rep.Lines++
		}

		if readErr == io.EOF {
			break
		}
	}

	if maxLines > 0 && rep.Lines > maxLines {
		return rep, fmt.Errorf("%d lines, expected at most %d", rep.Lines, maxLines)
	}
	return rep, nil
}

// die prints a fatal error message and exits.
func die(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "[err] %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "[err] %s\n", msg)
	}
	os.Exit(1)
}
