package counter

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/JaySon-Huang/url-counter/internal/fault"
	"github.com/JaySon-Huang/url-counter/internal/topk"
)

// SidecarSuffix is appended to a shard path to name its sidecar.
const SidecarSuffix = "_cnt"

var errNoSeparator = errors.New("missing ',' separator")

// SidecarPath returns the sidecar path of a shard.
func SidecarPath(shardPath string) string { return shardPath + SidecarSuffix }

// WriteSidecar writes items as "key,count\n" lines in the given order.
func WriteSidecar(w io.Writer, items []topk.Item) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 64)
	for _, it := range items {
		buf = buf[:0]
		buf = append(buf, it.Key...)
		buf = append(buf, ',')
		buf = strconv.AppendUint(buf, it.Count, 10)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseLine splits one sidecar line into its item. The count follows the last
// comma, so keys that contain commas (query strings) survive the round trip.
func ParseLine(line string) (topk.Item, error) {
	line = strings.TrimRight(line, "\r\n")
	i := strings.LastIndexByte(line, ',')
	if i < 0 {
		return topk.Item{}, errNoSeparator
	}
	c, err := strconv.ParseUint(line[i+1:], 10, 64)
	if err != nil {
		return topk.Item{}, err
	}
	return topk.Item{Key: line[:i], Count: c}, nil
}

// ReadSidecar parses every line of r. Malformed lines are skipped with a
// warning naming path and line number; only read failures are returned.
func ReadSidecar(r io.Reader, path string, logger *slog.Logger) (items []topk.Item, skipped int, err error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	br := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		line, readErr := br.ReadString('\n')
		if readErr != nil && readErr != io.EOF {
			return items, skipped, fault.IO("read sidecar", path, readErr)
		}

		if line != "" {
			it, perr := ParseLine(line)
			if perr != nil {
				skipped++
				logger.Warn("skipping malformed sidecar line",
					"error", fault.Parse("parse sidecar line", path, lineNo, perr))
			} else {
				items = append(items, it)
			}
		}

		if readErr == io.EOF {
			return items, skipped, nil
		}
	}
}

// ReadSidecarFile opens path and parses it with ReadSidecar.
func ReadSidecarFile(path string, logger *slog.Logger) ([]topk.Item, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fault.IO("open sidecar", path, err)
	}
	defer func() { _ = f.Close() }()
	return ReadSidecar(f, path, logger)
}

// writeSidecarFile writes items to path through a temporary file and an
// atomic rename. A rerun therefore overwrites an old sidecar idempotently and
// a crash never leaves a truncated one.
func writeSidecarFile(path string, items []topk.Item) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fault.IO("create sidecar", tmp, err)
	}

	if err := WriteSidecar(f, items); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fault.IO("write sidecar", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fault.IO("close sidecar", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fault.IO("rename sidecar", path, err)
	}
	return nil
}
