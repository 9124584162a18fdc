package shard

import (
	"bufio"
	"os"
	"sync"
)

// writerBufSize is the per-shard write buffer. With hundreds of shards open at
// once this keeps memory modest while still batching syscalls.
const writerBufSize = 64 << 10

// shardWriter is a buffered, append-only handle for one shard file. The mutex
// enforces a single-writer discipline so that a parallel partition pass can
// share the handle safely.
type shardWriter struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	bytes  int64
	lines  int64
}

func newShardWriter(path string) (*shardWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &shardWriter{
		path:   path,
		file:   f,
		writer: bufio.NewWriterSize(f, writerBufSize),
	}, nil
}

// appendLine writes line followed by '\n'. Data lands in the RAM buffer and is
// flushed to the OS when the buffer fills or on close.
func (w *shardWriter) appendLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.writer.WriteString(line); err != nil {
		return err
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return err
	}
	w.bytes += int64(len(line)) + 1
	w.lines++
	return nil
}

// close flushes the buffer and closes the file.
func (w *shardWriter) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return err
	}
	err := w.file.Close()
	w.file = nil
	return err
}
