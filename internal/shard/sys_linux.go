//go:build linux

package shard

import (
	"os"

	"golang.org/x/sys/unix"
)

// AdviseSequential tells the kernel the file will be read front to back, which
// doubles readahead on most filesystems.
func AdviseSequential(f *os.File) {
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

// freeBytes returns the space available to unprivileged users on the
// filesystem holding path.
func freeBytes(path string) (uint64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, false
	}
	return stat.Bavail * uint64(stat.Bsize), true
}
