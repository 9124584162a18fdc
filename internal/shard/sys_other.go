//go:build !linux

package shard

import "os"

// AdviseSequential is a no-op outside Linux.
func AdviseSequential(*os.File) {}

func freeBytes(string) (uint64, bool) { return 0, false }
