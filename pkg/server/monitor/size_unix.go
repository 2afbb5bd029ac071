//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// diskUsage returns the bytes allocated to a file. BadgerDB preallocates its
// value log, so allocated blocks can differ a lot from the logical size.
func diskUsage(info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok || stat.Blocks == 0 {
		return info.Size()
	}
	// Blocks are 512 bytes on Unix systems
	return stat.Blocks * 512
}
