//go:build windows

package monitor

import (
	"os"
)

// diskUsage returns the logical file size; Windows doesn't expose allocated
// blocks through os.FileInfo.
func diskUsage(info os.FileInfo) int64 {
	return info.Size()
}
