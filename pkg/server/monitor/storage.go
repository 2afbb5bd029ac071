package monitor

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StorageUsage is the on-disk footprint of the data directory. Areas maps
// each top-level entry (queue, historian, checkpoints, export files) to its
// allocated bytes.
type StorageUsage struct {
	TotalBytes int64            `json:"total_bytes"`
	Files      int              `json:"files"`
	Areas      map[string]int64 `json:"areas,omitempty"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// StorageMonitor walks the data directory at most once per refresh period.
type StorageMonitor struct {
	root    string
	refresh time.Duration

	mu   sync.Mutex
	last *StorageUsage
}

func NewStorageMonitor(dataDir string) *StorageMonitor {
	return &StorageMonitor{root: dataDir, refresh: 10 * time.Second}
}

// Usage returns the cached footprint, rescanning when it is stale.
func (sm *StorageMonitor) Usage() (StorageUsage, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.last != nil && time.Since(sm.last.CheckedAt) < sm.refresh {
		return *sm.last, nil
	}

	u, err := scan(sm.root)
	if err != nil {
		return StorageUsage{}, err
	}
	sm.last = &u
	return u, nil
}

func scan(root string) (StorageUsage, error) {
	u := StorageUsage{Areas: make(map[string]int64)}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Removed mid-walk, e.g. a badger value log being rotated.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		n := diskUsage(info)
		u.TotalBytes += n
		u.Files++
		u.Areas[areaOf(root, path)] += n
		return nil
	})
	if err != nil {
		return StorageUsage{}, err
	}
	u.CheckedAt = time.Now()
	return u, nil
}

func areaOf(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "."
	}
	rel = filepath.ToSlash(rel)
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i]
	}
	return "."
}
