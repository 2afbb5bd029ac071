package tags

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
)

// Info describes one device tag.
type Info struct {
	ID    int               `json:"id"`
	Name  string            `json:"name"`
	Type  datapoint.TagType `json:"type"`
	Group ebd.Group         `json:"group,omitempty"`
}

// Registry resolves tag ids to their declared name and type.
type Registry interface {
	// IsPopulated reports whether the tag list has been loaded.
	IsPopulated() bool

	// Refresh reloads the tag list from its source.
	Refresh(ctx context.Context) error

	// LowestID returns the lowest tag id seen in the last refresh.
	LowestID() int

	// Lookup returns the tag with the given id.
	Lookup(id int) (Info, bool)
}

// Source loads the full device tag list.
type Source interface {
	Tags(ctx context.Context) ([]Info, error)
}

// Cache is a Registry that loads lazily from a Source and keeps the tags
// in a map keyed by id, so ids don't need to be contiguous.
type Cache struct {
	source Source

	mu        sync.RWMutex
	tags      map[int]Info
	lowestID  int
	populated bool
}

// NewCache creates an unpopulated registry backed by source.
func NewCache(source Source) *Cache {
	return &Cache{source: source}
}

// IsPopulated reports whether Refresh has completed successfully.
func (c *Cache) IsPopulated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.populated
}

// Refresh replaces the cached tags with the source's current list. On
// error the previous contents are kept.
func (c *Cache) Refresh(ctx context.Context) error {
	list, err := c.source.Tags(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tag list: %w", err)
	}

	tags := make(map[int]Info, len(list))
	lowest := 0
	for i, info := range list {
		if _, dup := tags[info.ID]; dup {
			return fmt.Errorf("duplicate tag id %d in tag list", info.ID)
		}
		tags[info.ID] = info
		if i == 0 || info.ID < lowest {
			lowest = info.ID
		}
	}

	c.mu.Lock()
	c.tags = tags
	c.lowestID = lowest
	c.populated = true
	c.mu.Unlock()
	return nil
}

// LowestID returns the lowest tag id seen in the last refresh.
func (c *Cache) LowestID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lowestID
}

// Lookup returns the tag with the given id.
func (c *Cache) Lookup(id int) (Info, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.tags[id]
	return info, ok
}

// Len returns the number of cached tags.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tags)
}

// All returns the cached tags ordered by id.
func (c *Cache) All() []Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list := make([]Info, 0, len(c.tags))
	for _, info := range c.tags {
		list = append(list, info)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// StaticSource serves a fixed tag list.
type StaticSource []Info

// Tags returns a copy of the list.
func (s StaticSource) Tags(ctx context.Context) ([]Info, error) {
	out := make([]Info, len(s))
	copy(out, s)
	return out, nil
}
