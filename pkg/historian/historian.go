// Package historian is a local historical tag log backed by BadgerDB.
//
// It records tag samples the way the device historian does and serves them
// back through the ebd.Service contract, writing export artifacts in the
// device's text layout. The daemon uses it when no device export endpoint
// is configured.
package historian

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"

	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/tags"
)

// keyPrefix namespaces samples so the database can be shared with a file store.
var keyPrefix = []byte("hl/")

// keyLen is prefix + channel (1) + timestamp (8) + sample hash (8).
var keyLen = len(keyPrefix) + 1 + 8 + 8

// Sample is one logged tag value.
type Sample struct {
	TagID int `json:"tag_id"`
	// Timestamp in epoch milliseconds.
	Timestamp int64  `json:"ts"`
	Value     string `json:"value"`
	Initial   bool   `json:"initial,omitempty"`
	Quality   int    `json:"quality"`
}

// Historian stores samples keyed by channel and time.
type Historian struct {
	db       *badger.DB
	registry tags.Registry
	location *time.Location
}

// New creates a historian over an open database. Tags are resolved through
// registry to pick the channel and tag group of each sample. Artifact time
// strings are rendered in loc (UTC if nil).
func New(db *badger.DB, registry tags.Registry, loc *time.Location) *Historian {
	if loc == nil {
		loc = time.UTC
	}
	return &Historian{db: db, registry: registry, location: loc}
}

// Record stores samples. Recording the same tag, time and value twice is a no-op.
func (h *Historian) Record(ctx context.Context, samples ...Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.ensureTags(ctx); err != nil {
		return err
	}

	wb := h.db.NewWriteBatch()
	defer wb.Cancel()

	for i, s := range samples {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if s.Timestamp < 0 {
			return fmt.Errorf("sample for tag %d has negative timestamp", s.TagID)
		}
		info, ok := h.registry.Lookup(s.TagID)
		if !ok {
			return fmt.Errorf("unknown tag id %d", s.TagID)
		}

		value, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to encode sample: %w", err)
		}
		if err := wb.Set(makeKey(channelOf(info), s), value); err != nil {
			return fmt.Errorf("failed to write sample: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to flush samples: %w", err)
	}
	return nil
}

// Samples returns the samples of one channel with start <= ts <= end whose
// tag belongs to one of groups, in time order.
func (h *Historian) Samples(ctx context.Context, channel ebd.Channel, start, end int64, groups ebd.GroupMask) ([]Sample, error) {
	if err := h.ensureTags(ctx); err != nil {
		return nil, err
	}

	var results []Sample
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = channelPrefix(channel)

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(timeKey(channel, start)); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			item := it.Item()
			if parseTimestamp(item.Key()) > end {
				break
			}

			var s Sample
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				return fmt.Errorf("failed to decode sample: %w", err)
			}

			info, ok := h.registry.Lookup(s.TagID)
			if !ok || !inGroups(info, groups) {
				continue
			}
			results = append(results, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Export writes the requested slice of the log to req.Destination.
func (h *Historian) Export(ctx context.Context, req ebd.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	samples, err := h.Samples(ctx, req.Channel, req.Start, req.End, req.Groups)
	if err != nil {
		return fmt.Errorf("failed to read %s log: %w", req.Channel, err)
	}

	var buf bytes.Buffer
	if err := WriteLog(&buf, samples, h.location); err != nil {
		return err
	}
	return ebd.WriteArtifact(req.Destination, &buf)
}

// Prune deletes samples older than before (epoch ms) from both channels and
// returns how many were removed.
func (h *Historian) Prune(ctx context.Context, before int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var keysToDelete [][]byte
	err := h.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		for _, channel := range []ebd.Channel{ebd.Standard, ebd.StringHistory} {
			opts.Prefix = channelPrefix(channel)
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				key := it.Item().Key()
				if parseTimestamp(key) >= before {
					break
				}
				keysToDelete = append(keysToDelete, it.Item().KeyCopy(nil))
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := h.db.NewWriteBatch()
	defer wb.Cancel()
	for i, key := range keysToDelete {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to delete sample: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deletes: %w", err)
	}
	return len(keysToDelete), nil
}

func (h *Historian) ensureTags(ctx context.Context) error {
	if h.registry.IsPopulated() {
		return nil
	}
	if err := h.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load tag list: %w", err)
	}
	return nil
}

// channelOf routes string tags to the string history log.
func channelOf(info tags.Info) ebd.Channel {
	if info.Type == datapoint.StringType {
		return ebd.StringHistory
	}
	return ebd.Standard
}

// inGroups reports whether a tag is selected by groups. Tags without a
// group are logged in every export.
func inGroups(info tags.Info, groups ebd.GroupMask) bool {
	if info.Group == 0 {
		return true
	}
	return groups.Has(info.Group)
}

func channelPrefix(channel ebd.Channel) []byte {
	p := make([]byte, len(keyPrefix)+1)
	copy(p, keyPrefix)
	p[len(keyPrefix)] = byte(channel)
	return p
}

func timeKey(channel ebd.Channel, ts int64) []byte {
	key := make([]byte, len(keyPrefix)+1+8)
	copy(key, channelPrefix(channel))
	binary.BigEndian.PutUint64(key[len(keyPrefix)+1:], uint64(ts))
	return key
}

// makeKey creates a time-ordered key: prefix + channel + ts + xxhash(tag, value).
func makeKey(channel ebd.Channel, s Sample) []byte {
	key := make([]byte, keyLen)
	copy(key, timeKey(channel, s.Timestamp))

	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(s.TagID))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(s.Value)
	binary.BigEndian.PutUint64(key[len(keyPrefix)+1+8:], d.Sum64())
	return key
}

func parseTimestamp(key []byte) int64 {
	off := len(keyPrefix) + 1
	if len(key) < off+8 {
		return -1
	}
	return int64(binary.BigEndian.Uint64(key[off : off+8]))
}
