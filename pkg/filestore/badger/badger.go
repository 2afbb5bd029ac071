package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/nicktill/histqueue/pkg/filestore"
)

// keyPrefix namespaces file entries so the database can be shared.
var keyPrefix = []byte("fs/")

// Store implements filestore.Store on top of BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = 16 MB memtable default)
	MaxMemoryMB int64
}

// New opens a BadgerDB-backed file store.
func New(cfg Config) (*Store, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Open opens a BadgerDB with conservative memory limits for small devices.
// Writes are synced so a returned WriteText survives power loss.
func Open(cfg Config) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	opts = opts.
		WithLogger(nil).
		WithSyncWrites(!cfg.InMemory).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(2).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// ReadText returns the contents stored for path.
func (s *Store) ReadText(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var text string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(path))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			storedPath, body, err := decodeEntry(val)
			if err != nil {
				return err
			}
			if storedPath != path {
				// Hash collision with a different file.
				return badger.ErrKeyNotFound
			}
			text = body
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%s: %w", path, filestore.ErrNotExist)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return text, nil
}

// WriteText stores text for path, replacing any previous contents.
func (s *Store) WriteText(ctx context.Context, path, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeKey(path), encodeEntry(path, text))
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Exists reports whether path has been written.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	_, err := s.ReadText(ctx, path)
	if errors.Is(err, filestore.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close shuts down BadgerDB cleanly
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when there was nothing to reclaim.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// makeKey creates a fixed-width key: prefix + xxhash(path)
func makeKey(path string) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], xxhash.Sum64String(path))
	return key
}

// encodeEntry stores the path alongside the text so collisions are detectable.
// Format: [path length (uvarint)][path][text]
func encodeEntry(path, text string) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(path)+len(text))
	n := binary.PutUvarint(buf, uint64(len(path)))
	n += copy(buf[n:], path)
	n += copy(buf[n:], text)
	return buf[:n]
}

func decodeEntry(val []byte) (string, string, error) {
	pathLen, n := binary.Uvarint(val)
	if n <= 0 || uint64(len(val)-n) < pathLen {
		return "", "", fmt.Errorf("corrupt file entry header")
	}
	path := string(val[n : n+int(pathLen)])
	text := string(val[n+int(pathLen):])
	return path, text, nil
}
