package filestore

import (
	"context"
	"errors"
)

// ErrNotExist is returned by ReadText when the path has never been written.
var ErrNotExist = errors.New("file does not exist")

// Store is the durable text file primitive the checkpoint is kept in.
// Each call is atomic on its own; nothing is atomic across calls.
// Implementations: disk (production), badger (embedded KV), memory (testing)
type Store interface {
	// ReadText returns the full contents of path, or ErrNotExist.
	ReadText(ctx context.Context, path string) (string, error)

	// WriteText creates or overwrites path.
	WriteText(ctx context.Context, path, text string) error

	// Exists reports whether path has been written.
	Exists(ctx context.Context, path string) (bool, error)
}
