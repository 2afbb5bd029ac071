package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/nicktill/histqueue/pkg/filestore"
)

// Store keeps files in memory. Data is lost on restart.
// Useful for testing; individual paths can be made to fail.
type Store struct {
	mu         sync.RWMutex
	files      map[string]string
	readErrs   map[string]error
	writeErrs  map[string]error
	writeCount map[string]int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		files:      make(map[string]string),
		readErrs:   make(map[string]error),
		writeErrs:  make(map[string]error),
		writeCount: make(map[string]int),
	}
}

// ReadText returns the stored text for path.
func (s *Store) ReadText(ctx context.Context, path string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.readErrs[path]; err != nil {
		return "", err
	}
	text, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, filestore.ErrNotExist)
	}
	return text, nil
}

// WriteText stores text at path.
func (s *Store) WriteText(ctx context.Context, path, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeErrs[path]; err != nil {
		return err
	}
	s.files[path] = text
	s.writeCount[path]++
	return nil
}

// Exists reports whether path has been written.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.readErrs[path]; err != nil {
		return false, err
	}
	_, ok := s.files[path]
	return ok, nil
}

// Set writes text directly, bypassing injected failures and write counts.
func (s *Store) Set(path, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = text
}

// Get returns the raw contents of path.
func (s *Store) Get(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text, ok := s.files[path]
	return text, ok
}

// FailReads makes every read of path return err. A nil err clears it.
func (s *Store) FailReads(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.readErrs, path)
		return
	}
	s.readErrs[path] = err
}

// FailWrites makes every write of path return err. A nil err clears it.
func (s *Store) FailWrites(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.writeErrs, path)
		return
	}
	s.writeErrs[path] = err
}

// Writes returns how many successful WriteText calls path has received.
func (s *Store) Writes(path string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeCount[path]
}
