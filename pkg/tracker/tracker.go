package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/nicktill/histqueue/pkg/filestore"
)

var (
	// ErrCorrupted marks a checkpoint file that could not be read or parsed
	// while the other copy was still valid. The value was recovered.
	ErrCorrupted = errors.New("time tracker corrupted")

	// ErrUnrecoverable means neither checkpoint copy holds a valid value.
	// Extraction continuity is lost and an operator has to reset the tracker.
	ErrUnrecoverable = errors.New("time tracker unrecoverable")

	// ErrNotStarted means neither checkpoint file exists yet.
	ErrNotStarted = errors.New("time tracker not started")

	// errInvalid marks content that isn't a valid checkpoint.
	errInvalid = errors.New("invalid checkpoint value")
)

// Status describes how a checkpoint value was obtained.
type Status int

const (
	// StatusOK means the primary copy was valid.
	StatusOK Status = iota
	// StatusRecovered means one copy was corrupt and was rewritten from the other.
	StatusRecovered
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRecovered:
		return "recovered"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Result is the outcome of a successful Read.
type Result struct {
	// Value is the checkpoint in epoch milliseconds.
	Value  int64
	Status Status
	// Cause describes the corruption when Status is StatusRecovered.
	Cause error
}

// Recovered reports whether the value came from corruption recovery.
func (r Result) Recovered() bool {
	return r.Status == StatusRecovered
}

// Err returns an error wrapping ErrCorrupted for recovered results, nil otherwise.
func (r Result) Err() error {
	if r.Status != StatusRecovered {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrCorrupted, r.Cause)
}

// Tracker durably stores the extraction checkpoint as decimal text in a
// primary and a backup file. The backup is only written after the primary
// write succeeds, so it is never ahead of the primary.
type Tracker struct {
	store   filestore.Store
	primary string
	backup  string
	mu      sync.Mutex
}

// New creates a tracker over the given primary and backup paths.
func New(store filestore.Store, primaryPath, backupPath string) *Tracker {
	return &Tracker{
		store:   store,
		primary: primaryPath,
		backup:  backupPath,
	}
}

// Exists reports whether either checkpoint file is present. A lone backup
// counts, so a lost primary is recovered by Read instead of starting over.
func (t *Tracker) Exists(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ok, err := t.store.Exists(ctx, t.primary)
	if err != nil || ok {
		return ok, err
	}
	return t.store.Exists(ctx, t.backup)
}

// Read returns the current checkpoint.
//
// If one copy is missing or unparseable the other is used and the bad copy
// is rewritten; the result then has StatusRecovered. If both are invalid
// ErrUnrecoverable is returned and neither file is touched. Storage errors
// other than a missing file are returned unchanged.
func (t *Tracker) Read(ctx context.Context) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	primaryVal, primaryErr := t.readValue(ctx, t.primary)
	if isStorageErr(primaryErr) {
		return Result{}, primaryErr
	}
	backupVal, backupErr := t.readValue(ctx, t.backup)
	if isStorageErr(backupErr) {
		return Result{}, backupErr
	}

	switch {
	case primaryErr == nil && backupErr == nil:
		if backupVal != primaryVal {
			// Crash between the primary and backup writes; the backup is one step behind.
			if err := t.writeValue(ctx, t.backup, primaryVal); err != nil {
				return Result{}, err
			}
		}
		return Result{Value: primaryVal, Status: StatusOK}, nil

	case primaryErr == nil:
		log.Printf("Time tracker backup %s corrupted (%v), restoring from primary", t.backup, backupErr)
		if err := t.writeValue(ctx, t.backup, primaryVal); err != nil {
			return Result{}, err
		}
		return Result{Value: primaryVal, Status: StatusRecovered, Cause: backupErr}, nil

	case backupErr == nil:
		log.Printf("Time tracker primary %s corrupted (%v), restoring from backup", t.primary, primaryErr)
		if err := t.writeValue(ctx, t.primary, backupVal); err != nil {
			return Result{}, err
		}
		return Result{Value: backupVal, Status: StatusRecovered, Cause: primaryErr}, nil

	case errors.Is(primaryErr, filestore.ErrNotExist) && errors.Is(backupErr, filestore.ErrNotExist):
		return Result{}, ErrNotStarted

	default:
		return Result{}, fmt.Errorf("%w: primary: %v; backup: %v", ErrUnrecoverable, primaryErr, backupErr)
	}
}

// Write stores a new checkpoint: primary first, then backup.
func (t *Tracker) Write(ctx context.Context, value int64) error {
	if value < 0 {
		return fmt.Errorf("%w: %d", errInvalid, value)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeValue(ctx, t.primary, value); err != nil {
		return err
	}
	return t.writeValue(ctx, t.backup, value)
}

// Reset overwrites both copies without looking at their current contents.
// Used to start a new tracking epoch.
func (t *Tracker) Reset(ctx context.Context, value int64) error {
	if value < 0 {
		return fmt.Errorf("%w: %d", errInvalid, value)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	primaryErr := t.writeValue(ctx, t.primary, value)
	backupErr := t.writeValue(ctx, t.backup, value)
	return errors.Join(primaryErr, backupErr)
}

// readValue reads and validates one checkpoint copy. Content problems and
// missing files wrap errInvalid or filestore.ErrNotExist.
func (t *Tracker) readValue(ctx context.Context, path string) (int64, error) {
	text, err := t.store.ReadText(ctx, path)
	if err != nil {
		return 0, err
	}
	value, err := parseValue(text)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return value, nil
}

func (t *Tracker) writeValue(ctx context.Context, path string, value int64) error {
	if err := t.store.WriteText(ctx, path, strconv.FormatInt(value, 10)); err != nil {
		return fmt.Errorf("failed to write time tracker %s: %w", path, err)
	}
	return nil
}

// parseValue parses a checkpoint as non-negative decimal milliseconds.
func parseValue(text string) (int64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", errInvalid)
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errInvalid, trimmed)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative %d", errInvalid, value)
	}
	return value, nil
}

// isStorageErr reports whether err is a storage failure rather than a
// missing or corrupt checkpoint.
func isStorageErr(err error) bool {
	return err != nil && !errors.Is(err, errInvalid) && !errors.Is(err, filestore.ErrNotExist)
}
