package tracker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/histqueue/pkg/filestore"
	"github.com/nicktill/histqueue/pkg/filestore/memory"
)

const (
	primaryPath = "time.txt"
	backupPath  = "time_backup.txt"
)

func newTracker() (*Tracker, *memory.Store) {
	store := memory.New()
	return New(store, primaryPath, backupPath), store
}

func TestRead_BothValid(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, "1700000000000")
	store.Set(backupPath, "1700000000000")

	res, err := tr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), res.Value)
	assert.Equal(t, StatusOK, res.Status)
	assert.False(t, res.Recovered())
	assert.NoError(t, res.Err())
	assert.Zero(t, store.Writes(primaryPath))
	assert.Zero(t, store.Writes(backupPath))
}

func TestRead_TrimsWhitespace(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, " 42\n")
	store.Set(backupPath, "42")

	res, err := tr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Value)
	assert.Equal(t, StatusOK, res.Status)
}

func TestRead_CorruptBackupIsRestored(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, "1700000000000")
	store.Set(backupPath, "")

	res, err := tr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), res.Value)
	assert.Equal(t, StatusRecovered, res.Status)
	assert.True(t, errors.Is(res.Err(), ErrCorrupted))

	backup, _ := store.Get(backupPath)
	assert.Equal(t, "1700000000000", backup)
	assert.Zero(t, store.Writes(primaryPath))
}

func TestRead_CorruptPrimaryIsRestored(t *testing.T) {
	tests := []struct {
		name    string
		primary *string
	}{
		{name: "empty", primary: strPtr("")},
		{name: "garbage", primary: strPtr("17000000000x0")},
		{name: "negative", primary: strPtr("-5")},
		{name: "missing", primary: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, store := newTracker()
			if tt.primary != nil {
				store.Set(primaryPath, *tt.primary)
			}
			store.Set(backupPath, "1699999999999")

			res, err := tr.Read(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(1699999999999), res.Value)
			assert.Equal(t, StatusRecovered, res.Status)

			primary, _ := store.Get(primaryPath)
			assert.Equal(t, "1699999999999", primary)
			assert.Zero(t, store.Writes(backupPath))
		})
	}
}

func TestRead_BothInvalidIsUnrecoverable(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, "")
	store.Set(backupPath, "not-a-number")

	_, err := tr.Read(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnrecoverable))

	primary, _ := store.Get(primaryPath)
	backup, _ := store.Get(backupPath)
	assert.Equal(t, "", primary)
	assert.Equal(t, "not-a-number", backup)
	assert.Zero(t, store.Writes(primaryPath))
	assert.Zero(t, store.Writes(backupPath))
}

func TestRead_NeitherExists(t *testing.T) {
	tr, store := newTracker()

	_, err := tr.Read(context.Background())
	assert.True(t, errors.Is(err, ErrNotStarted))
	assert.Zero(t, store.Writes(primaryPath))
	assert.Zero(t, store.Writes(backupPath))
}

func TestRead_LaggingBackupIsResynced(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, "2000")
	store.Set(backupPath, "1000")

	res, err := tr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.Value)
	assert.Equal(t, StatusOK, res.Status)

	backup, _ := store.Get(backupPath)
	assert.Equal(t, "2000", backup)
}

func TestRead_StorageErrorPropagates(t *testing.T) {
	diskErr := errors.New("input/output error")

	t.Run("primary", func(t *testing.T) {
		tr, store := newTracker()
		store.Set(primaryPath, "1000")
		store.Set(backupPath, "1000")
		store.FailReads(primaryPath, diskErr)

		_, err := tr.Read(context.Background())
		assert.ErrorIs(t, err, diskErr)
		assert.False(t, errors.Is(err, ErrUnrecoverable))
	})

	t.Run("backup", func(t *testing.T) {
		tr, store := newTracker()
		store.Set(primaryPath, "1000")
		store.Set(backupPath, "1000")
		store.FailReads(backupPath, diskErr)

		_, err := tr.Read(context.Background())
		assert.ErrorIs(t, err, diskErr)
	})
}

func TestWrite_PrimaryThenBackup(t *testing.T) {
	tr, store := newTracker()

	require.NoError(t, tr.Write(context.Background(), 5000))

	primary, _ := store.Get(primaryPath)
	backup, _ := store.Get(backupPath)
	assert.Equal(t, "5000", primary)
	assert.Equal(t, "5000", backup)
}

func TestWrite_PrimaryFailureLeavesBackup(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, "1000")
	store.Set(backupPath, "1000")
	store.FailWrites(primaryPath, errors.New("disk full"))

	err := tr.Write(context.Background(), 2000)
	require.Error(t, err)

	backup, _ := store.Get(backupPath)
	assert.Equal(t, "1000", backup)
	assert.Zero(t, store.Writes(backupPath))
}

func TestWrite_BackupFailureIsRecoverable(t *testing.T) {
	tr, store := newTracker()
	store.FailWrites(backupPath, errors.New("disk full"))

	require.Error(t, tr.Write(context.Background(), 2000))

	store.FailWrites(backupPath, nil)
	res, err := tr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2000), res.Value)
	assert.Equal(t, StatusRecovered, res.Status)
}

func TestWrite_RejectsNegative(t *testing.T) {
	tr, store := newTracker()
	assert.Error(t, tr.Write(context.Background(), -1))
	assert.Zero(t, store.Writes(primaryPath))
}

func TestReset_OverwritesCorruptState(t *testing.T) {
	tr, store := newTracker()
	store.Set(primaryPath, "")
	store.Set(backupPath, "not-a-number")

	require.NoError(t, tr.Reset(context.Background(), 1234))

	res, err := tr.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), res.Value)
	assert.Equal(t, StatusOK, res.Status)
}

func TestReset_WritesBothEvenIfPrimaryFails(t *testing.T) {
	tr, store := newTracker()
	store.FailWrites(primaryPath, errors.New("read-only"))

	err := tr.Reset(context.Background(), 1234)
	require.Error(t, err)

	backup, ok := store.Get(backupPath)
	require.True(t, ok)
	assert.Equal(t, "1234", backup)
}

func TestExists(t *testing.T) {
	tr, store := newTracker()

	exists, err := tr.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	store.Set(backupPath, "1")
	exists, err = tr.Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)

	store.Set(primaryPath, "1")
	exists, err = tr.Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1700000000000", want: 1700000000000},
		{in: "\t99 \r\n", want: 99},
		{in: "", wantErr: true},
		{in: "   ", wantErr: true},
		{in: "1.5", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "99999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseValue(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseValue(%q) = %d, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseValue(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseValue(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "recovered", StatusRecovered.String())
}

var _ filestore.Store = (*memory.Store)(nil)

func strPtr(s string) *string { return &s }
