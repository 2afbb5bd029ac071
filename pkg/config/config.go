package config

import (
	"time"
)

// Queue defaults
const (
	DefaultSpanMinutes   = 1
	DefaultClockOffsetMs = 0
	DefaultGroups        = "ABCD"
	DefaultStringHistory = false
)

// Daemon defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/histqueue"
	DefaultStore        = StoreDisk
	DefaultPollInterval = 10 * time.Second
	DefaultMaxMemoryMB  = 16

	DefaultHistorianRetention = 24 * time.Hour
	SimulateInterval          = 1 * time.Second
	RetentionInterval         = 1 * time.Hour
)

// Store backends for checkpoint files
const (
	StoreDisk   = "disk"
	StoreBadger = "badger"
)

// File layout under the data directory
const (
	QueueDir           = "queue"
	TimeTrackerFile    = "time.txt"
	TimeTrackerBackup  = "time_backup.txt"
	StandardArtifact   = "hist_std.txt"
	StringArtifact     = "hist_str.txt"
	DefaultTagListFile = "taglist.txt"
	HistorianDir       = "historian"
	CheckpointStoreDir = "checkpoints"
)

// Parsing
const (
	// DefaultLinesPerSecond paces artifact parsing so long exports don't
	// starve other work. Zero disables pacing.
	DefaultLinesPerSecond = 200
	DefaultLineBurst      = 50
)

// Puller retry
const (
	PullInitialBackoff = 2 * time.Second
	PullMaxBackoff     = 1 * time.Minute
	PullMaxElapsed     = 5 * time.Minute
	StoreGCInterval    = 10 * time.Minute
)

// Server timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 60 * time.Second
	ShutdownTimeout    = 30 * time.Second
)
