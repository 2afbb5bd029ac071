package config

import (
	"fmt"
	"sync"

	"github.com/nicktill/histqueue/pkg/ebd"
)

// Settings holds the queue's mutable runtime settings. Each queue manager
// owns its own Settings so independent cursors can live in one process.
type Settings struct {
	mu            sync.RWMutex
	spanMinutes   int64
	clockOffsetMs int64
	stringHistory bool
	groups        ebd.GroupMask
}

// SettingsSnapshot is a point-in-time copy of Settings.
type SettingsSnapshot struct {
	SpanMinutes   int64         `json:"span_minutes"`
	ClockOffsetMs int64         `json:"clock_offset_ms"`
	StringHistory bool          `json:"string_history"`
	Groups        ebd.GroupMask `json:"groups"`
}

// NewSettings returns settings initialised to the package defaults.
func NewSettings() *Settings {
	return &Settings{
		spanMinutes:   DefaultSpanMinutes,
		clockOffsetMs: DefaultClockOffsetMs,
		stringHistory: DefaultStringHistory,
		groups:        ebd.AllGroups,
	}
}

// SpanMinutes returns the FIFO window span in minutes.
func (s *Settings) SpanMinutes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spanMinutes
}

// SpanMillis returns the FIFO window span in milliseconds.
func (s *Settings) SpanMillis() int64 {
	return s.SpanMinutes() * 60 * 1000
}

// SetSpanMinutes sets the FIFO window span. Spans below one minute are rejected.
func (s *Settings) SetSpanMinutes(minutes int64) error {
	if minutes < 1 {
		return fmt.Errorf("span must be at least 1 minute, got %d", minutes)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spanMinutes = minutes
	return nil
}

// ClockOffsetMs returns the signed offset added to the local clock.
func (s *Settings) ClockOffsetMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clockOffsetMs
}

// SetClockOffsetMs sets the signed clock offset in milliseconds.
func (s *Settings) SetClockOffsetMs(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clockOffsetMs = offset
}

// StringHistoryEnabled reports whether string history is exported each cycle.
func (s *Settings) StringHistoryEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stringHistory
}

// SetStringHistoryEnabled toggles string history export.
func (s *Settings) SetStringHistoryEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stringHistory = enabled
}

// Groups returns the tag groups included by default in each cycle.
func (s *Settings) Groups() ebd.GroupMask {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups
}

// SetGroups sets the default tag group mask. An empty mask is rejected.
func (s *Settings) SetGroups(mask ebd.GroupMask) error {
	if mask.Empty() {
		return ebd.ErrNoTagGroups
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = mask
	return nil
}

// Snapshot returns a consistent copy of all settings.
func (s *Settings) Snapshot() SettingsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SettingsSnapshot{
		SpanMinutes:   s.spanMinutes,
		ClockOffsetMs: s.clockOffsetMs,
		StringHistory: s.stringHistory,
		Groups:        s.groups,
	}
}

// Apply replaces all settings atomically after validating the snapshot.
func (s *Settings) Apply(snap SettingsSnapshot) error {
	if snap.SpanMinutes < 1 {
		return fmt.Errorf("span must be at least 1 minute, got %d", snap.SpanMinutes)
	}
	if snap.Groups.Empty() {
		return ebd.ErrNoTagGroups
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spanMinutes = snap.SpanMinutes
	s.clockOffsetMs = snap.ClockOffsetMs
	s.stringHistory = snap.StringHistory
	s.groups = snap.Groups
	return nil
}
