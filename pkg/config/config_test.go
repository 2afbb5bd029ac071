package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/histqueue/pkg/ebd"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("HISTQUEUE_EXPORT_URL", "")
	t.Setenv("HISTQUEUE_SPAN_MINUTES", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, int64(DefaultSpanMinutes), cfg.SpanMinutes)
	assert.Equal(t, DefaultGroups, cfg.Groups)
	assert.Equal(t, filepath.Join(DefaultDataDir, DefaultTagListFile), cfg.TagList)
	assert.True(t, cfg.Simulated())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histqueue.yaml")
	yml := `
data_dir: /var/lib/histqueue
span_minutes: 5
groups: AB
string_history: true
poll_interval: 30s
export_url: http://10.0.0.53/rcgi.bin/ExportBlock
timezone: UTC
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	t.Setenv("HISTQUEUE_SPAN_MINUTES", "2")
	t.Setenv("HISTQUEUE_LINES_PER_SECOND", "12.5")
	t.Setenv("HISTQUEUE_CLOCK_OFFSET_MS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/histqueue", cfg.DataDir)
	assert.Equal(t, int64(2), cfg.SpanMinutes)
	assert.Equal(t, "AB", cfg.Groups)
	assert.True(t, cfg.StringHistory)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 12.5, cfg.LinesPerSecond)
	assert.Equal(t, int64(0), cfg.ClockOffsetMs)
	assert.False(t, cfg.Simulated())
	assert.Equal(t, "/var/lib/histqueue/queue/time.txt", cfg.QueuePath(TimeTrackerFile))
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("span_minutes: [1"), 0644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"zero span":         func(c *Config) { c.SpanMinutes = 0 },
		"no groups":         func(c *Config) { c.Groups = "" },
		"unknown group":     func(c *Config) { c.Groups = "AZ" },
		"unknown store":     func(c *Config) { c.Store = "s3" },
		"unknown format":    func(c *Config) { c.OutputFormat = "xml" },
		"no poll interval":  func(c *Config) { c.PollInterval = 0 },
		"negative pacing":   func(c *Config) { c.LinesPerSecond = -1 },
		"unknown time zone": func(c *Config) { c.Timezone = "Mars/Olympus" },
	}

	require.NoError(t, Default().Validate())

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigSettings(t *testing.T) {
	cfg := Default()
	cfg.Groups = "bd"
	cfg.SpanMinutes = 3
	cfg.ClockOffsetMs = -500
	cfg.StringHistory = true

	s, err := cfg.Settings()
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, int64(3), snap.SpanMinutes)
	assert.Equal(t, int64(-500), snap.ClockOffsetMs)
	assert.True(t, snap.StringHistory)
	assert.Equal(t, "BD", snap.Groups.String())
	assert.Equal(t, int64(180_000), s.SpanMillis())
}

func TestSettings(t *testing.T) {
	s := NewSettings()
	assert.Equal(t, int64(DefaultSpanMinutes), s.SpanMinutes())
	assert.Equal(t, ebd.AllGroups, s.Groups())
	assert.False(t, s.StringHistoryEnabled())

	assert.Error(t, s.SetSpanMinutes(0))
	require.NoError(t, s.SetSpanMinutes(10))
	assert.Equal(t, int64(600_000), s.SpanMillis())

	s.SetClockOffsetMs(250)
	assert.Equal(t, int64(250), s.ClockOffsetMs())

	s.SetStringHistoryEnabled(true)
	assert.True(t, s.StringHistoryEnabled())

	assert.True(t, errors.Is(s.SetGroups(0), ebd.ErrNoTagGroups))
	require.NoError(t, s.SetGroups(ebd.NewGroupMask(false, false, true, false)))
	assert.Equal(t, "C", s.Groups().String())
}

func TestSettings_ApplyIsAllOrNothing(t *testing.T) {
	s := NewSettings()
	before := s.Snapshot()

	err := s.Apply(SettingsSnapshot{SpanMinutes: 5, ClockOffsetMs: 99})
	assert.True(t, errors.Is(err, ebd.ErrNoTagGroups))
	assert.Equal(t, before, s.Snapshot())

	err = s.Apply(SettingsSnapshot{SpanMinutes: 0, Groups: ebd.AllGroups})
	assert.Error(t, err)
	assert.Equal(t, before, s.Snapshot())

	next := SettingsSnapshot{SpanMinutes: 5, ClockOffsetMs: 99, StringHistory: true, Groups: ebd.NewGroupMask(true, false, false, false)}
	require.NoError(t, s.Apply(next))
	assert.Equal(t, next, s.Snapshot())
}
