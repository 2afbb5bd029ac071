package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nicktill/histqueue/pkg/ebd"
)

// Config holds daemon configuration.
type Config struct {
	DataDir       string        `yaml:"data_dir"`
	Port          string        `yaml:"port"`
	Store         string        `yaml:"store"`
	MaxMemoryMB   int64         `yaml:"max_memory_mb"`
	SpanMinutes   int64         `yaml:"span_minutes"`
	ClockOffsetMs int64         `yaml:"clock_offset_ms"`
	StringHistory bool          `yaml:"string_history"`
	Groups        string        `yaml:"groups"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	ExportURL     string        `yaml:"export_url"`
	ExportUser    string        `yaml:"export_user"`
	ExportPass    string        `yaml:"export_password"`
	TagList       string        `yaml:"tag_list"`
	Output        string        `yaml:"output"`
	OutputFormat  string        `yaml:"output_format"`
	AutoReset     bool          `yaml:"auto_reset_unrecoverable"`

	// Timezone is the device's local zone, used for export time bounds.
	Timezone string `yaml:"timezone"`

	// HistorianRetention bounds the simulated historian's log.
	HistorianRetention time.Duration `yaml:"historian_retention"`

	// LinesPerSecond paces artifact parsing (0 = unpaced).
	LinesPerSecond float64 `yaml:"lines_per_second"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		DataDir:        DefaultDataDir,
		Port:           DefaultPort,
		Store:          DefaultStore,
		MaxMemoryMB:    DefaultMaxMemoryMB,
		SpanMinutes:    DefaultSpanMinutes,
		ClockOffsetMs:  DefaultClockOffsetMs,
		StringHistory:  DefaultStringHistory,
		Groups:         DefaultGroups,
		PollInterval:   DefaultPollInterval,
		OutputFormat:   "json",
		LinesPerSecond: DefaultLinesPerSecond,
		Timezone:       "UTC",

		HistorianRetention: DefaultHistorianRetention,
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// HISTQUEUE_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.TagList == "" {
		cfg.TagList = filepath.Join(cfg.DataDir, DefaultTagListFile)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnvString("HISTQUEUE_DATA_DIR", c.DataDir)
	c.Port = getEnvString("PORT", c.Port)
	c.Store = getEnvString("HISTQUEUE_STORE", c.Store)
	c.MaxMemoryMB = getEnvInt64("HISTQUEUE_MAX_MEMORY_MB", c.MaxMemoryMB)
	c.SpanMinutes = getEnvInt64("HISTQUEUE_SPAN_MINUTES", c.SpanMinutes)
	c.ClockOffsetMs = getEnvInt64("HISTQUEUE_CLOCK_OFFSET_MS", c.ClockOffsetMs)
	c.StringHistory = getEnvBool("HISTQUEUE_STRING_HISTORY", c.StringHistory)
	c.Groups = getEnvString("HISTQUEUE_GROUPS", c.Groups)
	c.PollInterval = getEnvDuration("HISTQUEUE_POLL_INTERVAL", c.PollInterval)
	c.ExportURL = getEnvString("HISTQUEUE_EXPORT_URL", c.ExportURL)
	c.ExportUser = getEnvString("HISTQUEUE_EXPORT_USER", c.ExportUser)
	c.ExportPass = getEnvString("HISTQUEUE_EXPORT_PASSWORD", c.ExportPass)
	c.TagList = getEnvString("HISTQUEUE_TAG_LIST", c.TagList)
	c.Output = getEnvString("HISTQUEUE_OUTPUT", c.Output)
	c.OutputFormat = getEnvString("HISTQUEUE_OUTPUT_FORMAT", c.OutputFormat)
	c.AutoReset = getEnvBool("HISTQUEUE_AUTO_RESET", c.AutoReset)
	c.Timezone = getEnvString("HISTQUEUE_TIMEZONE", c.Timezone)
	c.LinesPerSecond = getEnvFloat("HISTQUEUE_LINES_PER_SECOND", c.LinesPerSecond)
	c.HistorianRetention = getEnvDuration("HISTQUEUE_HISTORIAN_RETENTION", c.HistorianRetention)
}

// Validate checks the configuration for values the queue cannot run with.
func (c Config) Validate() error {
	if c.SpanMinutes < 1 {
		return fmt.Errorf("span_minutes must be at least 1, got %d", c.SpanMinutes)
	}
	if _, err := ebd.ParseGroupMask(c.Groups); err != nil {
		return fmt.Errorf("invalid groups %q: %w", c.Groups, err)
	}
	if c.Store != StoreDisk && c.Store != StoreBadger {
		return fmt.Errorf("invalid store %q: must be %q or %q", c.Store, StoreDisk, StoreBadger)
	}
	if c.OutputFormat != "json" && c.OutputFormat != "csv" {
		return fmt.Errorf("invalid output_format %q: must be json or csv", c.OutputFormat)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.LinesPerSecond < 0 {
		return fmt.Errorf("lines_per_second cannot be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Settings returns runtime queue settings seeded from this configuration.
func (c Config) Settings() (*Settings, error) {
	mask, err := ebd.ParseGroupMask(c.Groups)
	if err != nil {
		return nil, err
	}
	s := NewSettings()
	err = s.Apply(SettingsSnapshot{
		SpanMinutes:   c.SpanMinutes,
		ClockOffsetMs: c.ClockOffsetMs,
		StringHistory: c.StringHistory,
		Groups:        mask,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Location returns the device time zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Simulated reports whether exports come from the local historian.
func (c Config) Simulated() bool {
	return c.ExportURL == ""
}

// QueuePath returns the path of a file in the queue directory.
func (c Config) QueuePath(name string) string {
	return filepath.Join(c.DataDir, QueueDir, name)
}

func getEnvString(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %t", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, val, defaultValue)
	}
	return defaultValue
}
