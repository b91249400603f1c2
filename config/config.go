// Package config loads and saves the tzclock YAML configuration, including
// the list of tracked cities.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/philtim/tzclock/catalog"
	errUtils "github.com/philtim/tzclock/errors"
)

// AppName names the config and state directories.
const AppName = "tzclock"

// City represents a clock configuration for a city
type City struct {
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// Config represents the application configuration
type Config struct {
	// Cities are the tracked world clocks, in display order.
	Cities []City `yaml:"cities"`

	// ServerURL is the base URL of the time oracle.
	ServerURL string `yaml:"server_url"`

	// Listen is the address `tzclock serve` binds to.
	Listen string `yaml:"listen"`

	TickInterval       time.Duration `yaml:"tick_interval"`
	ResyncInterval     time.Duration `yaml:"resync_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	MaxConcurrentSyncs int           `yaml:"max_concurrent_syncs"`

	// HistoryFile stores recent conversions. Empty disables persistence.
	HistoryFile string `yaml:"history_file"`

	LogLevel string `yaml:"log_level"`
	// LogFile receives logs while the TUI owns the terminal.
	LogFile string `yaml:"log_file"`

	// Offline answers every oracle call in process instead of over HTTP.
	Offline bool `yaml:"offline"`
}

// Defaults
const (
	DefaultServerURL      = "http://127.0.0.1:8000"
	DefaultListen         = "127.0.0.1:8000"
	DefaultTickInterval   = time.Second
	DefaultResyncInterval = 60 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxConcurrent  = 8
	DefaultLogLevel       = "info"
)

// DefaultPath returns $XDG_CONFIG_HOME/tzclock/config.yaml
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, "config.yaml")
}

// DefaultHistoryPath returns $XDG_STATE_HOME/tzclock/history.yaml
func DefaultHistoryPath() string {
	return filepath.Join(xdg.StateHome, AppName, "history.yaml")
}

// DefaultLogPath returns $XDG_STATE_HOME/tzclock/tzclock.log
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, AppName, AppName+".log")
}

// DefaultConfig returns an in-memory default configuration tracking UTC and
// the system timezone when the catalog knows it.
func DefaultConfig() *Config {
	cities := []City{{Name: "UTC", Timezone: "UTC"}}
	if tz := GetSystemTimezone(); tz != "UTC" && catalog.Supported(tz) {
		cities = append(cities, City{Name: catalog.DisplayName(tz), Timezone: tz})
	}

	cfg := &Config{Cities: cities}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing or zero values with defaults.
func (c *Config) Normalize() {
	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxConcurrentSyncs <= 0 {
		c.MaxConcurrentSyncs = DefaultMaxConcurrent
	}
	if c.HistoryFile == "" {
		c.HistoryFile = DefaultHistoryPath()
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogPath()
	}
	if c.Cities == nil {
		c.Cities = []City{}
	}
}

// Load reads the configuration from path.
// If the file doesn't exist, it creates a default one
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		// First run
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		log.Info("created default config", "path", path)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Normalize()

	// Validate timezones
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that every city uses a catalog timezone and that the log
// level is known.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for i, city := range c.Cities {
		if city.Name == "" {
			return fmt.Errorf("city at index %d has no name", i)
		}
		if city.Timezone == "" {
			return fmt.Errorf("city '%s' has no timezone", city.Name)
		}
		if !catalog.Supported(city.Timezone) {
			return fmt.Errorf("city '%s': %w", city.Name, errUtils.InvalidTimezone(city.Timezone))
		}
		if seen[city.Timezone] {
			return fmt.Errorf("timezone '%s' is configured twice", city.Timezone)
		}
		seen[city.Timezone] = true
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level '%s': %w", c.LogLevel, err)
	}

	return nil
}

// Timezones returns the timezone of every configured city
func (c *Config) Timezones() []string {
	return lo.Map(c.Cities, func(city City, _ int) string { return city.Timezone })
}

// GetSystemTimezone returns the system's IANA timezone name
func GetSystemTimezone() string {
	// TZ wins over the zoneinfo link, as it does for time.Local.
	if tz := os.Getenv("TZ"); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}

	// /etc/localtime is a symlink into the zoneinfo tree on most systems
	if target, err := filepath.EvalSymlinks("/etc/localtime"); err == nil {
		if _, after, ok := strings.Cut(target, "zoneinfo/"); ok {
			return after
		}
	}

	// Fallback to UTC if we can't determine
	return "UTC"
}

// Save writes the configuration to path atomically
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}

	// Validate before saving
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return WriteFileAtomic(path, data)
}

// SaveCities replaces the cities of the config file at path and keeps every
// other setting as stored. Settings overridden at runtime are not written.
func SaveCities(path string, cities []City) error {
	if path == "" {
		path = DefaultPath()
	}

	check := Config{Cities: cities}
	check.Normalize()
	if err := check.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	stored := make(map[string]any)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		if stored == nil {
			stored = make(map[string]any)
		}
	}
	stored["cities"] = check.Cities

	data, err = yaml.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return WriteFileAtomic(path, data)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "."+AppName+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	// Write data
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Close temp file
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Rename temp file to actual file
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// AddCity adds a new city to the configuration
func (c *Config) AddCity(name, timezone string) error {
	// Check if city already exists
	if c.HasTimezone(timezone) {
		return fmt.Errorf("city '%s' already exists", name)
	}

	if !catalog.Supported(timezone) {
		return errUtils.InvalidTimezone(timezone)
	}

	c.Cities = append(c.Cities, City{
		Name:     name,
		Timezone: timezone,
	})

	return nil
}

// DeleteCities removes cities by timezone and returns the removed ones.
// Removing every city is allowed; the clock panel is then empty.
func (c *Config) DeleteCities(timezones []string) []City {
	removed, remaining := lo.FilterReject(c.Cities, func(city City, _ int) bool {
		return lo.Contains(timezones, city.Timezone)
	})
	c.Cities = remaining
	return removed
}

// HasCity checks if a city with the given name exists
func (c *Config) HasCity(name string) bool {
	return lo.ContainsBy(c.Cities, func(city City) bool { return city.Name == name })
}

// HasTimezone checks if a city with the given timezone exists
func (c *Config) HasTimezone(timezone string) bool {
	return lo.ContainsBy(c.Cities, func(city City) bool { return city.Timezone == timezone })
}
