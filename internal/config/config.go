// Package config loads calsync configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fieldline/calsync/internal/engine"
)

// CalendarBinding ties a ledger calendar key to one Google calendar and,
// for daemon mode, a cron schedule.
type CalendarBinding struct {
	// Key is the free-text tag records carry in calendar_key.
	Key string `mapstructure:"key"`

	// GoogleCalendarID is the target calendar.
	GoogleCalendarID string `mapstructure:"google_calendar_id"`

	// Schedule is a cron expression for daemon runs, e.g. "*/15 * * * *".
	// Empty means the binding is only run on demand.
	Schedule string `mapstructure:"schedule"`
}

// SyncConfig holds the engine timing knobs.
type SyncConfig struct {
	MatchWindow        time.Duration `mapstructure:"match_window"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	RecordDelay        time.Duration `mapstructure:"record_delay"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	CompareDescription bool          `mapstructure:"compare_description"`
}

// Config is the top-level application configuration.
type Config struct {
	// LedgerDSN is the PostgreSQL connection string for the record store.
	LedgerDSN string `mapstructure:"ledger_dsn"`

	// CredentialsFile is the Google credentials JSON. Empty means
	// Application Default Credentials.
	CredentialsFile string `mapstructure:"credentials_file"`

	// HistoryPath is the embedded run-history database file.
	HistoryPath string `mapstructure:"history_path"`

	// DashboardAddr is the listen address for the status server.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// LogFile, when set, routes daemon logs through a rotating file.
	LogFile string `mapstructure:"log_file"`

	Sync      SyncConfig        `mapstructure:"sync"`
	Calendars []CalendarBinding `mapstructure:"calendars"`
}

// Load reads the config file at path (empty means ./calsync.yaml) and
// applies CALSYNC_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("calsync")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CALSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine when env vars carry the settings.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("history_path", ".calsync/history.db")
	v.SetDefault("dashboard_addr", ":8080")
	v.SetDefault("sync.match_window", "5m")
	v.SetDefault("sync.settle_delay", "6s")
	v.SetDefault("sync.record_delay", "12s")
	v.SetDefault("sync.lease_ttl", "2m")
	v.SetDefault("sync.compare_description", true)
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Calendars))
	for i, b := range c.Calendars {
		if b.Key == "" {
			return fmt.Errorf("calendars[%d]: key is required", i)
		}
		if b.GoogleCalendarID == "" {
			return fmt.Errorf("calendar %q: google_calendar_id is required", b.Key)
		}
		if seen[b.Key] {
			return fmt.Errorf("calendar key %q bound twice", b.Key)
		}
		seen[b.Key] = true
	}
	return nil
}

// Binding returns the calendar binding for key.
func (c *Config) Binding(key string) (CalendarBinding, error) {
	for _, b := range c.Calendars {
		if b.Key == key {
			return b, nil
		}
	}
	return CalendarBinding{}, fmt.Errorf("no calendar binding for key %q", key)
}

// EngineConfig translates the sync knobs into an engine configuration.
func (c *Config) EngineConfig() *engine.Config {
	cfg := engine.DefaultConfig()
	if c.Sync.MatchWindow > 0 {
		cfg.MatchWindow = c.Sync.MatchWindow
	}
	if c.Sync.SettleDelay > 0 {
		cfg.SettleDelay = c.Sync.SettleDelay
	}
	cfg.RecordDelay = c.Sync.RecordDelay
	if c.Sync.LeaseTTL > 0 {
		cfg.LeaseTTL = c.Sync.LeaseTTL
	}
	cfg.CompareDescription = c.Sync.CompareDescription
	return cfg
}
