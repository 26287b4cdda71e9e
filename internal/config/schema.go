// Package config loads taskcal settings from YAML files and TASKCAL_*
// environment variables.
package config

import "time"

// Config represents the full taskcal configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Calendar  CalendarConfig  `yaml:"calendar" mapstructure:"calendar"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Dashboard DashboardConfig `yaml:"dashboard" mapstructure:"dashboard"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// DatabaseConfig selects the store. Path is a SQLite file path or a
// postgres:// DSN.
type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// CalendarConfig configures the remote calendar provider
type CalendarConfig struct {
	// Provider is "google" or "memory".
	Provider          string        `yaml:"provider" mapstructure:"provider"`
	DefaultCalendarID string        `yaml:"default_calendar_id" mapstructure:"default_calendar_id"`
	RequestTimeout    time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	CredentialsFile   string        `yaml:"credentials_file" mapstructure:"credentials_file"`
	TokenFile         string        `yaml:"token_file" mapstructure:"token_file"`
	CallbackPort      int           `yaml:"callback_port" mapstructure:"callback_port"`
}

// SyncConfig configures conflict handling and the scheduler
type SyncConfig struct {
	AutoSync              bool          `yaml:"auto_sync" mapstructure:"auto_sync"`
	DefaultStrategy       string        `yaml:"default_strategy" mapstructure:"default_strategy"`
	MaxRetries            int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	SyncInterval          time.Duration `yaml:"sync_interval" mapstructure:"sync_interval"`
	ConflictCheckInterval time.Duration `yaml:"conflict_check_interval" mapstructure:"conflict_check_interval"`
	RetryInterval         time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`

	// InboxDir is watched for task JSON files. Empty disables the inbox.
	InboxDir string `yaml:"inbox_dir" mapstructure:"inbox_dir"`
}

// DashboardConfig configures the HTTP API and WebSocket server
type DashboardConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}
