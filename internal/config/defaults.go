package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(".taskcal", "taskcal.db"),
		},
		Calendar: CalendarConfig{
			Provider:          "google",
			DefaultCalendarID: "primary",
			RequestTimeout:    15 * time.Second,
			CredentialsFile:   filepath.Join(HomeDir(), "credentials.json"),
			TokenFile:         filepath.Join(HomeDir(), "token.json"),
			CallbackPort:      6789,
		},
		Sync: SyncConfig{
			AutoSync:              true,
			DefaultStrategy:       "TASK_WINS",
			MaxRetries:            3,
			RetryDelay:            5 * time.Minute,
			SyncInterval:          5 * time.Minute,
			ConflictCheckInterval: time.Hour,
			RetryInterval:         24 * time.Hour,
		},
		Dashboard: DashboardConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// HomeDir returns the per-user taskcal directory.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskcal"
	}
	return filepath.Join(home, ".taskcal")
}

// WriteDefault writes a commented default configuration to path. It
// refuses to overwrite an existing file.
func WriteDefault(path string) error {
	content := `# taskcal configuration
database:
  path: .taskcal/taskcal.db   # SQLite file, or a postgres:// DSN

calendar:
  provider: google            # "google" or "memory"
  default_calendar_id: primary
  request_timeout: 15s
  # credentials_file: ~/.taskcal/credentials.json
  # token_file: ~/.taskcal/token.json

sync:
  auto_sync: true
  default_strategy: TASK_WINS # TASK_WINS, CALENDAR_WINS, MERGE or MANUAL
  max_retries: 3
  retry_delay: 5m
  sync_interval: 5m
  conflict_check_interval: 1h
  retry_interval: 24h
  # inbox_dir: .taskcal/inbox

dashboard:
  host: 127.0.0.1
  port: 8080

log:
  # file: ~/.taskcal/taskcal.log
  max_size_mb: 10
  max_backups: 3
  max_age_days: 28
`
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return f.Close()
}
