package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/taskcal/taskcal/internal/schema"
)

// EnvPrefix is prepended to every environment override, e.g.
// TASKCAL_SYNC_MAX_RETRIES.
const EnvPrefix = "TASKCAL"

// Load reads the configuration. An explicit path must exist; otherwise
// taskcal.yaml is looked up in ./.taskcal and then the home directory, and
// defaults are used when neither has one. Environment variables override
// file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskcal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".taskcal")
		v.AddConfigPath(HomeDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath returns the path of the project config file
func ProjectConfigPath() string {
	return filepath.Join(".taskcal", "taskcal.yaml")
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("calendar.provider", d.Calendar.Provider)
	v.SetDefault("calendar.default_calendar_id", d.Calendar.DefaultCalendarID)
	v.SetDefault("calendar.request_timeout", d.Calendar.RequestTimeout)
	v.SetDefault("calendar.credentials_file", d.Calendar.CredentialsFile)
	v.SetDefault("calendar.token_file", d.Calendar.TokenFile)
	v.SetDefault("calendar.callback_port", d.Calendar.CallbackPort)

	v.SetDefault("sync.auto_sync", d.Sync.AutoSync)
	v.SetDefault("sync.default_strategy", d.Sync.DefaultStrategy)
	v.SetDefault("sync.max_retries", d.Sync.MaxRetries)
	v.SetDefault("sync.retry_delay", d.Sync.RetryDelay)
	v.SetDefault("sync.sync_interval", d.Sync.SyncInterval)
	v.SetDefault("sync.conflict_check_interval", d.Sync.ConflictCheckInterval)
	v.SetDefault("sync.retry_interval", d.Sync.RetryInterval)
	v.SetDefault("sync.inbox_dir", d.Sync.InboxDir)

	v.SetDefault("dashboard.host", d.Dashboard.Host)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Validate checks value ranges and normalizes the strategy name.
func (c *Config) Validate() error {
	strategy, err := schema.ParseStrategy(c.Sync.DefaultStrategy)
	if err != nil {
		return fmt.Errorf("sync.default_strategy: %w", err)
	}
	c.Sync.DefaultStrategy = string(strategy)

	switch c.Calendar.Provider {
	case "google", "memory":
	default:
		return fmt.Errorf("calendar.provider: unknown provider %q", c.Calendar.Provider)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path cannot be empty")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries cannot be negative")
	}
	if c.Sync.RetryDelay < 0 || c.Calendar.RequestTimeout < 0 {
		return fmt.Errorf("sync.retry_delay and calendar.request_timeout cannot be negative")
	}

	intervals := map[string]int64{
		"sync.sync_interval":           int64(c.Sync.SyncInterval),
		"sync.conflict_check_interval": int64(c.Sync.ConflictCheckInterval),
		"sync.retry_interval":          int64(c.Sync.RetryInterval),
	}
	for key, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// Strategy returns the validated default strategy.
func (c *Config) Strategy() schema.Strategy {
	return schema.Strategy(c.Sync.DefaultStrategy)
}
