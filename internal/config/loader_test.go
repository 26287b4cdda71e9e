package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/taskcal/taskcal/internal/schema"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskcal.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Strategy() != schema.TaskWins {
		t.Errorf("Strategy() = %s, want TASK_WINS", cfg.Strategy())
	}
	if cfg.Calendar.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", cfg.Calendar.RequestTimeout)
	}
	if !cfg.Sync.AutoSync || cfg.Sync.MaxRetries != 3 {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/tasks.db
calendar:
  provider: memory
  request_timeout: 3s
sync:
  auto_sync: false
  default_strategy: calendar-wins
  retry_delay: 90s
  inbox_dir: inbox
dashboard:
  port: 9090
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Database.Path != "/tmp/tasks.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Calendar.Provider != "memory" || cfg.Calendar.RequestTimeout != 3*time.Second {
		t.Errorf("Calendar = %+v", cfg.Calendar)
	}
	if cfg.Sync.AutoSync {
		t.Error("AutoSync = true, want false")
	}
	if cfg.Strategy() != schema.CalendarWins {
		t.Errorf("Strategy() = %s, want CALENDAR_WINS", cfg.Strategy())
	}
	if cfg.Sync.RetryDelay != 90*time.Second || cfg.Sync.InboxDir != "inbox" {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Dashboard.Port != 9090 {
		t.Errorf("Dashboard.Port = %d", cfg.Dashboard.Port)
	}

	// Unset keys keep their defaults.
	if cfg.Calendar.DefaultCalendarID != "primary" || cfg.Sync.MaxRetries != 3 {
		t.Errorf("defaults lost: %+v %+v", cfg.Calendar, cfg.Sync)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "sync:\n  max_retries: 2\n")
	t.Setenv("TASKCAL_SYNC_MAX_RETRIES", "7")
	t.Setenv("TASKCAL_CALENDAR_PROVIDER", "memory")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Sync.MaxRetries)
	}
	if cfg.Calendar.Provider != "memory" {
		t.Errorf("Provider = %q, want memory", cfg.Calendar.Provider)
	}
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Sync.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want 5m", cfg.Sync.SyncInterval)
	}
}

func TestLoad_ProjectFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	if err := os.MkdirAll(".taskcal", 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(ProjectConfigPath(), []byte("sync:\n  default_strategy: MERGE\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Strategy() != schema.Merge {
		t.Errorf("Strategy() = %s, want MERGE", cfg.Strategy())
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad strategy", "sync:\n  default_strategy: coin_flip\n", "default_strategy"},
		{"bad provider", "calendar:\n  provider: outlook\n", "provider"},
		{"negative retries", "sync:\n  max_retries: -1\n", "max_retries"},
		{"zero interval", "sync:\n  sync_interval: 0s\n", "sync.sync_interval"},
		{"bad duration", "sync:\n  retry_delay: soon\n", "decode"},
		{"bad port", "dashboard:\n  port: 70000\n", "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing explicit file expected error")
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "taskcal.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written default failed: %v", err)
	}
	if cfg.Strategy() != schema.TaskWins || cfg.Dashboard.Port != 8080 {
		t.Errorf("written default = %+v", cfg)
	}

	if err := WriteDefault(path); err == nil {
		t.Error("second WriteDefault() expected error")
	}
}
