// Command taskcal manages tasks and keeps them in sync with a calendar.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskcal/taskcal/internal/calendar"
	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/config"
	"github.com/taskcal/taskcal/internal/db"
	"github.com/taskcal/taskcal/internal/logging"
	"github.com/taskcal/taskcal/internal/ui"
)

var (
	configPath string
	dbPath     string
	formatFlag string
	provider   string
)

var rootCmd = &cobra.Command{
	Use:   "taskcal",
	Short: "Tasks with two-way calendar sync",
	Long: `taskcal keeps a local task list and mirrors selected tasks as events in a
remote calendar. Changes on either side are synced back, and edits made on
both sides since the last sync are flagged as conflicts to resolve.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Calendar sync:"},
		&cobra.Group{ID: "advanced", Title: "Services and setup:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default .taskcal/taskcal.yaml or ~/.taskcal/taskcal.yaml)")
	flags.StringVar(&dbPath, "db", "", "database path or postgres:// DSN (overrides database.path)")
	flags.StringVarP(&formatFlag, "format", "o", "text", "output format: text, json, yaml or toml")
	flags.StringVar(&provider, "provider", "", "calendar provider: google or memory (overrides calendar.provider)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		if calsync.IsRetryable(err) {
			fmt.Fprintln(os.Stderr, ui.RenderMuted("The failure was recorded; retry later or let the daemon retry it."))
		}
		os.Exit(1)
	}
}

// app holds everything a command needs. Close releases it.
type app struct {
	cfg    *config.Config
	logs   *logging.Output
	store  *db.DB
	remote calendar.Client
	coord  *calsync.Coordinator
}

// loadConfig reads the config file and applies the persistent flag
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if provider != "" {
		cfg.Calendar.Provider = provider
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// openApp opens the store and, when withRemote is set, the calendar client
// and coordinator.
func openApp(ctx context.Context, withRemote bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logs, err := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logs: logs}

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	if err := store.InitSchemaContext(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if !withRemote {
		return a, nil
	}

	remote, err := openCalendar(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.remote = remote

	coord, err := calsync.New(store, remote, calsync.Config{
		DefaultCalendarID: cfg.Calendar.DefaultCalendarID,
		DefaultStrategy:   cfg.Strategy(),
		RemoteTimeout:     cfg.Calendar.RequestTimeout,
		Logger:            logs.New("sync"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.coord = coord
	return a, nil
}

func openCalendar(ctx context.Context, cfg *config.Config) (calendar.Client, error) {
	if cfg.Calendar.Provider == "memory" {
		return calendar.NewMemory(), nil
	}

	tokens := tokenStore(cfg)
	client, err := tokens.Client(ctx)
	if errors.Is(err, calendar.ErrNotAuthorized) {
		return nil, fmt.Errorf("%w: run 'taskcal auth' first", err)
	}
	if err != nil {
		return nil, err
	}
	return calendar.NewGoogleFromHTTP(ctx, client)
}

func tokenStore(cfg *config.Config) *calendar.TokenStore {
	return &calendar.TokenStore{
		CredentialsFile: cfg.Calendar.CredentialsFile,
		TokenFile:       cfg.Calendar.TokenFile,
		CallbackPort:    cfg.Calendar.CallbackPort,
	}
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
}

// render prints v in the selected structured format, or calls text for the
// default human output.
func render(out io.Writer, v any, text func()) error {
	format, err := ui.ParseFormat(formatFlag)
	if err != nil {
		return err
	}
	if format == ui.FormatText {
		text()
		return nil
	}
	return ui.Encode(out, format, v)
}
