package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskcal/taskcal/internal/daemon"
	"github.com/taskcal/taskcal/internal/dashboard"
	"github.com/taskcal/taskcal/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run the sync scheduler in the foreground",
	Long: `Run the sync scheduler in the foreground.

The daemon will:
  1. Push links marked SYNC_PENDING or TASK_MODIFIED every sync.sync_interval
     (when sync.auto_sync is on)
  2. Re-check flagged conflicts every sync.conflict_check_interval
  3. Retry failed links every sync.retry_interval, up to sync.max_retries
  4. Import task files dropped into sync.inbox_dir, if set
  5. Serve the API and WebSocket stream with --dashboard

Use --once to run a single full sync and exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.cfg
		inbox, _ := cmd.Flags().GetString("inbox")
		if inbox == "" {
			inbox = cfg.Sync.InboxDir
		}
		d, err := daemon.NewWithConfig(a.store, a.coord, &daemon.Config{
			SyncInterval:          cfg.Sync.SyncInterval,
			ConflictCheckInterval: cfg.Sync.ConflictCheckInterval,
			RetryInterval:         cfg.Sync.RetryInterval,
			AutoSyncEnabled:       cfg.Sync.AutoSync,
			MaxRetries:            cfg.Sync.MaxRetries,
			RetryDelay:            cfg.Sync.RetryDelay,
			InboxDir:              inbox,
			DebounceInterval:      100 * time.Millisecond,
			Logger:                a.logs.New("daemon"),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if once, _ := cmd.Flags().GetBool("once"); once {
			res := d.FullSync(ctx)
			return render(out, res, func() {
				fmt.Fprintf(out, "%s Full sync: %d processed, %d synced, %d conflicts, %d failed, %d skipped\n",
					ui.RenderPass("✓"), res.Processed, res.Succeeded, res.Conflicts, res.Failed, res.Skipped)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "   %s %s: %s\n", ui.RenderFail("✗"), e.TaskID, e.Message)
				}
			})
		}

		if withDashboard, _ := cmd.Flags().GetBool("dashboard"); withDashboard {
			server := dashboard.NewServer(a.coord, &dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   cfg.Dashboard.Port,
				Logger: a.logs.New("dashboard"),
			})
			dashboard.NewHandler(server, a.coord, a.logs.New("dashboard")).Attach(d)
			if err := server.Start(); err != nil {
				return err
			}
			defer server.Stop()
			fmt.Fprintf(out, "   Dashboard: http://%s\n", server.Addr())
		}

		fmt.Fprintf(out, "%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Fprintf(out, "   Database: %s\n", cfg.Database.Path)
		if inbox != "" {
			fmt.Fprintf(out, "   Inbox: %s\n", inbox)
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		// Start blocks until the signal context is cancelled.
		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("daemon stopped with error: %w", err)
		}
		return d.Stop()
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve the sync API and WebSocket event stream",
	Long: `Serve the calendar sync HTTP API and a WebSocket event stream.

Routes live under /api/v1/calendar. WebSocket clients on /ws receive:
- sync_result: a link was enabled, synced, resolved or disabled
- conflict: a pull found both sides edited
- sync_failed: a remote call failed
- stats: link statistics

Example usage:
  taskcal dashboard                   # Listen on dashboard.host:dashboard.port
  taskcal dashboard --port 9000       # Listen on a custom port`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		port := a.cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		server := dashboard.NewServer(a.coord, &dashboard.Config{
			Host:   a.cfg.Dashboard.Host,
			Port:   port,
			Logger: a.logs.New("dashboard"),
		})
		dashboard.NewHandler(server, a.coord, a.logs.New("dashboard")).Attach(nil)

		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Dashboard server started on http://%s\n", server.Addr())
		fmt.Fprintf(out, "API: http://%s/api/v1/calendar\n", server.Addr())
		fmt.Fprintf(out, "WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Fprintln(out, "\nShutting down dashboard server...")
		shutdown, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		errc := make(chan error, 1)
		go func() { errc <- server.Stop() }()
		select {
		case err := <-errc:
			return err
		case <-shutdown.Done():
			return fmt.Errorf("dashboard shutdown timed out")
		}
	},
}

func init() {
	daemonCmd.Flags().Bool("once", false, "run one full sync and exit")
	daemonCmd.Flags().Bool("dashboard", false, "also serve the API and WebSocket stream")
	daemonCmd.Flags().String("inbox", "", "directory of task JSON files to import (default sync.inbox_dir)")
	dashboardCmd.Flags().IntP("port", "p", 8080, "port to listen on (default dashboard.port)")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}
