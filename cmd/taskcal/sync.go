package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/schema"
	"github.com/taskcal/taskcal/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Link tasks to calendar events and keep them in sync",
	Long: `Link tasks to calendar events and keep them in sync.

A synced task and its event are compared on every pull. When both were
edited since the last sync and their title or due date differ, the link is
flagged CONFLICT and stays that way until resolved with 'taskcal sync resolve'.`,
}

// withCoordinator runs fn with a coordinator-backed app.
func withCoordinator(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printSyncResult(out io.Writer, verb string, res *calsync.SyncResult) {
	fmt.Fprintf(out, "%s %s task %s: %s\n", ui.RenderPass("✓"), verb, ui.RenderAccent(res.Link.TaskID), ui.RenderStatus(res.Link.SyncStatus))
	printChanges(out, res.Changes)
	if res.Link.ConflictDetected {
		fmt.Fprintf(out, "%s Both sides changed. Inspect with 'taskcal sync analyze %s'\n", ui.RenderWarn("⚠"), res.Link.TaskID)
	}
}

func printChanges(out io.Writer, changes []schema.FieldChange) {
	for _, c := range changes {
		fmt.Fprintf(out, "   %s: %q → %q\n", c.Field, c.Old, c.New)
	}
}

var syncEnableCmd = &cobra.Command{
	Use:   "enable <task-id>",
	Short: "Create a calendar event for a task and link them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			opts := calsync.EnableOptions{}
			opts.CalendarID, _ = cmd.Flags().GetString("calendar")
			if s, _ := cmd.Flags().GetString("strategy"); s != "" {
				strategy, err := schema.ParseStrategy(s)
				if err != nil {
					return err
				}
				opts.Strategy = strategy
			}

			link, err := a.coord.EnableSync(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, link, func() {
				fmt.Fprintf(out, "%s Linked task %s to event %s in %s (%s)\n",
					ui.RenderPass("✓"), ui.RenderAccent(link.TaskID), link.EventID, link.CalendarID, link.Strategy)
			})
		})
	},
}

var syncDisableCmd = &cobra.Command{
	Use:   "disable <task-id>",
	Short: "Unlink a task from its calendar event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			deleteEvent, _ := cmd.Flags().GetBool("delete-event")
			res, err := a.coord.DisableSync(cmd.Context(), args[0], deleteEvent)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, res, func() {
				fmt.Fprintf(out, "%s Sync disabled for task %s\n", ui.RenderPass("✓"), ui.RenderAccent(res.TaskID))
				if deleteEvent && !res.CalendarEventDeleted {
					fmt.Fprintf(out, "%s Calendar event %s could not be deleted\n", ui.RenderWarn("⚠"), res.EventID)
				}
			})
		})
	},
}

var syncPushCmd = &cobra.Command{
	Use:   "push <task-id>",
	Short: "Write the task over its calendar event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			res, err := a.coord.SyncTaskToCalendar(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, res, func() { printSyncResult(out, "Pushed", res) })
		})
	},
}

var syncPullCmd = &cobra.Command{
	Use:   "pull <task-id>",
	Short: "Apply calendar event changes to the task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			res, err := a.coord.SyncCalendarToTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, res, func() { printSyncResult(out, "Pulled", res) })
		})
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task's link",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			link, err := a.coord.GetSyncStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, link, func() {
				fmt.Fprintf(out, "Status:    %s\n", ui.RenderStatus(link.SyncStatus))
				fmt.Fprintf(out, "Strategy:  %s\n", link.Strategy)
				fmt.Fprintf(out, "Event:     %s in %s\n", link.EventID, link.CalendarID)
				fmt.Fprintf(out, "Synced:    %s\n", link.LastSyncedAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "Task edit: %s\n", link.TaskLastModifiedAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Fprintf(out, "Cal edit:  %s\n", link.CalendarLastModifiedAt.Local().Format("2006-01-02 15:04:05"))
			})
		})
	},
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Show a task's sync history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			limit, _ := cmd.Flags().GetInt("limit")
			records, err := a.coord.GetSyncHistory(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, records, func() {
				if len(records) == 0 {
					fmt.Fprintln(out, ui.RenderMuted("No sync history"))
					return
				}
				for _, r := range records {
					fmt.Fprintf(out, "%s  %-12s %-16s %s\n",
						r.SyncedAt.Local().Format("2006-01-02 15:04:05"), r.Type, r.Direction, ui.RenderStatus(r.Status))
					if r.Failed() {
						fmt.Fprintf(out, "   %s\n", ui.RenderFail(r.Error))
					}
					printChanges(out, r.Changes)
				}
			})
		})
	},
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve <task-id>",
	Short: "Resolve a sync conflict",
	Long: `Resolve a flagged conflict.

Strategies:
  TASK_WINS      write the task over the event
  CALENDAR_WINS  copy the event onto the task
  MERGE          take each differing event field, then write the task back
  MANUAL         set the final values; give them with --set field=value or,
                 on a terminal, pick them in a form

Without --strategy the strategy stored on the link is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			ctx := cmd.Context()
			req := calsync.ResolveRequest{}
			if s, _ := cmd.Flags().GetString("strategy"); s != "" {
				strategy, err := schema.ParseStrategy(s)
				if err != nil {
					return err
				}
				req.Strategy = strategy
			}

			sets, _ := cmd.Flags().GetStringArray("set")
			custom, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			req.Custom = custom

			if req.Strategy == schema.Manual && len(req.Custom) == 0 && ui.IsTerminal(cmd.InOrStdin()) {
				analysis, err := a.coord.AnalyzeConflict(ctx, args[0])
				if err != nil {
					return err
				}
				task, err := a.store.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if req.Custom, err = ui.PromptManualResolution(analysis, task.Status); err != nil {
					return err
				}
			}

			res, err := a.coord.ResolveConflict(ctx, args[0], req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, res, func() { printSyncResult(out, "Resolved", res) })
		})
	},
}

// parseAssignments turns field=value flags into a map.
func parseAssignments(sets []string) (map[string]string, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	fields := make(map[string]string, len(sets))
	for _, s := range sets {
		key, value, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: --set %q is not field=value", calsync.ErrInvalidInput, s)
		}
		fields[strings.TrimSpace(key)] = value
	}
	return fields, nil
}

var syncAnalyzeCmd = &cobra.Command{
	Use:   "analyze <task-id>",
	Short: "Compare a task with its live calendar event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			analysis, err := a.coord.AnalyzeConflict(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, analysis, func() {
				fmt.Fprintf(out, "Status: %s  conflict: %v  strategy: %s\n",
					ui.RenderStatus(analysis.SyncStatus), analysis.ConflictDetected, analysis.Strategy)
				fmt.Fprintf(out, "Task edited since sync: %v, event edited since sync: %v\n\n",
					analysis.TaskModifiedSinceSync, analysis.EventModifiedSinceSync)
				for _, f := range analysis.Fields {
					marker := ui.RenderPass("=")
					if f.Differs {
						marker = ui.RenderWarn("≠")
					}
					fmt.Fprintf(out, "%s %-12s task: %q\n", marker, f.Field, f.TaskValue)
					fmt.Fprintf(out, "  %-12s cal:  %q\n", "", f.CalendarValue)
				}
			})
		})
	},
}

var syncBulkCmd = &cobra.Command{
	Use:   "bulk <task-id>...",
	Short: "Sync several tasks in one direction",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			dir, _ := cmd.Flags().GetString("direction")
			direction := schema.SyncDirection(strings.ToUpper(strings.ReplaceAll(dir, "-", "_")))

			res, err := a.coord.BulkSync(cmd.Context(), args, direction)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, res, func() {
				for _, item := range res.Items {
					if item.Error != "" {
						fmt.Fprintf(out, "%s %s  %s\n", ui.RenderFail("✗"), item.TaskID, item.Error)
						continue
					}
					fmt.Fprintf(out, "%s %s  %s\n", ui.RenderPass("✓"), item.TaskID, ui.RenderStatus(item.Status))
				}
				fmt.Fprintf(out, "\n%d synced, %d failed, %d in conflict\n", res.Succeeded, res.Failed, res.Conflicts)
			})
		})
	},
}

var syncQueueCmd = &cobra.Command{
	Use:   "queue <task-id>",
	Short: "Mark a task for the next scheduled push",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			link, err := a.coord.QueueSync(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, link, func() {
				fmt.Fprintf(out, "%s Queued task %s: %s\n", ui.RenderPass("✓"), ui.RenderAccent(link.TaskID), ui.RenderStatus(link.SyncStatus))
			})
		})
	},
}

var syncStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize every link",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCoordinator(cmd, func(a *app) error {
			stats, err := a.coord.Statistics(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return render(out, stats, func() {
				fmt.Fprintf(out, "%s\n\n", ui.RenderHeader("Calendar sync"))
				fmt.Fprintf(out, "Links:        %d\n", stats.TotalLinks)
				for _, s := range []schema.SyncStatus{
					schema.StatusInSync, schema.StatusTaskModified, schema.StatusCalendarModified,
					schema.StatusSyncPending, schema.StatusConflict, schema.StatusSyncFailed,
				} {
					if n := stats.ByStatus[s]; n > 0 {
						fmt.Fprintf(out, "  %-26s %d\n", ui.RenderStatus(s), n)
					}
				}
				fmt.Fprintf(out, "Attempts:     %d (%d failed)\n", stats.TotalAttempts, stats.FailedAttempts)
				fmt.Fprintf(out, "Success rate: %.1f%%\n", stats.SuccessRate*100)
			})
		})
	},
}

func init() {
	syncEnableCmd.Flags().String("calendar", "", "calendar id (default calendar.default_calendar_id)")
	syncEnableCmd.Flags().String("strategy", "", "conflict strategy (default sync.default_strategy)")
	syncDisableCmd.Flags().Bool("delete-event", false, "also delete the calendar event")
	syncHistoryCmd.Flags().Int("limit", 20, "maximum records, 0 for all")
	syncResolveCmd.Flags().String("strategy", "", "TASK_WINS, CALENDAR_WINS, MERGE or MANUAL")
	syncResolveCmd.Flags().StringArray("set", nil, "MANUAL field value, e.g. --set title=Standup (repeatable)")
	syncBulkCmd.Flags().String("direction", string(schema.Bidirectional), "TASK_TO_CALENDAR, CALENDAR_TO_TASK or BIDIRECTIONAL")

	syncCmd.AddCommand(
		syncEnableCmd, syncDisableCmd, syncPushCmd, syncPullCmd,
		syncStatusCmd, syncHistoryCmd, syncResolveCmd, syncAnalyzeCmd,
		syncBulkCmd, syncQueueCmd, syncStatsCmd,
	)
	rootCmd.AddCommand(syncCmd)
}
