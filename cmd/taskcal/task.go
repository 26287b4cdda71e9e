package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/db"
	"github.com/taskcal/taskcal/internal/schema"
	"github.com/taskcal/taskcal/internal/ui"
)

var dateParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseDue accepts the formats ParseDueDate understands plus English
// phrases such as "tomorrow 5pm", resolved relative to now.
func parseDue(s string, now time.Time) (*time.Time, error) {
	due, err := calsync.ParseDueDate(s)
	if err == nil {
		return due, nil
	}

	r, perr := dateParser.Parse(s, now)
	if perr != nil || r == nil {
		return nil, err
	}
	t := r.Time.UTC()
	return &t, nil
}

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "tasks",
	Short:   "Create, list, edit and delete tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task",
	Long: `Create a task. Due dates accept YYYY-MM-DD, RFC 3339, or phrases like
"tomorrow 5pm" or "next friday".

With --sync the task is linked to a calendar event right away.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		withSync, _ := cmd.Flags().GetBool("sync")

		a, err := openApp(ctx, withSync)
		if err != nil {
			return err
		}
		defer a.Close()

		task := schema.NewTask(strings.Join(args, " "))
		task.Description, _ = cmd.Flags().GetString("description")
		task.Tags, _ = cmd.Flags().GetStringSlice("tag")
		if due, _ := cmd.Flags().GetString("due"); due != "" {
			if task.DueAt, err = parseDue(due, time.Now()); err != nil {
				return err
			}
		}
		if err := a.store.CreateTask(ctx, task); err != nil {
			return err
		}

		var link *schema.CalendarEventLink
		if withSync {
			if link, err = a.coord.EnableSync(ctx, task.ID, calsync.EnableOptions{}); err != nil {
				return fmt.Errorf("task %s created, but enabling sync failed: %w", task.ID, err)
			}
		}

		out := cmd.OutOrStdout()
		return render(out, task, func() {
			fmt.Fprintf(out, "%s Created task %s: %s\n", ui.RenderPass("✓"), ui.RenderAccent(task.ID), task.Title)
			if link != nil {
				fmt.Fprintf(out, "   Synced to event %s in %s\n", link.EventID, link.CalendarID)
			}
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		filter := db.TaskFilter{}
		if s, _ := cmd.Flags().GetString("status"); s != "" {
			if filter.Status, err = schema.ParseTaskStatus(s); err != nil {
				return err
			}
		}
		filter.SyncedOnly, _ = cmd.Flags().GetBool("synced")
		filter.Limit, _ = cmd.Flags().GetInt("limit")

		tasks, err := a.store.ListTasks(ctx, filter)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		return render(out, tasks, func() {
			if len(tasks) == 0 {
				fmt.Fprintln(out, ui.RenderMuted("No tasks"))
				return
			}
			for _, t := range tasks {
				marker := " "
				if t.SyncEnabled {
					marker = ui.RenderAccent("⇄")
				}
				due := ""
				if t.DueAt != nil {
					due = ui.RenderMuted(" due " + t.DueAt.Local().Format("2006-01-02 15:04"))
				}
				fmt.Fprintf(out, "%s %s  %-11s %s%s\n", marker, t.ID, t.Status, t.Title, due)
			}
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task and its sync state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.store.GetTask(ctx, args[0])
		if err != nil {
			return err
		}
		var link *schema.CalendarEventLink
		if task.SyncEnabled {
			if link, err = a.store.GetLinkByTask(ctx, task.ID); err != nil {
				return err
			}
		}

		view := struct {
			Task *schema.Task              `json:"task"`
			Link *schema.CalendarEventLink `json:"link,omitempty"`
		}{task, link}

		out := cmd.OutOrStdout()
		return render(out, view, func() {
			fmt.Fprintf(out, "%s %s\n\n", ui.RenderHeader(task.Title), ui.RenderMuted(task.ID))
			fmt.Fprintf(out, "Status:  %s\n", task.Status)
			if task.DueAt != nil {
				fmt.Fprintf(out, "Due:     %s\n", task.DueAt.Local().Format(time.RFC1123))
			}
			if len(task.Tags) > 0 {
				fmt.Fprintf(out, "Tags:    %s\n", strings.Join(task.Tags, ", "))
			}
			if task.Description != "" {
				fmt.Fprintf(out, "\n%s\n", task.Description)
			}
			fmt.Fprintln(out)
			if link == nil {
				fmt.Fprintf(out, "Sync:    %s\n", ui.RenderStatus(""))
				return
			}
			fmt.Fprintf(out, "Sync:    %s (%s)\n", ui.RenderStatus(link.SyncStatus), link.Strategy)
			fmt.Fprintf(out, "Event:   %s in %s\n", link.EventID, link.CalendarID)
			fmt.Fprintf(out, "Synced:  %s\n", link.LastSyncedAt.Local().Format(time.RFC1123))
		})
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Edit a task",
	Long: `Edit a task. If the task is synced and a synced field changes, its link
is marked TASK_MODIFIED and the next pending sweep pushes the change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		task, err := a.store.GetTask(ctx, args[0])
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("title") {
			task.Title, _ = flags.GetString("title")
		}
		if flags.Changed("description") {
			task.Description, _ = flags.GetString("description")
		}
		if flags.Changed("status") {
			s, _ := flags.GetString("status")
			if task.Status, err = schema.ParseTaskStatus(s); err != nil {
				return err
			}
		}
		if flags.Changed("due") {
			s, _ := flags.GetString("due")
			if task.DueAt, err = parseDue(s, time.Now()); err != nil {
				return err
			}
		}
		if flags.Changed("tag") {
			task.Tags, _ = flags.GetStringSlice("tag")
		}
		task.Touch(time.Now().UTC())

		marked, err := a.store.EditTask(ctx, task)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		return render(out, task, func() {
			fmt.Fprintf(out, "%s Updated task %s\n", ui.RenderPass("✓"), ui.RenderAccent(task.ID))
			if marked {
				fmt.Fprintf(out, "   Calendar event will be updated on the next sync (%s)\n", ui.RenderStatus(schema.StatusTaskModified))
			}
		})
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task and its calendar event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.coord.DeleteTask(ctx, args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		return render(out, res, func() {
			fmt.Fprintf(out, "%s Deleted task %s\n", ui.RenderPass("✓"), res.TaskID)
			if res.EventID != "" && !res.CalendarEventDeleted {
				fmt.Fprintf(out, "%s Calendar event %s could not be deleted\n", ui.RenderWarn("⚠"), res.EventID)
			}
		})
	},
}

func init() {
	taskAddCmd.Flags().StringP("description", "d", "", "task description")
	taskAddCmd.Flags().String("due", "", "due date")
	taskAddCmd.Flags().StringSlice("tag", nil, "tag (repeatable)")
	taskAddCmd.Flags().Bool("sync", false, "link the task to a calendar event")

	taskListCmd.Flags().String("status", "", "only tasks with this status")
	taskListCmd.Flags().Bool("synced", false, "only synced tasks")
	taskListCmd.Flags().Int("limit", 0, "maximum number of tasks")

	taskUpdateCmd.Flags().String("title", "", "new title")
	taskUpdateCmd.Flags().StringP("description", "d", "", "new description")
	taskUpdateCmd.Flags().String("status", "", "new status (PENDING, IN_PROGRESS, COMPLETED, ARCHIVED)")
	taskUpdateCmd.Flags().String("due", "", "new due date; empty clears it")
	taskUpdateCmd.Flags().StringSlice("tag", nil, "replace tags")

	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskUpdateCmd, taskDeleteCmd)
	rootCmd.AddCommand(taskCmd)
}
