package calsync

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/taskcal/taskcal/internal/calendar"
	"github.com/taskcal/taskcal/internal/calendar/calendartest"
	"github.com/taskcal/taskcal/internal/schema"
)

// assertClean fails unless the task and its event agree on every field and
// a pull changes nothing.
func (h *harness) assertClean(t *testing.T, taskID string) {
	t.Helper()
	analysis, err := h.coord.AnalyzeConflict(h.ctx, taskID)
	if err != nil {
		t.Fatalf("AnalyzeConflict() failed: %v", err)
	}
	if analysis.DifferingFields != 0 {
		t.Errorf("DifferingFields = %d, want 0: %+v", analysis.DifferingFields, analysis.Fields)
	}

	before := h.task(t, taskID)
	res, err := h.coord.SyncCalendarToTask(h.ctx, taskID)
	if err != nil {
		t.Fatalf("SyncCalendarToTask() failed: %v", err)
	}
	if len(res.Changes) != 0 || res.Link.SyncStatus != schema.StatusInSync {
		t.Errorf("pull = %s with changes %+v, want IN_SYNC and none", res.Link.SyncStatus, res.Changes)
	}
	after := h.task(t, taskID)
	if !sameInstant(before.DueAt, after.DueAt) {
		t.Errorf("pull moved DueAt from %v to %v", before.DueAt, after.DueAt)
	}
}

func TestUndatedTasks(t *testing.T) {
	tests := []struct {
		name string
		due  bool
		run  func(t *testing.T, h *harness, task *schema.Task, link *schema.CalendarEventLink)
	}{
		{
			name: "undated at enable",
			run:  func(t *testing.T, h *harness, task *schema.Task, link *schema.CalendarEventLink) {},
		},
		{
			name: "due cleared and pushed",
			due:  true,
			run: func(t *testing.T, h *harness, task *schema.Task, link *schema.CalendarEventLink) {
				h.editTask(t, task.ID, func(tk *schema.Task) { tk.DueAt = nil })
				res, err := h.coord.SyncTaskToCalendar(h.ctx, task.ID)
				if err != nil {
					t.Fatalf("SyncTaskToCalendar() failed: %v", err)
				}
				if len(res.Changes) != 1 || res.Changes[0].Field != FieldDueDate || res.Changes[0].New != "" {
					t.Errorf("push changes = %+v, want one cleared due_date", res.Changes)
				}
				if ev := h.event(t, link); ev.Start != nil || ev.End != nil {
					t.Errorf("event still at %v-%v after clearing the due date", ev.Start, ev.End)
				}
			},
		},
		{
			name: "event made undated remotely",
			due:  true,
			run: func(t *testing.T, h *harness, task *schema.Task, link *schema.CalendarEventLink) {
				h.editEvent(t, link, func(ev *calendar.Event) { ev.Start, ev.End = nil, nil })
				res, err := h.coord.SyncCalendarToTask(h.ctx, task.ID)
				if err != nil {
					t.Fatalf("SyncCalendarToTask() failed: %v", err)
				}
				if res.Link.ConflictDetected {
					t.Fatal("only the calendar changed, want no conflict")
				}
				if got := h.task(t, task.ID); got.DueAt != nil {
					t.Errorf("DueAt = %v, want cleared by the pull", got.DueAt)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupCoordinator(t)
			var due *time.Time
			if tt.due {
				due = datePtr(2026, 2, 1, 10)
			}
			task, link := h.syncedTask(t, "Someday", due)
			tt.run(t, h, task, link)
			h.assertClean(t, task.ID)
			if got := h.task(t, task.ID); got.DueAt != nil {
				t.Errorf("DueAt = %v, want nil", got.DueAt)
			}
		})
	}
}

func TestUndatedTask_GoogleCalendar(t *testing.T) {
	h := setupCoordinator(t)
	api := calendartest.NewGoogleAPI(h.clock.Now)
	coord, err := New(h.store, calendartest.NewGoogle(t, api), Config{
		Logger: log.New(io.Discard, "", 0),
		Now:    h.clock.Now,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	h.coord, h.remote = coord, nil

	task, _ := h.syncedTask(t, "Someday", nil)
	h.assertClean(t, task.ID)
	if got := h.task(t, task.ID); got.DueAt != nil {
		t.Fatalf("pull dated an undated task: DueAt = %v", got.DueAt)
	}

	due := datePtr(2026, 3, 2, 15)
	h.editTask(t, task.ID, func(tk *schema.Task) { tk.DueAt = due })
	if _, err := h.coord.SyncTaskToCalendar(h.ctx, task.ID); err != nil {
		t.Fatalf("SyncTaskToCalendar(dated) failed: %v", err)
	}
	h.assertClean(t, task.ID)

	h.editTask(t, task.ID, func(tk *schema.Task) { tk.DueAt = nil })
	if _, err := h.coord.SyncTaskToCalendar(h.ctx, task.ID); err != nil {
		t.Fatalf("SyncTaskToCalendar(cleared) failed: %v", err)
	}
	h.assertClean(t, task.ID)
	if got := h.task(t, task.ID); got.DueAt != nil {
		t.Errorf("DueAt = %v after clearing, want nil", got.DueAt)
	}
}

func TestResolveConflict_ClearedDueDate(t *testing.T) {
	due := datePtr(2026, 2, 1, 10)

	tests := []struct {
		strategy  schema.Strategy
		wantTitle string
		wantDue   bool
	}{
		{schema.TaskWins, "Local", false},
		{schema.Merge, "Remote", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			h := setupCoordinator(t)
			task, link := h.syncedTask(t, "Original", due)
			h.editTask(t, task.ID, func(tk *schema.Task) {
				tk.Title = "Local"
				tk.DueAt = nil
			})
			h.editEvent(t, link, func(ev *calendar.Event) { ev.Title = "Remote" })
			res, err := h.coord.SyncCalendarToTask(h.ctx, task.ID)
			if err != nil {
				t.Fatalf("SyncCalendarToTask() failed: %v", err)
			}
			if res.Link.SyncStatus != schema.StatusConflict {
				t.Fatalf("SyncStatus = %s, want CONFLICT", res.Link.SyncStatus)
			}

			if _, err := h.coord.ResolveConflict(h.ctx, task.ID, ResolveRequest{Strategy: tt.strategy}); err != nil {
				t.Fatalf("ResolveConflict() failed: %v", err)
			}
			h.assertClean(t, task.ID)

			got := h.task(t, task.ID)
			if got.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", got.Title, tt.wantTitle)
			}
			if tt.wantDue && !sameInstant(got.DueAt, due) {
				t.Errorf("DueAt = %v, want %v", got.DueAt, due)
			}
			if !tt.wantDue && got.DueAt != nil {
				t.Errorf("DueAt = %v, want the cleared value kept", got.DueAt)
			}
			if ev := h.event(t, link); !sameInstant(ev.Start, got.DueAt) {
				t.Errorf("event Start = %v, task DueAt = %v", ev.Start, got.DueAt)
			}
		})
	}
}
