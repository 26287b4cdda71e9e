package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskcal/taskcal/internal/schema"
)

// setupTestDB opens a fresh SQLite database with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func newTestTask(t *testing.T, db *DB, title string) *schema.Task {
	t.Helper()
	task := schema.NewTask(title)
	if err := db.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	return task
}

func newTestLink(t *testing.T, db *DB, task *schema.Task) *schema.CalendarEventLink {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	link := &schema.CalendarEventLink{
		ID:                     schema.NewID(),
		TaskID:                 task.ID,
		EventID:                "evt-" + task.ID[:8],
		CalendarID:             "primary",
		EventTitle:             task.Title,
		TaskLastModifiedAt:     task.UpdatedAt,
		CalendarLastModifiedAt: now,
		LastSyncedAt:           now,
		SyncStatus:             schema.StatusInSync,
		Strategy:               schema.TaskWins,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := db.InsertLink(ctx, link); err != nil {
		t.Fatalf("InsertLink() failed: %v", err)
	}
	task.SyncEnabled = true
	task.LinkID = link.ID
	if err := db.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}
	return link
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"tasks", "calendar_links", "sync_history"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestOpen_EmptyDSN(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("Open(\"\") expected error")
	}
}

func TestRebind(t *testing.T) {
	pg := ops{postgres: true}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}

	lite := ops{}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind() = %q, want unchanged", got)
	}
}

func TestTaskCRUD(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := schema.NewTask("Draft budget")
	due := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	task.DueAt = &due
	task.Tags = []string{"finance"}
	if err := db.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "Draft budget" {
		t.Errorf("Title = %q, want %q", got.Title, "Draft budget")
	}
	if got.DueAt == nil || !got.DueAt.Equal(due) {
		t.Errorf("DueAt = %v, want %v", got.DueAt, due)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "finance" {
		t.Errorf("Tags = %v, want [finance]", got.Tags)
	}
	if !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v (nanosecond precision)", got.UpdatedAt, task.UpdatedAt)
	}

	got.Status = schema.TaskCompleted
	if err := db.UpdateTask(ctx, got); err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	tasks, err := db.ListTasks(ctx, TaskFilter{Status: schema.TaskCompleted})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("len(ListTasks) = %d, want 1", len(tasks))
	}

	missing := schema.NewTask("ghost")
	if err := db.UpdateTask(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTask(missing) error = %v, want ErrNotFound", err)
	}

	if err := db.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := db.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestLink_OptimisticVersion(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := newTestTask(t, db, "Standup")
	link := newTestLink(t, db, task)
	if link.Version != 1 {
		t.Fatalf("Version = %d, want 1", link.Version)
	}

	first, err := db.GetLinkByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetLinkByTask() failed: %v", err)
	}
	second := first.Clone()

	first.SetStatus(schema.StatusSyncPending)
	if err := db.UpdateLink(ctx, first); err != nil {
		t.Fatalf("UpdateLink() failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Version after update = %d, want 2", first.Version)
	}

	second.SetStatus(schema.StatusSyncFailed)
	if err := db.UpdateLink(ctx, second); !errors.Is(err, ErrStaleLink) {
		t.Errorf("UpdateLink(stale) error = %v, want ErrStaleLink", err)
	}

	stored, err := db.GetLink(ctx, link.ID)
	if err != nil {
		t.Fatalf("GetLink() failed: %v", err)
	}
	if stored.SyncStatus != schema.StatusSyncPending {
		t.Errorf("SyncStatus = %s, want SYNC_PENDING", stored.SyncStatus)
	}

	if err := db.InsertLink(ctx, link); !errors.Is(err, ErrLinkExists) {
		t.Errorf("InsertLink(duplicate) error = %v, want ErrLinkExists", err)
	}
}

func TestListLinksAndCounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := newTestLink(t, db, newTestTask(t, db, "A"))
	b := newTestLink(t, db, newTestTask(t, db, "B"))
	newTestLink(t, db, newTestTask(t, db, "C"))

	a.SetStatus(schema.StatusConflict)
	if err := db.UpdateLink(ctx, a); err != nil {
		t.Fatalf("UpdateLink(a) failed: %v", err)
	}
	b.SetStatus(schema.StatusSyncFailed)
	if err := db.UpdateLink(ctx, b); err != nil {
		t.Fatalf("UpdateLink(b) failed: %v", err)
	}

	conflicts, err := db.ListLinks(ctx, LinkFilter{ConflictOnly: true})
	if err != nil {
		t.Fatalf("ListLinks() failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ID != a.ID {
		t.Errorf("conflicted links = %d, want only %s", len(conflicts), a.ID)
	}

	failed, err := db.ListLinks(ctx, LinkFilter{Statuses: []schema.SyncStatus{schema.StatusSyncFailed, schema.StatusSyncPending}})
	if err != nil {
		t.Fatalf("ListLinks() failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != b.ID {
		t.Errorf("failed links = %d, want only %s", len(failed), b.ID)
	}

	counts, err := db.CountLinksByStatus(ctx)
	if err != nil {
		t.Fatalf("CountLinksByStatus() failed: %v", err)
	}
	want := map[schema.SyncStatus]int{
		schema.StatusInSync:      1,
		schema.StatusConflict:    1,
		schema.StatusSyncFailed:  1,
		schema.StatusSyncPending: 0,
	}
	for status, n := range want {
		if counts[status] != n {
			t.Errorf("counts[%s] = %d, want %d", status, counts[status], n)
		}
	}
}

func TestHistory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	link := newTestLink(t, db, newTestTask(t, db, "Review"))
	base := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	records := []*schema.SyncHistoryRecord{
		{LinkID: link.ID, Type: schema.SyncInitial, Direction: schema.TaskToCalendar, Status: schema.StatusInSync, SyncedAt: base},
		{LinkID: link.ID, Type: schema.SyncAutomatic, Direction: schema.TaskToCalendar, Status: schema.StatusSyncFailed, Error: "timeout", SyncedAt: base.Add(time.Minute)},
		{LinkID: link.ID, Type: schema.SyncAutomatic, Direction: schema.TaskToCalendar, Status: schema.StatusSyncFailed, Error: "503", SyncedAt: base.Add(2 * time.Minute),
			Changes: []schema.FieldChange{{Field: "title", Old: "a", New: "b"}}},
	}
	for _, rec := range records {
		if err := db.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("AppendHistory() failed: %v", err)
		}
	}

	got, err := db.ListHistory(ctx, link.ID, 0)
	if err != nil {
		t.Fatalf("ListHistory() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(got))
	}
	if got[0].Error != "503" || len(got[0].Changes) != 1 {
		t.Errorf("newest record = %+v, want the 503 failure with one change", got[0])
	}
	if got[2].Type != schema.SyncInitial {
		t.Errorf("oldest record type = %s, want INITIAL_SYNC", got[2].Type)
	}

	n, last, err := db.ConsecutiveFailures(ctx, link.ID)
	if err != nil {
		t.Fatalf("ConsecutiveFailures() failed: %v", err)
	}
	if n != 2 || !last.Equal(base.Add(2*time.Minute)) {
		t.Errorf("ConsecutiveFailures() = %d, %v; want 2, %v", n, last, base.Add(2*time.Minute))
	}

	total, failed, err := db.CountHistory(ctx)
	if err != nil {
		t.Fatalf("CountHistory() failed: %v", err)
	}
	if total != 3 || failed != 2 {
		t.Errorf("CountHistory() = %d, %d; want 3, 2", total, failed)
	}

	// Deleting the task cascades through the link to its history.
	if err := db.DeleteTask(ctx, link.TaskID); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if _, err := db.GetLink(ctx, link.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetLink() after cascade error = %v, want ErrNotFound", err)
	}
	got, err = db.ListHistory(ctx, link.ID, 0)
	if err != nil || len(got) != 0 {
		t.Errorf("ListHistory() after cascade = %d records, %v", len(got), err)
	}
}

func TestEditTask_MarksLinkModified(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := newTestTask(t, db, "Dentist")
	link := newTestLink(t, db, task)

	edit := task.Clone()
	edit.Tags = []string{"health"}
	edit.Touch(time.Now().UTC())
	marked, err := db.EditTask(ctx, edit)
	if err != nil {
		t.Fatalf("EditTask(tags) failed: %v", err)
	}
	if marked {
		t.Error("EditTask(tags only) marked the link; tags are not synced")
	}

	edit.Title = "Dentist (moved)"
	marked, err = db.EditTask(ctx, edit)
	if err != nil {
		t.Fatalf("EditTask(title) failed: %v", err)
	}
	if !marked {
		t.Fatal("EditTask(title) did not mark the link")
	}

	stored, err := db.GetLink(ctx, link.ID)
	if err != nil {
		t.Fatalf("GetLink() failed: %v", err)
	}
	if stored.SyncStatus != schema.StatusTaskModified {
		t.Errorf("SyncStatus = %s, want TASK_MODIFIED", stored.SyncStatus)
	}

	reloaded, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if !reloaded.SyncEnabled || reloaded.LinkID != link.ID {
		t.Error("EditTask dropped sync bookkeeping")
	}
}

func TestUpsertTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := schema.NewTask("Imported")
	created, err := db.UpsertTask(ctx, task)
	if err != nil || !created {
		t.Fatalf("UpsertTask(new) = %v, %v; want created", created, err)
	}

	task.Title = "Imported again"
	created, err = db.UpsertTask(ctx, task)
	if err != nil || created {
		t.Fatalf("UpsertTask(existing) = %v, %v; want updated", created, err)
	}

	got, err := db.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "Imported again" {
		t.Errorf("Title = %q, want %q", got.Title, "Imported again")
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	task := schema.NewTask("Rolled back")
	sentinel := errors.New("boom")
	err := db.WithTx(ctx, func(tx *Tx) error {
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx() error = %v, want sentinel", err)
	}
	if _, err := db.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask() after rollback error = %v, want ErrNotFound", err)
	}
}
