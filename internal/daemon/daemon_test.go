package daemon

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskcal/taskcal/internal/calendar"
	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/db"
	"github.com/taskcal/taskcal/internal/schema"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

type fixture struct {
	ctx    context.Context
	store  *db.DB
	remote *calendar.Memory
	coord  *calsync.Coordinator
	clock  *testClock
	daemon *Daemon
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupDaemon creates a daemon over a fresh SQLite store and an in-memory
// calendar sharing one test clock.
func setupDaemon(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "daemon.db"))
	if err != nil {
		t.Fatalf("db.Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	clock := &testClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	remote := calendar.NewMemory()
	remote.SetClock(clock.Now)

	coord, err := calsync.New(store, remote, calsync.Config{Logger: quietLogger(), Now: clock.Now})
	if err != nil {
		t.Fatalf("calsync.New() failed: %v", err)
	}

	config := DefaultConfig()
	config.Logger = quietLogger()
	config.RetryDelay = 0
	if mutate != nil {
		mutate(config)
	}
	d, err := NewWithConfig(store, coord, config)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	d.now = clock.Peek

	return &fixture{ctx: context.Background(), store: store, remote: remote, coord: coord, clock: clock, daemon: d}
}

func (f *fixture) syncedTask(t *testing.T, title string) (*schema.Task, *schema.CalendarEventLink) {
	t.Helper()
	task := schema.NewTask(title)
	now := f.clock.Now()
	task.CreatedAt, task.UpdatedAt = now, now
	if err := f.store.CreateTask(f.ctx, task); err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	link, err := f.coord.EnableSync(f.ctx, task.ID, calsync.EnableOptions{})
	if err != nil {
		t.Fatalf("EnableSync() failed: %v", err)
	}
	return task, link
}

func (f *fixture) editTask(t *testing.T, id, title string) {
	t.Helper()
	task, err := f.store.GetTask(f.ctx, id)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	task.Title = title
	task.Touch(f.clock.Now())
	if _, err := f.store.EditTask(f.ctx, task); err != nil {
		t.Fatalf("EditTask() failed: %v", err)
	}
}

func (f *fixture) status(t *testing.T, taskID string) schema.SyncStatus {
	t.Helper()
	link, err := f.store.GetLinkByTask(f.ctx, taskID)
	if err != nil {
		t.Fatalf("GetLinkByTask() failed: %v", err)
	}
	return link.SyncStatus
}

func TestNewWithConfig(t *testing.T) {
	f := setupDaemon(t, nil)

	tests := []struct {
		name    string
		store   *db.DB
		coord   *calsync.Coordinator
		config  *Config
		wantErr bool
	}{
		{name: "valid", store: f.store, coord: f.coord, config: &Config{}},
		{name: "nil config uses defaults", store: f.store, coord: f.coord},
		{name: "nil store", coord: f.coord, wantErr: true},
		{name: "nil coordinator", store: f.store, wantErr: true},
		{name: "negative retries", store: f.store, coord: f.coord, config: &Config{MaxRetries: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.store, tt.coord, tt.config)
			if tt.wantErr {
				if err == nil {
					t.Error("NewWithConfig() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewWithConfig() failed: %v", err)
			}
			if d.config.Logger == nil {
				t.Error("Logger not defaulted")
			}
		})
	}
}

func TestSweepPending_ContinuesPastFailures(t *testing.T) {
	f := setupDaemon(t, nil)

	edited, editedLink := f.syncedTask(t, "Edited")
	queued, _ := f.syncedTask(t, "Queued")
	broken, brokenLink := f.syncedTask(t, "Broken")
	idle, _ := f.syncedTask(t, "Idle")

	f.editTask(t, edited.ID, "Edited v2")
	if _, err := f.coord.QueueSync(f.ctx, queued.ID); err != nil {
		t.Fatal(err)
	}
	f.editTask(t, broken.ID, "Broken v2")
	if err := f.remote.DeleteEvent(f.ctx, brokenLink.CalendarID, brokenLink.EventID); err != nil {
		t.Fatal(err)
	}

	res := f.daemon.SweepPending(f.ctx)
	if res.Processed != 3 || res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("SweepPending() = %+v, want 3 processed, 2 ok, 1 failed", res)
	}
	if len(res.Errors) != 1 || res.Errors[0].TaskID != broken.ID || res.Errors[0].Kind != "NOT_FOUND" {
		t.Errorf("Errors = %+v", res.Errors)
	}

	if s := f.status(t, edited.ID); s != schema.StatusInSync {
		t.Errorf("edited status = %s, want IN_SYNC", s)
	}
	if s := f.status(t, queued.ID); s != schema.StatusInSync {
		t.Errorf("queued status = %s, want IN_SYNC", s)
	}
	if s := f.status(t, broken.ID); s != schema.StatusSyncFailed {
		t.Errorf("broken status = %s, want SYNC_FAILED", s)
	}
	if s := f.status(t, idle.ID); s != schema.StatusInSync {
		t.Errorf("idle status = %s, want IN_SYNC", s)
	}

	ev, err := f.remote.GetEvent(f.ctx, editedLink.CalendarID, editedLink.EventID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Title != "Edited v2" {
		t.Errorf("remote title = %q, want Edited v2", ev.Title)
	}
}

func TestSweepPending_SkipsDisabledTasks(t *testing.T) {
	f := setupDaemon(t, nil)
	task, _ := f.syncedTask(t, "Paused")
	f.editTask(t, task.ID, "Paused v2")

	// Switch sync off on the task without removing the link.
	stored, _ := f.store.GetTask(f.ctx, task.ID)
	stored.SyncEnabled = false
	stored.LinkID = ""
	if err := f.store.UpdateTask(f.ctx, stored); err != nil {
		t.Fatal(err)
	}

	res := f.daemon.SweepPending(f.ctx)
	if res.Processed != 0 {
		t.Errorf("Processed = %d, want 0", res.Processed)
	}
}

func TestCheckConflicts(t *testing.T) {
	f := setupDaemon(t, nil)

	conflict := func(title string) (*schema.Task, *schema.CalendarEventLink) {
		task, link := f.syncedTask(t, title)
		f.editTask(t, task.ID, title+" local")
		if err := f.remote.Edit(link.CalendarID, link.EventID, func(ev *calendar.Event) { ev.Title = title + " remote" }); err != nil {
			t.Fatal(err)
		}
		res, err := f.coord.SyncCalendarToTask(f.ctx, task.ID)
		if err != nil || !res.Link.ConflictDetected {
			t.Fatalf("setup conflict: %v", err)
		}
		return task, link
	}

	stuck, _ := conflict("Stuck")
	converged, convergedLink := conflict("Converged")
	if err := f.remote.Edit(convergedLink.CalendarID, convergedLink.EventID, func(ev *calendar.Event) { ev.Title = "Converged local" }); err != nil {
		t.Fatal(err)
	}

	res := f.daemon.CheckConflicts(f.ctx)
	if res.Processed != 2 || res.Conflicts != 1 || res.Failed != 0 {
		t.Errorf("CheckConflicts() = %+v, want 2 processed, 1 conflict", res)
	}
	if s := f.status(t, stuck.ID); s != schema.StatusConflict {
		t.Errorf("stuck status = %s, want CONFLICT", s)
	}
	if s := f.status(t, converged.ID); s != schema.StatusInSync {
		t.Errorf("converged status = %s, want IN_SYNC", s)
	}
}

func TestRetryFailed(t *testing.T) {
	f := setupDaemon(t, func(c *Config) { c.MaxRetries = 1 })
	task, _ := f.syncedTask(t, "Flaky")
	f.editTask(t, task.ID, "Flaky v2")

	f.remote.Fail(calendar.OpUpdate)
	if _, err := f.coord.SyncTaskToCalendar(f.ctx, task.ID); err == nil {
		t.Fatal("push with remote down succeeded")
	}

	// First retry is allowed and fails again.
	res := f.daemon.RetryFailed(f.ctx)
	if res.Processed != 1 || res.Failed != 1 {
		t.Fatalf("first RetryFailed() = %+v, want 1 failed", res)
	}

	// The budget is spent; the link is left alone even once the remote heals.
	f.remote.Heal()
	res = f.daemon.RetryFailed(f.ctx)
	if res.Skipped != 1 || res.Processed != 0 {
		t.Errorf("second RetryFailed() = %+v, want 1 skipped", res)
	}
	if s := f.status(t, task.ID); s != schema.StatusSyncFailed {
		t.Errorf("status = %s, want SYNC_FAILED", s)
	}

	// A manual sync still works and resets the count.
	if _, err := f.coord.SyncTaskToCalendar(f.ctx, task.ID); err != nil {
		t.Fatalf("manual push failed: %v", err)
	}
	if s := f.status(t, task.ID); s != schema.StatusInSync {
		t.Errorf("status = %s, want IN_SYNC", s)
	}
}

func TestRetryFailed_RetriesLastDirection(t *testing.T) {
	f := setupDaemon(t, nil)
	task, link := f.syncedTask(t, "Pulled")

	f.remote.Fail(calendar.OpGet)
	if _, err := f.coord.SyncCalendarToTask(f.ctx, task.ID); err == nil {
		t.Fatal("pull with remote down succeeded")
	}
	f.remote.Heal()
	if err := f.remote.Edit(link.CalendarID, link.EventID, func(ev *calendar.Event) { ev.Title = "Renamed remotely" }); err != nil {
		t.Fatal(err)
	}
	updates := f.remote.Calls(calendar.OpUpdate)

	res := f.daemon.RetryFailed(f.ctx)
	if res.Succeeded != 1 {
		t.Fatalf("RetryFailed() = %+v, want 1 succeeded", res)
	}
	if f.remote.Calls(calendar.OpUpdate) != updates {
		t.Error("retry of a failed pull wrote to the remote calendar")
	}
	stored, _ := f.store.GetTask(f.ctx, task.ID)
	if stored.Title != "Renamed remotely" {
		t.Errorf("task Title = %q, want the remote value", stored.Title)
	}
}

func TestRetryFailed_HonorsDelay(t *testing.T) {
	f := setupDaemon(t, func(c *Config) { c.RetryDelay = time.Hour })
	task, _ := f.syncedTask(t, "Recent")

	f.remote.Fail(calendar.OpGet)
	_, _ = f.coord.SyncTaskToCalendar(f.ctx, task.ID)
	f.remote.Heal()

	res := f.daemon.RetryFailed(f.ctx)
	if res.Skipped != 1 {
		t.Errorf("RetryFailed() = %+v, want 1 skipped inside the delay", res)
	}

	f.daemon.now = func() time.Time { return f.clock.Peek().Add(2 * time.Hour) }
	res = f.daemon.RetryFailed(f.ctx)
	if res.Succeeded != 1 {
		t.Errorf("RetryFailed() after delay = %+v, want 1 succeeded", res)
	}
}

func TestFullSync(t *testing.T) {
	f := setupDaemon(t, nil)

	pending, pendingLink := f.syncedTask(t, "Pending")
	f.editTask(t, pending.ID, "Pending v2")

	remoteEdited, remoteLink := f.syncedTask(t, "Remote edit")
	if err := f.remote.Edit(remoteLink.CalendarID, remoteLink.EventID, func(ev *calendar.Event) { ev.Title = "Remote edit v2" }); err != nil {
		t.Fatal(err)
	}

	failed, _ := f.syncedTask(t, "Failed")
	f.remote.Fail(calendar.OpGet)
	_, _ = f.coord.SyncTaskToCalendar(f.ctx, failed.ID)
	f.remote.Heal()

	var seen []*SweepResult
	f.daemon.OnSweep(func(r *SweepResult) { seen = append(seen, r) })

	res := f.daemon.FullSync(f.ctx)
	if res.Kind != SweepFull || res.Processed != 2 || res.Skipped != 1 || res.Failed != 0 {
		t.Errorf("FullSync() = %+v, want 2 processed, 1 skipped", res)
	}
	if len(seen) != 1 || seen[0] != res {
		t.Errorf("observers saw %d results", len(seen))
	}

	ev, _ := f.remote.GetEvent(f.ctx, pendingLink.CalendarID, pendingLink.EventID)
	if ev.Title != "Pending v2" {
		t.Errorf("pending remote title = %q, want pushed value", ev.Title)
	}
	stored, _ := f.store.GetTask(f.ctx, remoteEdited.ID)
	if stored.Title != "Remote edit v2" {
		t.Errorf("pulled task title = %q, want remote value", stored.Title)
	}
}

func TestImportInbox(t *testing.T) {
	inbox := t.TempDir()
	f := setupDaemon(t, func(c *Config) { c.InboxDir = inbox })

	fresh := schema.NewTask("From a file")
	if err := schema.WriteTaskFile(inbox, fresh); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(inbox, "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	n, err := f.daemon.ImportInbox(f.ctx)
	if err != nil {
		t.Fatalf("ImportInbox() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("ImportInbox() imported %d, want 1", n)
	}
	if _, err := f.store.GetTask(f.ctx, fresh.ID); err != nil {
		t.Errorf("imported task missing: %v", err)
	}

	// Editing the file of a synced task queues a push.
	f.daemon.now = f.clock.Now
	synced, _ := f.syncedTask(t, "Synced")
	file, _ := f.store.GetTask(f.ctx, synced.ID)
	file.Title = "Synced, edited in a file"
	file.UpdatedAt = file.CreatedAt // stale timestamp from the file
	if err := schema.WriteTaskFile(inbox, file); err != nil {
		t.Fatal(err)
	}
	if _, err := f.daemon.ImportInbox(f.ctx); err != nil {
		t.Fatalf("ImportInbox() failed: %v", err)
	}
	if s := f.status(t, synced.ID); s != schema.StatusTaskModified {
		t.Errorf("status = %s, want TASK_MODIFIED", s)
	}
	link, _ := f.store.GetLinkByTask(f.ctx, synced.ID)
	stored, _ := f.store.GetTask(f.ctx, synced.ID)
	if !stored.UpdatedAt.After(link.LastSyncedAt) {
		t.Errorf("imported edit UpdatedAt %v not after LastSyncedAt %v", stored.UpdatedAt, link.LastSyncedAt)
	}
	if !stored.SyncEnabled {
		t.Error("file import cleared sync bookkeeping")
	}
}

func TestImportInbox_ClockBehindStoredTask(t *testing.T) {
	inbox := t.TempDir()
	f := setupDaemon(t, func(c *Config) { c.InboxDir = inbox })

	synced, _ := f.syncedTask(t, "Synced")
	f.editTask(t, synced.ID, "Edited locally")
	stored, _ := f.store.GetTask(f.ctx, synced.ID)
	lagging := stored.UpdatedAt.Add(-time.Hour)
	f.daemon.now = func() time.Time { return lagging }

	file := stored.Clone()
	file.Title = "Edited while the clock lags"
	file.UpdatedAt = file.CreatedAt
	if err := schema.WriteTaskFile(inbox, file); err != nil {
		t.Fatal(err)
	}
	if _, err := f.daemon.ImportInbox(f.ctx); err != nil {
		t.Fatalf("ImportInbox() failed: %v", err)
	}

	got, err := f.store.GetTask(f.ctx, synced.ID)
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != file.Title {
		t.Errorf("Title = %q, want %q", got.Title, file.Title)
	}
	if got.UpdatedAt.Before(stored.UpdatedAt) {
		t.Errorf("UpdatedAt moved back from %v to %v", stored.UpdatedAt, got.UpdatedAt)
	}
}

func TestDaemon_StartImportsInboxFiles(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	f := setupDaemon(t, func(c *Config) {
		c.InboxDir = inbox
		c.DebounceInterval = 10 * time.Millisecond
	})
	f.daemon.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.daemon.Start(ctx) }()

	// Wait for the inbox directory to be created and watched.
	deadline := time.Now().Add(5 * time.Second)
	for !f.daemon.inboxRunning() {
		if time.Now().After(deadline) {
			t.Fatal("inbox watcher never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	task := schema.NewTask("Dropped in")
	if err := schema.WriteTaskFile(inbox, task); err != nil {
		t.Fatal(err)
	}

	for {
		if _, err := f.store.GetTask(context.Background(), task.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task file was not imported")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := os.Remove(filepath.Join(inbox, task.Filename())); err != nil {
		t.Fatal(err)
	}
	for {
		if _, err := f.store.GetTask(context.Background(), task.ID); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task was not deleted after its file was removed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	// Stop after shutdown is a no-op.
	if err := f.daemon.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}
