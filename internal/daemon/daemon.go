// Package daemon runs the periodic sync sweeps and the task inbox importer.
//
// The daemon:
//  1. Pushes links that are SYNC_PENDING or TASK_MODIFIED (when auto-sync is on)
//  2. Re-checks links flagged CONFLICT against the remote calendar
//  3. Retries SYNC_FAILED links, up to a retry budget
//  4. Imports task files dropped into the inbox directory
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/db"
	"github.com/taskcal/taskcal/internal/schema"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often pending links are pushed.
	SyncInterval time.Duration

	// ConflictCheckInterval is how often flagged conflicts are re-checked.
	ConflictCheckInterval time.Duration

	// RetryInterval is how often failed links are retried.
	RetryInterval time.Duration

	// AutoSyncEnabled turns the periodic pending sweep on. The other sweeps
	// always run.
	AutoSyncEnabled bool

	// MaxRetries is how many times a failed link is retried before it is
	// left for the user. Zero means unlimited.
	MaxRetries int

	// RetryDelay is the minimum time between a failure and its retry.
	RetryDelay time.Duration

	// InboxDir is watched for task JSON files. Empty disables the inbox.
	InboxDir string

	// DebounceInterval is how long a changed inbox file must stay quiet
	// before it is imported.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:          5 * time.Minute,
		ConflictCheckInterval: time.Hour,
		RetryInterval:         24 * time.Hour,
		AutoSyncEnabled:       true,
		MaxRetries:            3,
		RetryDelay:            5 * time.Second,
		DebounceInterval:      100 * time.Millisecond,
		Logger:                log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// SweepKind names one of the daemon's sweeps.
type SweepKind string

const (
	SweepPending   SweepKind = "pending"
	SweepConflicts SweepKind = "conflicts"
	SweepRetry     SweepKind = "retry"
	SweepFull      SweepKind = "full"
)

// ItemError is one link's failure within a sweep.
type ItemError struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SweepResult summarizes one pass over a set of links.
type SweepResult struct {
	Kind      SweepKind     `json:"kind"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Skipped   int           `json:"skipped"`
	Errors    []ItemError   `json:"errors,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// outcome is what a sweep step did with one link.
type outcome int

const (
	outcomeSynced outcome = iota
	outcomeConflict
	outcomeSkipped
)

// Daemon schedules sweeps over the link store and imports inbox files.
type Daemon struct {
	store  *db.DB
	coord  *calsync.Coordinator
	config *Config
	now    func() time.Time

	inboxMu       sync.Mutex
	inbox         *InboxWatcher
	changeQueue   map[string]inboxChange
	changeQueueMu sync.Mutex

	obsMu     sync.RWMutex
	observers []func(*SweepResult)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type inboxChange struct {
	op       EventOp
	taskID   string
	queuedAt time.Time
}

// New creates a Daemon with the default configuration.
func New(store *db.DB, coord *calsync.Coordinator) (*Daemon, error) {
	return NewWithConfig(store, coord, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(store *db.DB, coord *calsync.Coordinator, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries cannot be negative")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       store,
		coord:       coord,
		config:      config,
		now:         time.Now,
		changeQueue: make(map[string]inboxChange),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// OnSweep registers fn to be called after every sweep.
func (d *Daemon) OnSweep(fn func(*SweepResult)) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, fn)
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Import every task file already in the inbox
// 2. Start watching the inbox for changes
// 3. Run each sweep on its own ticker
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.InboxDir != "" {
		if err := os.MkdirAll(d.config.InboxDir, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory: %w", err)
		}
		if _, err := d.ImportInbox(ctx); err != nil {
			return fmt.Errorf("initial inbox import failed: %w", err)
		}

		inbox, err := NewInboxWatcher()
		if err != nil {
			return err
		}
		if err := inbox.Start(d.config.InboxDir); err != nil {
			return err
		}
		d.inboxMu.Lock()
		d.inbox = inbox
		d.inboxMu.Unlock()
		d.config.Logger.Printf("Watching inbox: %s", d.config.InboxDir)

		d.wg.Add(2)
		go d.watchInbox(inbox)
		go d.processChangeQueue()
	}

	if d.config.AutoSyncEnabled {
		d.every(d.config.SyncInterval, d.SweepPending)
	} else {
		d.config.Logger.Println("Auto-sync disabled; pending links are pushed on demand only")
	}
	d.every(d.config.ConflictCheckInterval, d.CheckConflicts)
	d.every(d.config.RetryInterval, d.RetryFailed)

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		d.inboxMu.Lock()
		inbox := d.inbox
		d.inboxMu.Unlock()
		if inbox != nil {
			if err := inbox.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

func (d *Daemon) inboxRunning() bool {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	return d.inbox != nil && d.inbox.IsRunning()
}

// every runs sweep on a ticker until the daemon stops. A non-positive
// interval disables the sweep.
func (d *Daemon) every(interval time.Duration, sweep func(context.Context) *SweepResult) {
	if interval <= 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				sweep(d.ctx)
			}
		}
	}()
}

// SweepPending pushes every sync-enabled link that is SYNC_PENDING or
// TASK_MODIFIED.
func (d *Daemon) SweepPending(ctx context.Context) *SweepResult {
	filter := db.LinkFilter{
		Statuses:        []schema.SyncStatus{schema.StatusSyncPending, schema.StatusTaskModified},
		SyncEnabledOnly: true,
	}
	return d.sweep(ctx, SweepPending, filter, func(ctx context.Context, link *schema.CalendarEventLink) (outcome, error) {
		return d.push(ctx, link.TaskID)
	})
}

// CheckConflicts pulls every link flagged CONFLICT. A conflict that is
// still present stays flagged; one whose fields converged is cleared.
func (d *Daemon) CheckConflicts(ctx context.Context) *SweepResult {
	filter := db.LinkFilter{ConflictOnly: true, SyncEnabledOnly: true}
	return d.sweep(ctx, SweepConflicts, filter, func(ctx context.Context, link *schema.CalendarEventLink) (outcome, error) {
		return d.pull(ctx, link.TaskID)
	})
}

// RetryFailed re-runs the last failed direction for every SYNC_FAILED link.
// Links that have used up MaxRetries, or failed less than RetryDelay ago,
// are skipped.
func (d *Daemon) RetryFailed(ctx context.Context) *SweepResult {
	filter := db.LinkFilter{Statuses: []schema.SyncStatus{schema.StatusSyncFailed}, SyncEnabledOnly: true}
	return d.sweep(ctx, SweepRetry, filter, func(ctx context.Context, link *schema.CalendarEventLink) (outcome, error) {
		failures, lastFailure, err := d.store.ConsecutiveFailures(ctx, link.ID)
		if err != nil {
			return outcomeSkipped, err
		}
		if d.config.MaxRetries > 0 && failures > d.config.MaxRetries {
			d.config.Logger.Printf("Task %s failed %d times; leaving it for manual sync", link.TaskID, failures)
			return outcomeSkipped, nil
		}
		if !lastFailure.IsZero() && d.now().Sub(lastFailure) < d.config.RetryDelay {
			return outcomeSkipped, nil
		}

		history, err := d.store.ListHistory(ctx, link.ID, 1)
		if err != nil {
			return outcomeSkipped, err
		}
		if len(history) == 1 && history[0].Direction == schema.CalendarToTask {
			return d.pull(ctx, link.TaskID)
		}
		return d.push(ctx, link.TaskID)
	})
}

// FullSync brings every sync-enabled link up to date: pending links are
// pushed, in-sync links are pulled. Conflicted and failed links are left
// to CheckConflicts and RetryFailed.
func (d *Daemon) FullSync(ctx context.Context) *SweepResult {
	filter := db.LinkFilter{SyncEnabledOnly: true}
	return d.sweep(ctx, SweepFull, filter, func(ctx context.Context, link *schema.CalendarEventLink) (outcome, error) {
		switch {
		case link.ConflictDetected, link.SyncStatus == schema.StatusSyncFailed:
			return outcomeSkipped, nil
		case link.SyncStatus.NeedsPush():
			return d.push(ctx, link.TaskID)
		default:
			return d.pull(ctx, link.TaskID)
		}
	})
}

// sweep lists the candidate links and runs step on each. A failing link is
// logged and counted; it never stops the sweep.
func (d *Daemon) sweep(ctx context.Context, kind SweepKind, filter db.LinkFilter, step func(context.Context, *schema.CalendarEventLink) (outcome, error)) *SweepResult {
	result := &SweepResult{Kind: kind, StartedAt: d.now()}
	defer func() {
		result.Duration = d.now().Sub(result.StartedAt)
		d.publish(result)
	}()

	links, err := d.store.ListLinks(ctx, filter)
	if err != nil {
		d.config.Logger.Printf("Error listing links for %s sweep: %v", kind, err)
		result.Errors = append(result.Errors, ItemError{Kind: calsync.Kind(err), Message: err.Error()})
		return result
	}

	for _, link := range links {
		if ctx.Err() != nil {
			d.config.Logger.Printf("%s sweep interrupted after %d of %d links", kind, result.Processed, len(links))
			break
		}

		out, err := step(ctx, link)
		if err != nil {
			result.Processed++
			result.Failed++
			result.Errors = append(result.Errors, ItemError{TaskID: link.TaskID, Kind: calsync.Kind(err), Message: err.Error()})
			d.config.Logger.Printf("Warning: %s sweep failed for task %s: %v", kind, link.TaskID, err)
			continue
		}
		switch out {
		case outcomeSkipped:
			result.Skipped++
		case outcomeConflict:
			result.Processed++
			result.Succeeded++
			result.Conflicts++
		default:
			result.Processed++
			result.Succeeded++
		}
	}

	if result.Processed > 0 || result.Failed > 0 {
		d.config.Logger.Printf("%s sweep: %d processed, %d failed, %d conflicts, %d skipped",
			kind, result.Processed, result.Failed, result.Conflicts, result.Skipped)
	}
	return result
}

func (d *Daemon) push(ctx context.Context, taskID string) (outcome, error) {
	_, err := d.coord.SyncTaskToCalendar(ctx, taskID)
	return outcomeSynced, err
}

func (d *Daemon) pull(ctx context.Context, taskID string) (outcome, error) {
	res, err := d.coord.SyncCalendarToTask(ctx, taskID)
	if err != nil {
		return outcomeSynced, err
	}
	if res.Link.ConflictDetected {
		return outcomeConflict, nil
	}
	return outcomeSynced, nil
}

func (d *Daemon) publish(result *SweepResult) {
	d.obsMu.RLock()
	defer d.obsMu.RUnlock()
	for _, fn := range d.observers {
		fn(result)
	}
}

// ImportInbox imports every task file in the inbox directory. Invalid files
// are logged and skipped.
func (d *Daemon) ImportInbox(ctx context.Context) (int, error) {
	tasks, skipped, err := schema.ReadAllTaskFiles(d.config.InboxDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox: %w", err)
	}
	for name, err := range skipped {
		d.config.Logger.Printf("Warning: skipping inbox file %s: %v", name, err)
	}

	imported := 0
	for _, task := range tasks {
		if err := d.importTask(ctx, task); err != nil {
			d.config.Logger.Printf("Warning: failed to import task %s: %v", task.ID, err)
			continue
		}
		imported++
	}
	if imported > 0 {
		d.config.Logger.Printf("Imported %d task(s) from inbox", imported)
	}
	return imported, nil
}

// importTask creates or updates a task from a file. An edit that changes
// content is stamped with the current time so that conflict detection sees
// it as a local modification even when the file carries an old timestamp.
func (d *Daemon) importTask(ctx context.Context, task *schema.Task) error {
	existing, err := d.store.GetTask(ctx, task.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return err
	default:
		if sameContent(existing, task) {
			return nil
		}
		// Raise the file's timestamp to the stored one first, so the
		// task never moves back in time when the clock lags.
		task.Touch(existing.UpdatedAt)
		task.Touch(d.now().UTC())
	}

	created, err := d.store.UpsertTask(ctx, task)
	if err != nil {
		return err
	}
	if created {
		d.config.Logger.Printf("Imported new task %s (%s)", task.ID, task.Title)
	} else {
		d.config.Logger.Printf("Updated task %s from inbox", task.ID)
	}
	return nil
}

// removeTask deletes a task whose inbox file was removed, together with its
// remote event.
func (d *Daemon) removeTask(ctx context.Context, taskID string) error {
	_, err := d.coord.DeleteTask(ctx, taskID)
	if errors.Is(err, calsync.ErrNotFound) {
		return nil
	}
	if err == nil {
		d.config.Logger.Printf("Deleted task %s (inbox file removed)", taskID)
	}
	return err
}

func sameContent(a, b *schema.Task) bool {
	if a.Title != b.Title || a.Description != b.Description || a.Status != b.Status {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	switch {
	case a.DueAt == nil && b.DueAt == nil:
		return true
	case a.DueAt == nil || b.DueAt == nil:
		return false
	default:
		return a.DueAt.Equal(*b.DueAt)
	}
}
