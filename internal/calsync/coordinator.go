package calsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskcal/taskcal/internal/calendar"
	"github.com/taskcal/taskcal/internal/db"
	"github.com/taskcal/taskcal/internal/schema"
)

// Config holds coordinator defaults.
type Config struct {
	// DefaultCalendarID is used when EnableSync is given no calendar.
	DefaultCalendarID string

	// DefaultStrategy is stored on new links when EnableSync is given none.
	DefaultStrategy schema.Strategy

	// Logger receives warnings for best-effort failures. Defaults to stderr
	// with a "[sync] " prefix.
	Logger *log.Logger

	// RemoteTimeout bounds each remote calendar call. Zero means no bound
	// beyond the caller's context.
	RemoteTimeout time.Duration

	// Now is the clock. Defaults to time.Now in UTC.
	Now func() time.Time
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		DefaultCalendarID: "primary",
		DefaultStrategy:   schema.TaskWins,
		RemoteTimeout:     15 * time.Second,
	}
}

// Coordinator runs every sync operation for task/event pairs. Operations
// on the same task are serialized; different tasks proceed in parallel.
type Coordinator struct {
	store  *db.DB
	remote calendar.Client
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	locks  *keyedMutex

	obsMu     sync.RWMutex
	observers []func(Notification)
}

// New creates a Coordinator. The store must have its schema initialized.
func New(store *db.DB, remote calendar.Client, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if remote == nil {
		return nil, fmt.Errorf("remote calendar client cannot be nil")
	}

	if cfg.DefaultCalendarID == "" {
		cfg.DefaultCalendarID = "primary"
	}
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = schema.TaskWins
	}
	if !cfg.DefaultStrategy.IsValid() {
		return nil, fmt.Errorf("%w: default strategy %q", ErrInvalidInput, cfg.DefaultStrategy)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Coordinator{
		store:  store,
		remote: calendar.WithTimeout(remote, cfg.RemoteTimeout),
		cfg:    cfg,
		logger: cfg.Logger,
		now:    func() time.Time { return now().UTC() },
		locks:  newKeyedMutex(),
	}, nil
}

// SyncResult is the outcome of a push, pull or resolution.
type SyncResult struct {
	Link    *schema.CalendarEventLink `json:"link"`
	Changes []schema.FieldChange      `json:"changes"`
}

// EnableOptions selects the calendar and strategy for a new link. Empty
// fields fall back to the coordinator defaults.
type EnableOptions struct {
	CalendarID string
	Strategy   schema.Strategy
}

// EnableSync creates the remote event for a task and links the two.
//
// A task that already has a link fails with ErrAlreadySynced before any
// remote call. If the remote create fails nothing is persisted. If the
// local commit fails after the create, the remote event is deleted on a
// best-effort basis.
func (c *Coordinator) EnableSync(ctx context.Context, taskID string, opts EnableOptions) (*schema.CalendarEventLink, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.SyncEnabled || task.LinkID != "" {
		return nil, fmt.Errorf("%w: task %s", ErrAlreadySynced, taskID)
	}
	if _, err := c.store.GetLinkByTask(ctx, taskID); err == nil {
		return nil, fmt.Errorf("%w: task %s", ErrAlreadySynced, taskID)
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = c.cfg.DefaultStrategy
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, strategy)
	}
	calendarID := opts.CalendarID
	if calendarID == "" {
		calendarID = c.cfg.DefaultCalendarID
	}

	in := eventInputFromTask(task)
	ev, err := c.remote.CreateEvent(ctx, calendarID, in)
	if err != nil {
		return nil, remoteError("create event for task "+taskID, err)
	}

	now := c.now()
	link := &schema.CalendarEventLink{
		ID:                     schema.NewID(),
		TaskID:                 task.ID,
		EventID:                ev.ID,
		CalendarID:             calendarID,
		TaskLastModifiedAt:     task.UpdatedAt,
		CalendarLastModifiedAt: remoteModified(ev, now),
		Strategy:               strategy,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	link.SetStatus(schema.StatusInSync)
	mirrorEvent(link, ev)
	link.AdvanceWatermark(now, link.TaskLastModifiedAt, link.CalendarLastModifiedAt)

	task.SyncEnabled = true
	task.LinkID = link.ID

	record := c.historyRecord(link, schema.SyncInitial, schema.TaskToCalendar, diffEvent(&calendar.Event{}, in), "")
	err = c.store.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.InsertLink(ctx, link); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, record)
	})
	if err != nil {
		if delErr := c.remote.DeleteEvent(ctx, calendarID, ev.ID); delErr != nil {
			c.logger.Printf("WARNING: orphaned remote event %s/%s for task %s: %v", calendarID, ev.ID, taskID, delErr)
		}
		if errors.Is(err, db.ErrLinkExists) {
			return nil, fmt.Errorf("%w: task %s", ErrAlreadySynced, taskID)
		}
		return nil, fmt.Errorf("failed to persist link for task %s: %w", taskID, err)
	}

	c.notify(Notification{Kind: KindEnabled, TaskID: taskID, Status: link.SyncStatus, Direction: schema.TaskToCalendar, At: now})
	return link, nil
}

// SyncTaskToCalendar pushes the task's title, description, time range and
// completion onto its remote event.
//
// A remote failure is recorded as SYNC_FAILED with one history entry and
// returned as ErrRemoteUnavailable; the task is not modified.
func (c *Coordinator) SyncTaskToCalendar(ctx context.Context, taskID string) (*SyncResult, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	task, link, err := c.loadSynced(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.push(ctx, task, link, schema.SyncAutomatic)
}

func (c *Coordinator) push(ctx context.Context, task *schema.Task, link *schema.CalendarEventLink, syncType schema.SyncType) (*SyncResult, error) {
	remote, err := c.remote.GetEvent(ctx, link.CalendarID, link.EventID)
	if err != nil {
		return nil, c.recordFailure(ctx, link, syncType, schema.TaskToCalendar, "fetch event "+link.EventID, err)
	}

	in := eventInputFromTask(task)
	changes := diffEvent(remote, in)

	updated, err := c.remote.UpdateEvent(ctx, link.CalendarID, link.EventID, in)
	if err != nil {
		return nil, c.recordFailure(ctx, link, syncType, schema.TaskToCalendar, "update event "+link.EventID, err)
	}

	now := c.now()
	mirrorEvent(link, updated)
	link.TaskLastModifiedAt = task.UpdatedAt
	link.CalendarLastModifiedAt = remoteModified(updated, now)
	link.AdvanceWatermark(now, link.TaskLastModifiedAt, link.CalendarLastModifiedAt)
	link.SetStatus(schema.StatusInSync)
	link.UpdatedAt = now

	record := c.historyRecord(link, syncType, schema.TaskToCalendar, changes, "")
	if err := c.commit(ctx, nil, link, record); err != nil {
		return nil, err
	}

	c.notify(Notification{Kind: KindSynced, TaskID: task.ID, Status: link.SyncStatus, Direction: schema.TaskToCalendar, Changes: len(changes), At: now})
	return &SyncResult{Link: link, Changes: changes}, nil
}

// SyncCalendarToTask pulls the remote event onto the task, unless both
// sides changed since the last sync and disagree. In that case the link is
// flagged CONFLICT and neither side's fields are touched. A conflict is a
// result, not an error.
//
// A flagged conflict is sticky. While the title or due date still differ,
// later pulls report CONFLICT again even if neither side changed since the
// last sync, and only ResolveConflict clears it. A pull never overwrites a
// local edit that is waiting on a resolution.
func (c *Coordinator) SyncCalendarToTask(ctx context.Context, taskID string) (*SyncResult, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	task, link, err := c.loadSynced(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.pull(ctx, task, link)
}

func (c *Coordinator) pull(ctx context.Context, task *schema.Task, link *schema.CalendarEventLink) (*SyncResult, error) {
	remote, err := c.remote.GetEvent(ctx, link.CalendarID, link.EventID)
	if err != nil {
		return nil, c.recordFailure(ctx, link, schema.SyncAutomatic, schema.CalendarToTask, "fetch event "+link.EventID, err)
	}

	now := c.now()
	var changes []schema.FieldChange
	if detectConflict(task, link, remote) {
		link.SetStatus(schema.StatusConflict)
	} else {
		changes = applyEvent(task, remote)
		if len(changes) > 0 {
			task.Touch(now)
		}
		link.SetStatus(schema.StatusInSync)
	}

	mirrorEvent(link, remote)
	link.TaskLastModifiedAt = task.UpdatedAt
	link.CalendarLastModifiedAt = remoteModified(remote, now)
	link.AdvanceWatermark(now, link.TaskLastModifiedAt, link.CalendarLastModifiedAt)
	link.UpdatedAt = now

	var changedTask *schema.Task
	if len(changes) > 0 {
		changedTask = task
	}
	record := c.historyRecord(link, schema.SyncAutomatic, schema.CalendarToTask, changes, "")
	if err := c.commit(ctx, changedTask, link, record); err != nil {
		return nil, err
	}

	kind := KindSynced
	if link.ConflictDetected {
		kind = KindConflict
		c.logger.Printf("Conflict detected for task %s (event %s)", task.ID, link.EventID)
	}
	c.notify(Notification{Kind: kind, TaskID: task.ID, Status: link.SyncStatus, Direction: schema.CalendarToTask, Changes: len(changes), At: now})
	return &SyncResult{Link: link, Changes: changes}, nil
}

// DisableResult reports the outcome of DisableSync and DeleteTask.
type DisableResult struct {
	TaskID               string    `json:"task_id"`
	LinkID               string    `json:"link_id,omitempty"`
	EventID              string    `json:"event_id,omitempty"`
	CalendarEventDeleted bool      `json:"calendar_event_deleted"`
	DisabledAt           time.Time `json:"disabled_at"`
}

// DisableSync removes a task's link. When deleteRemoteEvent is set the
// remote event is deleted first on a best-effort basis: a failure is logged
// and reported through CalendarEventDeleted, and the link is removed anyway.
// An event that is already gone counts as deleted.
func (c *Coordinator) DisableSync(ctx context.Context, taskID string, deleteRemoteEvent bool) (*DisableResult, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	link, err := c.store.GetLinkByTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s is not synced", ErrInvalidOperation, taskID)
	}
	if err != nil {
		return nil, err
	}

	result := &DisableResult{TaskID: taskID, LinkID: link.ID, EventID: link.EventID}
	if deleteRemoteEvent {
		result.CalendarEventDeleted = c.deleteRemote(ctx, link)
	}

	task.SyncEnabled = false
	task.LinkID = ""
	err = c.store.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.DeleteLink(ctx, link.ID); err != nil {
			return err
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove link for task %s: %w", taskID, err)
	}

	result.DisabledAt = c.now()
	c.notify(Notification{Kind: KindDisabled, TaskID: taskID, At: result.DisabledAt})
	return result, nil
}

// DeleteTask deletes a task together with its link and history. A linked
// remote event is deleted on a best-effort basis.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID string) (*DisableResult, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	if _, err := c.getTask(ctx, taskID); err != nil {
		return nil, err
	}

	result := &DisableResult{TaskID: taskID}
	link, err := c.store.GetLinkByTask(ctx, taskID)
	switch {
	case err == nil:
		result.LinkID = link.ID
		result.EventID = link.EventID
		result.CalendarEventDeleted = c.deleteRemote(ctx, link)
	case !errors.Is(err, db.ErrNotFound):
		return nil, err
	}

	if err := c.store.DeleteTask(ctx, taskID); err != nil {
		return nil, err
	}

	result.DisabledAt = c.now()
	if result.LinkID != "" {
		c.notify(Notification{Kind: KindDisabled, TaskID: taskID, At: result.DisabledAt})
	}
	return result, nil
}

// GetSyncStatus returns the task's link.
func (c *Coordinator) GetSyncStatus(ctx context.Context, taskID string) (*schema.CalendarEventLink, error) {
	if _, err := c.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	link, err := c.store.GetLinkByTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s has no calendar link", ErrNotFound, taskID)
	}
	return link, err
}

// GetSyncHistory returns the task's sync history, newest first. A task
// without a link has an empty history. limit <= 0 returns everything.
func (c *Coordinator) GetSyncHistory(ctx context.Context, taskID string, limit int) ([]*schema.SyncHistoryRecord, error) {
	if _, err := c.getTask(ctx, taskID); err != nil {
		return nil, err
	}
	link, err := c.store.GetLinkByTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return []*schema.SyncHistoryRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return c.store.ListHistory(ctx, link.ID, limit)
}

// QueueSync marks a synced task SYNC_PENDING so the next pending sweep
// pushes it. A link in conflict must be resolved instead.
func (c *Coordinator) QueueSync(ctx context.Context, taskID string) (*schema.CalendarEventLink, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	_, link, err := c.loadSynced(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if link.ConflictDetected {
		return nil, fmt.Errorf("%w: task %s has an unresolved conflict", ErrInvalidOperation, taskID)
	}

	link.SetStatus(schema.StatusSyncPending)
	link.UpdatedAt = c.now()
	if err := c.store.UpdateLink(ctx, link); err != nil {
		return nil, storeError(err)
	}
	return link, nil
}

// BulkItem is the per-task outcome of BulkSync.
type BulkItem struct {
	TaskID string            `json:"task_id"`
	Status schema.SyncStatus `json:"status,omitempty"`
	Error  string            `json:"error,omitempty"`
	Kind   string            `json:"kind,omitempty"`
}

// BulkResult summarizes a BulkSync run.
type BulkResult struct {
	Total     int        `json:"total"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	Conflicts int        `json:"conflicts"`
	Items     []BulkItem `json:"items"`
}

// BulkSync syncs each task in the given direction. BIDIRECTIONAL pulls
// first and pushes only when the pull ended in sync. One task's failure
// never stops the others.
func (c *Coordinator) BulkSync(ctx context.Context, taskIDs []string, direction schema.SyncDirection) (*BulkResult, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("%w: no task ids given", ErrInvalidInput)
	}
	if !direction.IsValid() {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidInput, direction)
	}

	result := &BulkResult{Total: len(taskIDs), Items: make([]BulkItem, 0, len(taskIDs))}
	for _, taskID := range taskIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		item := BulkItem{TaskID: taskID}
		res, err := c.syncOne(ctx, taskID, direction)
		if err != nil {
			item.Error = err.Error()
			item.Kind = Kind(err)
			result.Failed++
		} else {
			item.Status = res.Link.SyncStatus
			result.Succeeded++
			if res.Link.ConflictDetected {
				result.Conflicts++
			}
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

func (c *Coordinator) syncOne(ctx context.Context, taskID string, direction schema.SyncDirection) (*SyncResult, error) {
	switch direction {
	case schema.TaskToCalendar:
		return c.SyncTaskToCalendar(ctx, taskID)
	case schema.CalendarToTask:
		return c.SyncCalendarToTask(ctx, taskID)
	default:
		res, err := c.SyncCalendarToTask(ctx, taskID)
		if err != nil || res.Link.ConflictDetected {
			return res, err
		}
		return c.SyncTaskToCalendar(ctx, taskID)
	}
}

// Statistics summarizes the state of every link.
type Statistics struct {
	TotalLinks     int                       `json:"total_links"`
	ByStatus       map[schema.SyncStatus]int `json:"by_status"`
	Conflicts      int                       `json:"conflicts"`
	Failed         int                       `json:"failed"`
	Pending        int                       `json:"pending"`
	TotalAttempts  int                       `json:"total_attempts"`
	FailedAttempts int                       `json:"failed_attempts"`
	SuccessRate    float64                   `json:"success_rate"`
	GeneratedAt    time.Time                 `json:"generated_at"`
}

// Statistics counts links per status and history attempts.
func (c *Coordinator) Statistics(ctx context.Context) (*Statistics, error) {
	counts, err := c.store.CountLinksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	total, failed, err := c.store.CountHistory(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByStatus:       counts,
		Conflicts:      counts[schema.StatusConflict],
		Failed:         counts[schema.StatusSyncFailed],
		Pending:        counts[schema.StatusSyncPending] + counts[schema.StatusTaskModified],
		TotalAttempts:  total,
		FailedAttempts: failed,
		SuccessRate:    1,
		GeneratedAt:    c.now(),
	}
	for _, n := range counts {
		stats.TotalLinks += n
	}
	if total > 0 {
		stats.SuccessRate = float64(total-failed) / float64(total)
	}
	return stats, nil
}

// getTask maps a missing task to ErrNotFound.
func (c *Coordinator) getTask(ctx context.Context, taskID string) (*schema.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return task, err
}

// loadSynced returns a task and its link, requiring both to exist and sync
// to be enabled.
func (c *Coordinator) loadSynced(ctx context.Context, taskID string) (*schema.Task, *schema.CalendarEventLink, error) {
	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if !task.SyncEnabled {
		return nil, nil, fmt.Errorf("%w: task %s is not synced", ErrInvalidOperation, taskID)
	}
	link, err := c.store.GetLinkByTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: task %s is not synced", ErrInvalidOperation, taskID)
	}
	if err != nil {
		return nil, nil, err
	}
	return task, link, nil
}

// commit writes the optional task, the link and one history record in a
// single transaction.
func (c *Coordinator) commit(ctx context.Context, task *schema.Task, link *schema.CalendarEventLink, record *schema.SyncHistoryRecord) error {
	err := c.store.WithTx(ctx, func(tx *db.Tx) error {
		if task != nil {
			if err := tx.UpdateTask(ctx, task); err != nil {
				return err
			}
		}
		if err := tx.UpdateLink(ctx, link); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, record)
	})
	if err != nil {
		return storeError(err)
	}
	return nil
}

// recordFailure persists SYNC_FAILED plus a history record carrying the
// error, and returns the classified error.
func (c *Coordinator) recordFailure(ctx context.Context, link *schema.CalendarEventLink, syncType schema.SyncType, direction schema.SyncDirection, action string, cause error) error {
	classified := remoteError(action, cause)

	now := c.now()
	link.SetStatus(schema.StatusSyncFailed)
	link.UpdatedAt = now
	record := c.historyRecord(link, syncType, direction, nil, cause.Error())

	// The caller's context may be what failed; the failure must still land.
	writeCtx := context.WithoutCancel(ctx)
	if err := c.commit(writeCtx, nil, link, record); err != nil {
		c.logger.Printf("WARNING: failed to record sync failure for task %s: %v", link.TaskID, err)
		return fmt.Errorf("%w (failure not recorded: %v)", classified, err)
	}

	c.logger.Printf("WARNING: sync failed for task %s: %v", link.TaskID, cause)
	c.notify(Notification{Kind: KindFailed, TaskID: link.TaskID, Status: link.SyncStatus, Direction: direction, Error: cause.Error(), At: now})
	return classified
}

// deleteRemote deletes the link's event and reports whether it is gone.
func (c *Coordinator) deleteRemote(ctx context.Context, link *schema.CalendarEventLink) bool {
	err := c.remote.DeleteEvent(ctx, link.CalendarID, link.EventID)
	if err == nil || errors.Is(err, calendar.ErrEventNotFound) {
		return true
	}
	c.logger.Printf("WARNING: failed to delete remote event %s for task %s: %v", link.EventID, link.TaskID, err)
	return false
}

func (c *Coordinator) historyRecord(link *schema.CalendarEventLink, syncType schema.SyncType, direction schema.SyncDirection, changes []schema.FieldChange, errMsg string) *schema.SyncHistoryRecord {
	return &schema.SyncHistoryRecord{
		ID:        schema.NewID(),
		LinkID:    link.ID,
		Type:      syncType,
		Direction: direction,
		Status:    link.SyncStatus,
		Changes:   changes,
		Error:     errMsg,
		SyncedAt:  c.now(),
	}
}

// remoteError classifies a calendar client error.
func remoteError(action string, err error) error {
	if errors.Is(err, calendar.ErrEventNotFound) {
		return fmt.Errorf("%w: %s: remote event is gone: %v", ErrNotFound, action, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrRemoteUnavailable, action, err)
}

// storeError maps store sentinels onto coordinator errors.
func storeError(err error) error {
	switch {
	case errors.Is(err, db.ErrStaleLink):
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	case errors.Is(err, db.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
