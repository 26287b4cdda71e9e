package calsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskcal/taskcal/internal/calendar"
	"github.com/taskcal/taskcal/internal/db"
	"github.com/taskcal/taskcal/internal/schema"
)

// ResolveRequest selects how to settle a conflict.
type ResolveRequest struct {
	// Strategy overrides the link's stored strategy when set.
	Strategy schema.Strategy

	// Custom holds the MANUAL field values. Keys are title, description,
	// status and duedate, matched case-insensitively ("due_date" works too).
	// Other keys are ignored. An empty duedate clears the due date.
	Custom map[string]string
}

// ResolveConflict settles a flagged conflict and returns the link to
// IN_SYNC.
//
//   - TASK_WINS writes the task's fields over the event.
//   - CALENDAR_WINS copies the event's fields onto the task.
//   - MERGE takes the event's value for each field that differs and is set
//     on the event, then writes the merged task back to the event.
//   - MANUAL applies the Custom values to the task, then writes the task to
//     the event.
//
// If the remote calendar fails, nothing is committed except a failure
// history record, and the link stays in CONFLICT.
func (c *Coordinator) ResolveConflict(ctx context.Context, taskID string, req ResolveRequest) (*SyncResult, error) {
	unlock := c.locks.Lock(taskID)
	defer unlock()

	task, err := c.getTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	link, err := c.store.GetLinkByTask(ctx, taskID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: task %s is not synced", ErrNoConflict, taskID)
	}
	if err != nil {
		return nil, err
	}
	if !link.ConflictDetected {
		return nil, fmt.Errorf("%w: task %s is %s", ErrNoConflict, taskID, link.SyncStatus)
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = link.Strategy
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, strategy)
	}

	// Validate manual input before touching the remote side.
	var manualChanges []schema.FieldChange
	if strategy == schema.Manual {
		if len(req.Custom) == 0 {
			return nil, fmt.Errorf("%w: manual resolution requires at least one field", ErrInvalidInput)
		}
		if manualChanges, err = applyManual(task, req.Custom); err != nil {
			return nil, err
		}
	}

	remote, err := c.remote.GetEvent(ctx, link.CalendarID, link.EventID)
	if err != nil {
		return nil, c.recordResolveFailure(ctx, link, "fetch event "+link.EventID, err)
	}

	var changes []schema.FieldChange
	taskChanged := false
	writeRemote := true
	switch strategy {
	case schema.TaskWins:
		changes = diffEvent(remote, eventInputFromTask(task))
	case schema.CalendarWins:
		changes = applyEvent(task, remote)
		taskChanged = len(changes) > 0
		writeRemote = false
	case schema.Merge:
		changes = mergeEvent(task, remote)
		taskChanged = len(changes) > 0
	case schema.Manual:
		changes = manualChanges
		taskChanged = len(changes) > 0
	}

	now := c.now()
	if taskChanged {
		task.Touch(now)
	}

	final := remote
	if writeRemote {
		final, err = c.remote.UpdateEvent(ctx, link.CalendarID, link.EventID, eventInputFromTask(task))
		if err != nil {
			return nil, c.recordResolveFailure(ctx, link, "update event "+link.EventID, err)
		}
	}

	mirrorEvent(link, final)
	link.CalendarLastModifiedAt = remoteModified(final, now)
	link.TaskLastModifiedAt = task.UpdatedAt
	link.AdvanceWatermark(now, link.TaskLastModifiedAt, link.CalendarLastModifiedAt)
	link.SetStatus(schema.StatusInSync)
	link.Strategy = strategy
	link.UpdatedAt = now

	var changedTask *schema.Task
	if taskChanged {
		changedTask = task
	}
	record := c.historyRecord(link, schema.SyncManual, schema.Bidirectional, changes, "")
	if err := c.commit(ctx, changedTask, link, record); err != nil {
		return nil, err
	}

	c.logger.Printf("Resolved conflict for task %s with %s (%d field(s) changed)", taskID, strategy, len(changes))
	c.notify(Notification{Kind: KindResolved, TaskID: taskID, Status: link.SyncStatus, Direction: schema.Bidirectional, Changes: len(changes), At: now})
	return &SyncResult{Link: link, Changes: changes}, nil
}

// recordResolveFailure appends a failure record without changing the link,
// so the conflict stays flagged.
func (c *Coordinator) recordResolveFailure(ctx context.Context, link *schema.CalendarEventLink, action string, cause error) error {
	classified := remoteError(action, cause)

	record := c.historyRecord(link, schema.SyncManual, schema.Bidirectional, nil, cause.Error())
	if err := c.store.AppendHistory(context.WithoutCancel(ctx), record); err != nil {
		c.logger.Printf("WARNING: failed to record resolution failure for task %s: %v", link.TaskID, err)
	}
	c.logger.Printf("WARNING: conflict resolution failed for task %s: %v", link.TaskID, cause)
	return classified
}

// mergeEvent takes the event's value for every tracked field that differs
// and is non-empty on the event.
func mergeEvent(task *schema.Task, remote *calendar.Event) []schema.FieldChange {
	var changes []schema.FieldChange
	if remote.Title != "" && remote.Title != task.Title {
		changes = append(changes, change(FieldTitle, task.Title, remote.Title))
		task.Title = remote.Title
	}
	if remote.Description != "" && remote.Description != task.Description {
		changes = append(changes, change(FieldDescription, task.Description, remote.Description))
		task.Description = remote.Description
	}
	if remote.Start != nil && !sameInstant(task.DueAt, remote.Start) {
		changes = append(changes, change(FieldDueDate, formatInstant(task.DueAt), formatInstant(remote.Start)))
		task.DueAt = copyTime(remote.Start)
	}
	return changes
}

// applyManual applies custom field values to the task.
func applyManual(task *schema.Task, custom map[string]string) ([]schema.FieldChange, error) {
	var changes []schema.FieldChange
	for key, value := range custom {
		switch normalizeKey(key) {
		case "title":
			if strings.TrimSpace(value) == "" {
				return nil, fmt.Errorf("%w: title cannot be empty", ErrInvalidInput)
			}
			if value != task.Title {
				changes = append(changes, change(FieldTitle, task.Title, value))
				task.Title = value
			}
		case "description":
			if value != task.Description {
				changes = append(changes, change(FieldDescription, task.Description, value))
				task.Description = value
			}
		case "status":
			status, err := schema.ParseTaskStatus(value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
			}
			if status != task.Status {
				changes = append(changes, change(FieldStatus, string(task.Status), string(status)))
				task.Status = status
			}
		case "duedate":
			due, err := ParseDueDate(value)
			if err != nil {
				return nil, err
			}
			if !sameInstant(task.DueAt, due) {
				changes = append(changes, change(FieldDueDate, formatInstant(task.DueAt), formatInstant(due)))
				task.DueAt = due
			}
		}
	}
	return changes, nil
}

// ParseDueDate parses an RFC 3339 timestamp or a YYYY-MM-DD date. The empty
// string yields nil.
func ParseDueDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot parse due date %q", ErrInvalidInput, s)
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "").Replace(key)
}

// FieldComparison is one row of a conflict analysis.
type FieldComparison struct {
	Field         string `json:"field"`
	TaskValue     string `json:"task_value"`
	CalendarValue string `json:"calendar_value"`
	Differs       bool   `json:"differs"`
}

// ConflictAnalysis compares a task with its live remote event.
type ConflictAnalysis struct {
	TaskID                 string            `json:"task_id"`
	LinkID                 string            `json:"link_id"`
	EventID                string            `json:"event_id"`
	SyncStatus             schema.SyncStatus `json:"sync_status"`
	ConflictDetected       bool              `json:"conflict_detected"`
	Strategy               schema.Strategy   `json:"strategy"`
	TaskLastModifiedAt     time.Time         `json:"task_last_modified_at"`
	CalendarLastModifiedAt time.Time         `json:"calendar_last_modified_at"`
	LastSyncedAt           time.Time         `json:"last_synced_at"`
	TaskModifiedSinceSync  bool              `json:"task_modified_since_sync"`
	EventModifiedSinceSync bool              `json:"event_modified_since_sync"`
	Fields                 []FieldComparison `json:"fields"`
	DifferingFields        int               `json:"differing_fields"`
}

// AnalyzeConflict fetches the remote event and compares it field by field
// with the task. It writes nothing.
func (c *Coordinator) AnalyzeConflict(ctx context.Context, taskID string) (*ConflictAnalysis, error) {
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

	remote, err := c.remote.GetEvent(ctx, link.CalendarID, link.EventID)
	if err != nil {
		return nil, remoteError("fetch event "+link.EventID, err)
	}

	a := &ConflictAnalysis{
		TaskID:                 task.ID,
		LinkID:                 link.ID,
		EventID:                link.EventID,
		SyncStatus:             link.SyncStatus,
		ConflictDetected:       link.ConflictDetected,
		Strategy:               link.Strategy,
		TaskLastModifiedAt:     link.TaskLastModifiedAt,
		CalendarLastModifiedAt: link.CalendarLastModifiedAt,
		LastSyncedAt:           link.LastSyncedAt,
		TaskModifiedSinceSync:  task.UpdatedAt.After(link.LastSyncedAt),
		EventModifiedSinceSync: remote.Updated.After(link.LastSyncedAt),
		Fields: []FieldComparison{
			{Field: FieldTitle, TaskValue: task.Title, CalendarValue: remote.Title, Differs: task.Title != remote.Title},
			{Field: FieldDescription, TaskValue: task.Description, CalendarValue: remote.Description, Differs: task.Description != remote.Description},
			{Field: FieldDueDate, TaskValue: formatInstant(task.DueAt), CalendarValue: formatInstant(remote.Start), Differs: !sameInstant(task.DueAt, remote.Start)},
		},
	}
	for _, f := range a.Fields {
		if f.Differs {
			a.DifferingFields++
		}
	}
	return a, nil
}
