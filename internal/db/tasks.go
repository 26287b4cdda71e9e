package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/taskcal/taskcal/internal/schema"
)

const taskColumns = `id, title, description, status, tags, due_at, created_at, updated_at, sync_enabled, link_id`

// CreateTask inserts a new task.
func (o ops) CreateTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tagsJSON, err := marshalTags(task.Tags)
	if err != nil {
		return err
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = o.exec(ctx, query,
		task.ID,
		task.Title,
		task.Description,
		string(task.Status),
		tagsJSON,
		timeToNullString(task.DueAt),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		boolToInt(task.SyncEnabled),
		stringToNull(task.LinkID),
	)
	if err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns the task with the given id or ErrNotFound.
func (o ops) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	rows, err := o.query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	defer rows.Close()

	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return tasks[0], nil
}

// UpdateTask overwrites every column of an existing task. It does not touch
// the task's calendar link; see DB.EditTask for the CRUD path.
func (o ops) UpdateTask(ctx context.Context, task *schema.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	tagsJSON, err := marshalTags(task.Tags)
	if err != nil {
		return err
	}

	query := `
	UPDATE tasks SET
		title = ?, description = ?, status = ?, tags = ?, due_at = ?,
		updated_at = ?, sync_enabled = ?, link_id = ?
	WHERE id = ?`
	res, err := o.exec(ctx, query,
		task.Title,
		task.Description,
		string(task.Status),
		tagsJSON,
		timeToNullString(task.DueAt),
		formatTime(task.UpdatedAt),
		boolToInt(task.SyncEnabled),
		stringToNull(task.LinkID),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	return expectOneRow(res, "task", task.ID)
}

// DeleteTask removes a task. Its link and the link's history cascade.
// Returns nil if the task doesn't exist.
func (o ops) DeleteTask(ctx context.Context, id string) error {
	if _, err := o.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status     schema.TaskStatus
	SyncedOnly bool
	Limit      int
}

// ListTasks returns tasks ordered by due date (undated last), then creation.
func (o ops) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var conditions []string
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncedOnly {
		conditions = append(conditions, "sync_enabled = 1")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY CASE WHEN due_at IS NULL THEN 1 ELSE 0 END, due_at ASC, created_at ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := o.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// CountTasks returns the total number of tasks.
func (o ops) CountTasks(ctx context.Context) (int, error) {
	var count int
	if err := o.queryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	return count, nil
}

// EditTask is the CRUD write path. It saves user edits to an existing task,
// keeping the stored sync bookkeeping, and marks an in-sync link
// TASK_MODIFIED when a synced field changed. It reports whether the link
// was marked.
func (db *DB) EditTask(ctx context.Context, task *schema.Task) (bool, error) {
	marked := false
	err := db.WithTx(ctx, func(tx *Tx) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		task.SyncEnabled = current.SyncEnabled
		task.LinkID = current.LinkID
		task.CreatedAt = current.CreatedAt

		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}

		if !current.SyncEnabled || !syncedFieldsChanged(current, task) {
			return nil
		}

		link, err := tx.GetLinkByTask(ctx, task.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if link.SyncStatus != schema.StatusInSync {
			return nil
		}
		link.SetStatus(schema.StatusTaskModified)
		link.UpdatedAt = task.UpdatedAt
		if err := tx.UpdateLink(ctx, link); err != nil {
			return err
		}
		marked = true
		return nil
	})
	return marked, err
}

// UpsertTask creates the task or, when it already exists, applies it as an
// edit. Used by the inbox importer.
func (db *DB) UpsertTask(ctx context.Context, task *schema.Task) (created bool, err error) {
	_, err = db.GetTask(ctx, task.ID)
	if errors.Is(err, ErrNotFound) {
		return true, db.CreateTask(ctx, task)
	}
	if err != nil {
		return false, err
	}
	_, err = db.EditTask(ctx, task)
	return false, err
}

func syncedFieldsChanged(before, after *schema.Task) bool {
	if before.Title != after.Title || before.Description != after.Description {
		return true
	}
	if (before.Status == schema.TaskCompleted) != (after.Status == schema.TaskCompleted) {
		return true
	}
	switch {
	case before.DueAt == nil && after.DueAt == nil:
		return false
	case before.DueAt == nil || after.DueAt == nil:
		return true
	default:
		return !before.DueAt.Equal(*after.DueAt)
	}
}

func scanTasks(rows *sql.Rows) ([]*schema.Task, error) {
	var tasks []*schema.Task
	for rows.Next() {
		var task schema.Task
		var status, tagsJSON, createdAt, updatedAt string
		var dueAt, linkID sql.NullString
		var syncEnabled int

		err := rows.Scan(
			&task.ID, &task.Title, &task.Description, &status, &tagsJSON,
			&dueAt, &createdAt, &updatedAt, &syncEnabled, &linkID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}

		task.Status = schema.TaskStatus(status)
		task.SyncEnabled = syncEnabled != 0
		task.LinkID = linkID.String

		if err := json.Unmarshal([]byte(tagsJSON), &task.Tags); err != nil {
			return nil, fmt.Errorf("failed to parse tags for task %s: %w", task.ID, err)
		}
		if task.DueAt, err = nullStringToTime(dueAt); err != nil {
			return nil, err
		}
		if task.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if task.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}

		tasks = append(tasks, &task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tags: %w", err)
	}
	return string(data), nil
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
