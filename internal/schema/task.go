package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskArchived   TaskStatus = "ARCHIVED"
)

// IsValid reports whether s is one of the known task statuses.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskArchived:
		return true
	}
	return false
}

// ParseTaskStatus parses a status name case-insensitively.
// "in-progress" and "in progress" are accepted for IN_PROGRESS.
func ParseTaskStatus(s string) (TaskStatus, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	status := TaskStatus(norm)
	if !status.IsValid() {
		return "", fmt.Errorf("unknown task status %q", s)
	}
	return status, nil
}

// Task is the locally owned replica of a piece of work.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Tags        []string   `json:"tags,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// Sync bookkeeping. LinkID is empty when the task has no calendar link.
	SyncEnabled bool   `json:"sync_enabled"`
	LinkID      string `json:"link_id,omitempty"`
}

// NewTask returns a pending task with a fresh id and both timestamps set to now.
func NewTask(title string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        NewID(),
		Title:     title,
		Status:    TaskPending,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewID returns a random identifier for tasks, links and history records.
func NewID() string {
	return uuid.NewString()
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status %q", t.Status)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if t.LinkID != "" && !t.SyncEnabled {
		return fmt.Errorf("link_id set on a task with sync disabled")
	}
	return nil
}

// SetDefaults fills omitted fields. Files dropped into the inbox often
// carry only a title.
func (t *Task) SetDefaults() {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Touch sets UpdatedAt to the given time, never moving it backwards.
func (t *Task) Touch(now time.Time) {
	if now.After(t.UpdatedAt) {
		t.UpdatedAt = now
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.DueAt != nil {
		due := *t.DueAt
		c.DueAt = &due
	}
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	return &c
}

// Filename returns the canonical filename for this task: {id}.json
func (t *Task) Filename() string {
	return fmt.Sprintf("%s.json", t.ID)
}

// ReadTaskFile reads, defaults and validates a task JSON file.
func ReadTaskFile(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	if task.ID == "" {
		task.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	task.SetDefaults()

	// Sync bookkeeping is owned by the store, never by files.
	task.SyncEnabled = false
	task.LinkID = ""

	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task file %s: %w", path, err)
	}

	return &task, nil
}

// WriteTaskFile writes a Task to tasksDir/{id}.json as indented JSON.
func WriteTaskFile(tasksDir string, task *Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid task: %w", err)
	}

	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return fmt.Errorf("failed to create tasks directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	// Write then rename so the watcher never sees a half-written file.
	path := filepath.Join(tasksDir, task.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write task file %s: %w", path, err)
	}

	return nil
}

// ReadAllTaskFiles reads every *.json task file in tasksDir.
// A missing directory yields an empty slice. Invalid files are skipped and
// reported through the returned skipped map (filename -> error).
func ReadAllTaskFiles(tasksDir string) ([]*Task, map[string]error, error) {
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Task{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	tasks := []*Task{}
	var skipped map[string]error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		task, err := ReadTaskFile(filepath.Join(tasksDir, entry.Name()))
		if err != nil {
			if skipped == nil {
				skipped = make(map[string]error)
			}
			skipped[entry.Name()] = err
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, skipped, nil
}
