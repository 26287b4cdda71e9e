package calsync

import (
	"time"

	"github.com/taskcal/taskcal/internal/calendar"
	"github.com/taskcal/taskcal/internal/schema"
)

// Tracked field names, as they appear in history records and analyses.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldDueDate     = "due_date"
	FieldStatus      = "status"
)

// eventDuration is the length given to events created from a due date.
const eventDuration = time.Hour

// detectConflict reports whether task and remote have diverged since the
// link's last successful sync.
//
// A new conflict needs both sides modified after LastSyncedAt and a
// difference in title or due date. Description differences never raise a
// conflict. A link that is already in conflict stays in conflict while
// those fields still differ.
func detectConflict(task *schema.Task, link *schema.CalendarEventLink, remote *calendar.Event) bool {
	if task.Title == remote.Title && sameInstant(task.DueAt, remote.Start) {
		return false
	}
	if link.ConflictDetected {
		return true
	}
	taskChanged := task.UpdatedAt.After(link.LastSyncedAt)
	calendarChanged := remote.Updated.After(link.LastSyncedAt)
	return taskChanged && calendarChanged
}

// eventInputFromTask maps a task onto the writable event fields. An
// undated task clears the event's time range.
func eventInputFromTask(task *schema.Task) calendar.EventInput {
	in := calendar.EventInput{
		Title:       task.Title,
		Description: task.Description,
		Status:      calendar.StatusConfirmed,
	}
	if task.Status == schema.TaskCompleted {
		in.Status = calendar.StatusCancelled
	}
	if task.DueAt != nil {
		start := task.DueAt.UTC()
		end := start.Add(eventDuration)
		in.Start = &start
		in.End = &end
	} else {
		in.ClearTime = true
	}
	return in
}

// diffEvent lists the event fields that writing in over remote will change.
func diffEvent(remote *calendar.Event, in calendar.EventInput) []schema.FieldChange {
	var changes []schema.FieldChange
	if remote.Title != in.Title {
		changes = append(changes, change(FieldTitle, remote.Title, in.Title))
	}
	if remote.Description != in.Description {
		changes = append(changes, change(FieldDescription, remote.Description, in.Description))
	}
	if (in.Start != nil || in.ClearTime) && !sameInstant(remote.Start, in.Start) {
		changes = append(changes, change(FieldDueDate, formatInstant(remote.Start), formatInstant(in.Start)))
	}
	if remote.Status != in.Status {
		changes = append(changes, change(FieldStatus, remote.Status, in.Status))
	}
	return changes
}

// applyEvent copies the remote title, description, start and completion
// onto the task and lists what changed. An undated event clears the due
// date. It does not touch UpdatedAt.
func applyEvent(task *schema.Task, remote *calendar.Event) []schema.FieldChange {
	var changes []schema.FieldChange
	if task.Title != remote.Title {
		changes = append(changes, change(FieldTitle, task.Title, remote.Title))
		task.Title = remote.Title
	}
	if task.Description != remote.Description {
		changes = append(changes, change(FieldDescription, task.Description, remote.Description))
		task.Description = remote.Description
	}
	if !sameInstant(task.DueAt, remote.Start) {
		changes = append(changes, change(FieldDueDate, formatInstant(task.DueAt), formatInstant(remote.Start)))
		task.DueAt = copyTime(remote.Start)
	}
	if remote.Status == calendar.StatusCancelled && task.Status != schema.TaskCompleted {
		changes = append(changes, change(FieldStatus, string(task.Status), string(schema.TaskCompleted)))
		task.Status = schema.TaskCompleted
	}
	return changes
}

// mirrorEvent records the remote event's current fields on the link.
func mirrorEvent(link *schema.CalendarEventLink, ev *calendar.Event) {
	link.EventTitle = ev.Title
	link.EventDescription = ev.Description
	link.EventStart = copyTime(ev.Start)
	link.EventEnd = copyTime(ev.End)
}

// remoteModified returns the event's last-modified time, or fallback when
// the provider reported none.
func remoteModified(ev *calendar.Event, fallback time.Time) time.Time {
	if ev.Updated.IsZero() {
		return fallback
	}
	return ev.Updated.UTC()
}

// sameInstant compares optional timestamps at second precision, which is
// what calendar providers keep.
func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}

func formatInstant(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := t.UTC()
	return &c
}

func change(field, from, to string) schema.FieldChange {
	return schema.FieldChange{Field: field, Old: from, New: to}
}
