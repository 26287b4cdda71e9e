package schema

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus is the state of a task/event pair.
type SyncStatus string

const (
	StatusInSync           SyncStatus = "IN_SYNC"
	StatusTaskModified     SyncStatus = "TASK_MODIFIED"
	StatusCalendarModified SyncStatus = "CALENDAR_MODIFIED"
	StatusConflict         SyncStatus = "CONFLICT"
	StatusSyncPending      SyncStatus = "SYNC_PENDING"
	StatusSyncFailed       SyncStatus = "SYNC_FAILED"
)

// AllSyncStatuses lists every status in display order.
var AllSyncStatuses = []SyncStatus{
	StatusInSync,
	StatusTaskModified,
	StatusCalendarModified,
	StatusConflict,
	StatusSyncPending,
	StatusSyncFailed,
}

// IsValid reports whether s is a known sync status.
func (s SyncStatus) IsValid() bool {
	for _, known := range AllSyncStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// NeedsPush reports whether the pending sweep should push this link.
func (s SyncStatus) NeedsPush() bool {
	return s == StatusSyncPending || s == StatusTaskModified
}

// ParseSyncStatus parses a status name case-insensitively.
func ParseSyncStatus(s string) (SyncStatus, error) {
	status := SyncStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("unknown sync status %q", s)
	}
	return status, nil
}

// Strategy selects how a detected conflict is reconciled.
type Strategy string

const (
	TaskWins     Strategy = "TASK_WINS"
	CalendarWins Strategy = "CALENDAR_WINS"
	Merge        Strategy = "MERGE"
	Manual       Strategy = "MANUAL"
)

// Strategies lists every strategy.
var Strategies = []Strategy{TaskWins, CalendarWins, Merge, Manual}

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case TaskWins, CalendarWins, Merge, Manual:
		return true
	}
	return false
}

// ParseStrategy parses a strategy name case-insensitively ("task-wins" is
// accepted for TASK_WINS).
func ParseStrategy(s string) (Strategy, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	strategy := Strategy(norm)
	if !strategy.IsValid() {
		return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
	}
	return strategy, nil
}

// CalendarEventLink pairs one task with one remote calendar event.
type CalendarEventLink struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	EventID    string `json:"event_id"`
	CalendarID string `json:"calendar_id"`

	// Mirror of the remote event as of the last sync.
	EventTitle       string     `json:"event_title"`
	EventDescription string     `json:"event_description,omitempty"`
	EventStart       *time.Time `json:"event_start,omitempty"`
	EventEnd         *time.Time `json:"event_end,omitempty"`

	TaskLastModifiedAt     time.Time `json:"task_last_modified_at"`
	CalendarLastModifiedAt time.Time `json:"calendar_last_modified_at"`
	LastSyncedAt           time.Time `json:"last_synced_at"`

	SyncStatus       SyncStatus `json:"sync_status"`
	ConflictDetected bool       `json:"conflict_detected"`
	Strategy         Strategy   `json:"strategy"`

	// Version is bumped by every store update; writes carrying a stale
	// version are rejected.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the link has valid field values.
func (l *CalendarEventLink) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if l.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if l.CalendarID == "" {
		return fmt.Errorf("calendar_id is required")
	}
	if !l.SyncStatus.IsValid() {
		return fmt.Errorf("invalid sync status %q", l.SyncStatus)
	}
	if !l.Strategy.IsValid() {
		return fmt.Errorf("invalid strategy %q", l.Strategy)
	}
	if l.ConflictDetected != (l.SyncStatus == StatusConflict) {
		return fmt.Errorf("conflict flag %v does not match status %s", l.ConflictDetected, l.SyncStatus)
	}
	return nil
}

// AdvanceWatermark sets LastSyncedAt to the latest of its current value and
// the given candidates. It never moves the watermark backwards.
func (l *CalendarEventLink) AdvanceWatermark(candidates ...time.Time) {
	for _, c := range candidates {
		if c.After(l.LastSyncedAt) {
			l.LastSyncedAt = c
		}
	}
}

// SetStatus updates the status and keeps ConflictDetected consistent with it.
func (l *CalendarEventLink) SetStatus(status SyncStatus) {
	l.SyncStatus = status
	l.ConflictDetected = status == StatusConflict
}

// Clone returns a deep copy of the link.
func (l *CalendarEventLink) Clone() *CalendarEventLink {
	c := *l
	if l.EventStart != nil {
		s := *l.EventStart
		c.EventStart = &s
	}
	if l.EventEnd != nil {
		e := *l.EventEnd
		c.EventEnd = &e
	}
	return &c
}
