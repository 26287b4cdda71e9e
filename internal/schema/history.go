package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyncType records what started a sync attempt.
type SyncType string

const (
	SyncInitial   SyncType = "INITIAL_SYNC"
	SyncAutomatic SyncType = "AUTOMATIC"
	SyncManual    SyncType = "MANUAL"
)

// IsValid reports whether t is a known sync type.
func (t SyncType) IsValid() bool {
	return t == SyncInitial || t == SyncAutomatic || t == SyncManual
}

// SyncDirection records which replica was authoritative for an attempt.
type SyncDirection string

const (
	TaskToCalendar SyncDirection = "TASK_TO_CALENDAR"
	CalendarToTask SyncDirection = "CALENDAR_TO_TASK"
	Bidirectional  SyncDirection = "BIDIRECTIONAL"
)

// IsValid reports whether d is a known direction.
func (d SyncDirection) IsValid() bool {
	return d == TaskToCalendar || d == CalendarToTask || d == Bidirectional
}

// FieldChange describes one field rewritten by a sync.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// SyncHistoryRecord is one append-only audit entry.
type SyncHistoryRecord struct {
	ID        string        `json:"id"`
	LinkID    string        `json:"link_id"`
	Type      SyncType      `json:"sync_type"`
	Direction SyncDirection `json:"direction"`
	Status    SyncStatus    `json:"status"`
	Changes   []FieldChange `json:"changes,omitempty"`
	Error     string        `json:"error,omitempty"`
	SyncedAt  time.Time     `json:"synced_at"`
}

// Failed reports whether the attempt ended in an error.
func (r *SyncHistoryRecord) Failed() bool {
	return r.Error != ""
}

// Validate checks if the record has valid field values.
func (r *SyncHistoryRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.LinkID == "" {
		return fmt.Errorf("link_id is required")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("invalid sync type %q", r.Type)
	}
	if !r.Direction.IsValid() {
		return fmt.Errorf("invalid sync direction %q", r.Direction)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid sync status %q", r.Status)
	}
	if r.SyncedAt.IsZero() {
		return fmt.Errorf("synced_at is required")
	}
	return nil
}

// EncodeChanges serializes field changes for storage. An empty list encodes
// as the empty string.
func EncodeChanges(changes []FieldChange) (string, error) {
	if len(changes) == 0 {
		return "", nil
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal changes: %w", err)
	}
	return string(data), nil
}

// DecodeChanges is the inverse of EncodeChanges.
func DecodeChanges(s string) ([]FieldChange, error) {
	if s == "" {
		return nil, nil
	}
	var changes []FieldChange
	if err := json.Unmarshal([]byte(s), &changes); err != nil {
		return nil, fmt.Errorf("failed to parse changes: %w", err)
	}
	return changes, nil
}
