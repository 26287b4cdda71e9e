package calsync

import (
	"time"

	"github.com/taskcal/taskcal/internal/schema"
)

// NotificationKind names what happened to a link.
type NotificationKind string

const (
	KindEnabled  NotificationKind = "enabled"
	KindSynced   NotificationKind = "synced"
	KindConflict NotificationKind = "conflict"
	KindResolved NotificationKind = "resolved"
	KindFailed   NotificationKind = "failed"
	KindDisabled NotificationKind = "disabled"
)

// Notification is delivered to subscribers after an operation commits.
type Notification struct {
	Kind      NotificationKind     `json:"kind"`
	TaskID    string               `json:"task_id"`
	Status    schema.SyncStatus    `json:"status,omitempty"`
	Direction schema.SyncDirection `json:"direction,omitempty"`
	Changes   int                  `json:"changes,omitempty"`
	Error     string               `json:"error,omitempty"`
	At        time.Time            `json:"at"`
}

// Subscribe registers fn to receive notifications. fn runs synchronously
// on the goroutine that performed the operation, with the task lock held,
// so it must not block or call back into the Coordinator.
func (c *Coordinator) Subscribe(fn func(Notification)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Coordinator) notify(n Notification) {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	for _, fn := range c.observers {
		fn(n)
	}
}
