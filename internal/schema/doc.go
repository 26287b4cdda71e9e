// Package schema defines the records shared by the task store, the sync
// coordinator and the scheduler.
//
// # Records
//
// A Task is the locally owned replica. A CalendarEventLink pairs a task with
// exactly one remote calendar event and carries the sync watermark. A
// SyncHistoryRecord is an append-only audit entry written by every sync
// attempt, successful or not.
//
// Ownership runs one way: the task stores a nullable LinkID, and the link is
// looked up by task id through the store. Neither record holds a pointer to
// the other.
//
// # Watermark
//
// Each link tracks three timestamps:
//
//	TaskLastModifiedAt      task update time observed at the last sync
//	CalendarLastModifiedAt  remote "updated" time observed at the last sync
//	LastSyncedAt            completion time of the last successful sync
//
// LastSyncedAt never moves backwards. Use AdvanceWatermark instead of
// assigning it directly.
//
// # Task Files
//
// Tasks can also be dropped as JSON files into an inbox directory
// (tasks/<id>.json). The daemon watches that directory and upserts each file
// into the store:
//
//	{
//	  "id": "6f1c...",
//	  "title": "Quarterly review",
//	  "status": "PENDING",
//	  "due_at": "2026-03-02T15:00:00Z",
//	  "created_at": "2026-02-20T09:00:00Z",
//	  "updated_at": "2026-02-20T09:00:00Z"
//	}
package schema
