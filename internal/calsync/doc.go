// Package calsync keeps a task and its remote calendar event in step.
//
// # Overview
//
// A Coordinator owns every operation on a task/event pair:
//
//	EnableSync          create the event, link it, record INITIAL_SYNC
//	SyncTaskToCalendar  push task fields onto the event
//	SyncCalendarToTask  pull event fields onto the task, or flag CONFLICT
//	ResolveConflict     settle a CONFLICT with a strategy
//	AnalyzeConflict     compare both sides without writing
//	DisableSync         unlink, optionally deleting the event
//	DeleteTask          delete the task, its link and its history
//
// Each operation commits the task, the link and one history record in a
// single transaction. Operations on the same task run one at a time.
//
// # Conflicts
//
// A link's LastSyncedAt is the watermark. A pull flags a conflict only when
// the task was updated after the watermark, the event was updated after the
// watermark, and the title or due date differ. Either side changing alone is
// not a conflict: the pull simply applies the event. Description
// differences are never a conflict.
//
// # Failures
//
// When the remote calendar fails during a push or pull, the link moves to
// SYNC_FAILED and a history record with the error text is written before
// ErrRemoteUnavailable is returned. The scheduler's retry sweep picks such
// links up later.
//
// # Usage
//
//	coord, err := calsync.New(store, calendar.NewMemory(), calsync.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	link, err := coord.EnableSync(ctx, task.ID, calsync.EnableOptions{})
//	...
//	res, err := coord.SyncCalendarToTask(ctx, task.ID)
//	if err == nil && res.Link.ConflictDetected {
//	    _, err = coord.ResolveConflict(ctx, task.ID, calsync.ResolveRequest{Strategy: schema.TaskWins})
//	}
package calsync
