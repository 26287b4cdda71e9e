package daemon

import (
	"time"

	"github.com/taskcal/taskcal/internal/schema"
)

// watchInbox moves watcher events into the change queue.
func (d *Daemon) watchInbox(inbox *InboxWatcher) {
	defer d.wg.Done()

	events := inbox.Events()
	errs := inbox.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			d.config.Logger.Printf("Inbox event: %s %s", ev.Op, ev.Path)
			d.queueChange(ev)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest operation for a file. Rapid successive
// writes collapse into one import.
func (d *Daemon) queueChange(ev InboxEvent) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[ev.Path] = inboxChange{op: ev.Op, taskID: ev.TaskID, queuedAt: d.now()}
}

func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	interval := d.config.DebounceInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges imports files that have been quiet for at least the
// debounce interval.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	ready := make(map[string]inboxChange)
	now := d.now()
	for path, change := range d.changeQueue {
		if now.Sub(change.queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready[path] = change
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for path, change := range ready {
		if err := d.applyChange(path, change); err != nil {
			d.config.Logger.Printf("Error importing %s: %v", path, err)
		}
	}
}

func (d *Daemon) applyChange(path string, change inboxChange) error {
	if change.op == OpDelete {
		return d.removeTask(d.ctx, change.taskID)
	}

	task, err := schema.ReadTaskFile(path)
	if err != nil {
		return err
	}
	return d.importTask(d.ctx, task)
}
