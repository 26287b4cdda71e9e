package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or moved away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// InboxEvent is a change to one task file in the inbox.
type InboxEvent struct {
	// Path is the path of the file that changed.
	Path string
	// TaskID is the file name without its .json extension.
	TaskID string
	Op     EventOp
}

// InboxWatcher reports changes to *.json files directly inside one
// directory.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	events  chan InboxEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewInboxWatcher creates a watcher. It emits nothing until Start.
func NewInboxWatcher() (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &InboxWatcher{
		watcher: watcher,
		events:  make(chan InboxEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (w *InboxWatcher) Start(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve inbox directory %s: %w", dir, err)
	}
	if err := w.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", dir, err)
	}

	w.dir = abs
	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the event loop has exited.
func (w *InboxWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of inbox changes. It is closed by Stop.
func (w *InboxWatcher) Events() <-chan InboxEvent {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *InboxWatcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *InboxWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *InboxWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev, ok := w.convertEvent(event); ok {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to an InboxEvent, dropping events
// for other files and chmod-only changes.
func (w *InboxWatcher) convertEvent(event fsnotify.Event) (InboxEvent, bool) {
	name := filepath.Base(event.Name)
	// Editors and WriteTaskFile write through dotfiles and *.tmp first.
	if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
		return InboxEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != w.dir {
		return InboxEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename shows up as a create for the new name.
		op = OpDelete
	default:
		return InboxEvent{}, false
	}

	return InboxEvent{
		Path:   abs,
		TaskID: strings.TrimSuffix(name, ".json"),
		Op:     op,
	}, true
}
