package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/orderline/possync/internal/schema"
)

// EventOp is the kind of change seen in the import directory.
type EventOp int

const (
	// OpWrite means a file was created or rewritten.
	OpWrite EventOp = iota
	// OpRemove means a file was deleted or renamed away.
	OpRemove
)

func (op EventOp) String() string {
	switch op {
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// ImportEvent is a change to one catalog file, <dir>/<resource>/<id>.json.
type ImportEvent struct {
	Path     string
	Resource schema.Resource
	ID       string
	Op       EventOp
}

// ImportWatcher watches one subdirectory per catalog resource for *.json changes.
type ImportWatcher struct {
	watcher *fsnotify.Watcher
	events  chan ImportEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	dirs    map[string]schema.Resource // absolute dir -> resource
}

// NewImportWatcher creates a watcher. Call Start to begin watching.
func NewImportWatcher() (*ImportWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &ImportWatcher{
		watcher: w,
		events:  make(chan ImportEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dirs:    make(map[string]schema.Resource),
	}, nil
}

// ResourceDir returns the import subdirectory of resource under root.
func ResourceDir(root string, resource schema.Resource) string {
	return filepath.Join(root, string(resource))
}

// Start creates and watches root/<resource> for every resource.
func (w *ImportWatcher) Start(root string, resources []schema.Resource) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, r := range resources {
		dir, err := filepath.Abs(ResourceDir(root, r))
		if err != nil {
			return fmt.Errorf("failed to resolve import directory for %s: %w", r, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create import directory %s: %w", dir, err)
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch import directory %s: %w", dir, err)
		}
		w.dirs[dir] = r
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends watching and closes the Events and Errors channels.
func (w *ImportWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
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

// Events returns the channel of import events.
func (w *ImportWatcher) Events() <-chan ImportEvent {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *ImportWatcher) Errors() <-chan error {
	return w.errors
}

func (w *ImportWatcher) processEvents() {
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

func (w *ImportWatcher) convertEvent(event fsnotify.Event) (ImportEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return ImportEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return ImportEvent{}, false
	}
	w.mu.Lock()
	resource, ok := w.dirs[filepath.Dir(abs)]
	w.mu.Unlock()
	if !ok {
		return ImportEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		op = OpWrite
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpRemove
	default:
		return ImportEvent{}, false
	}

	return ImportEvent{
		Path:     abs,
		Resource: resource,
		ID:       idFromPath(abs),
		Op:       op,
	}, true
}

func idFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".json")
}
