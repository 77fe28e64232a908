package syncd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long a path must stay quiet before its pending
// event flushes to the queue.
const DefaultDebounce = 500 * time.Millisecond

// Watcher turns raw filesystem notifications into debounced Events.
// Rapid successive writes to one path coalesce into a single event;
// directories created under the root are watched recursively.
type Watcher struct {
	root     string
	filter   *PathFilter
	debounce time.Duration
	emit     func(Event)
	logger   *zap.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	done chan struct{}
	once sync.Once
}

// NewWatcher creates a watcher over an absolute root directory. emit is
// called from timer goroutines once a path settles.
func NewWatcher(root string, filter *PathFilter, debounce time.Duration, emit func(Event), logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		filter:   filter,
		debounce: debounce,
		emit:     emit,
		logger:   logger,
		fsw:      fsw,
		pending:  map[string]*time.Timer{},
		done:     make(chan struct{}),
	}
	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel := w.relPath(p)
		if rel != "." && w.filter.SkipDir(rel) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			w.logger.Warn("watch add failed", zap.String("dir", p), zap.Error(err))
		}
		return nil
	})
}

func (w *Watcher) relPath(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel := w.relPath(ev.Name)

	if ev.Op.Has(fsnotify.Create) {
		if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
			if !w.filter.SkipDir(rel) {
				if err := w.addRecursive(ev.Name); err != nil {
					w.logger.Warn("watch new dir failed", zap.String("dir", ev.Name), zap.Error(err))
				}
			}
			return
		}
	}

	if w.filter.SkipFile(rel) {
		return
	}

	op := OpUpsert
	if ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename) {
		op = OpDelete
	} else if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
		return // chmod only
	}
	w.schedule(rel, op)
}

// schedule arms (or re-arms) the debounce timer for a path. A deletion
// arriving while an upsert is pending wins; the reverse also holds,
// since the latest observation reflects the file's current state.
func (w *Watcher) schedule(rel string, op EventOp) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[rel]; ok {
		t.Stop()
	}
	w.pending[rel] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, rel)
		w.mu.Unlock()
		w.emit(Event{Path: rel, Op: op, Priority: ClassifyPath(rel)})
	})
}

// Close stops the event loop and cancels pending timers. Timers that
// already fired may still deliver.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.mu.Lock()
		for rel, t := range w.pending {
			t.Stop()
			delete(w.pending, rel)
		}
		w.mu.Unlock()
	})
	return err
}
