package scanner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the checkout tree and coalesces filesystem events into a
// single "something changed" signal. The discovery loop treats the signal
// as a nudge to run early; the periodic walk remains the source of truth,
// so missed events are harmless.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	log     *slog.Logger
	changed chan struct{}
	done    chan struct{}
}

// NewWatcher starts watching root and all its subdirectories.
func NewWatcher(root string, log *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	w := &Watcher{
		root:    root,
		fsw:     fsw,
		log:     log,
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()
	return w, nil
}

// Changed signals (coalesced) whenever anything under the root changes.
func (w *Watcher) Changed() <-chan struct{} {
	return w.changed
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			// New directories must join the watch set before their
			// contents change.
			if ev.Op.Has(fsnotify.Create) {
				if err := w.addRecursive(ev.Name); err != nil {
					w.log.Debug("watch new path", "path", ev.Name, "error", err)
				}
			}
			w.nudge()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) nudge() {
	select {
	case w.changed <- struct{}{}:
	default:
	}
}

func (w *Watcher) ignored(p string) bool {
	base := filepath.Base(p)
	if strings.HasPrefix(base, TempPrefix) {
		return true
	}
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return false
	}
	return rel == StateDirName || strings.HasPrefix(rel, StateDirName+string(filepath.Separator))
}

func (w *Watcher) addRecursive(p string) error {
	return filepath.WalkDir(p, func(sub string, d fs.DirEntry, err error) error {
		if err != nil {
			// Races with deletion are expected.
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == StateDirName {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(sub); err != nil {
			return fmt.Errorf("watch %s: %w", sub, err)
		}
		return nil
	})
}
