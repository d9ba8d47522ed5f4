package localfile

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/weftworks/weft/pkg/engine"
)

// Watcher delivers change signals for a directory tree. Signals are
// advisory: the live updater re-runs the whole pipeline and memoization
// localizes the work, so missed or coalesced events are harmless.
type Watcher struct {
	dir string
}

// NewWatcher creates a change notifier for the directory tree rooted at dir.
func NewWatcher(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// Changes starts the filesystem watch and delivers one change per event.
// Newly created subdirectories are added to the watch as they appear.
func (w *Watcher) Changes(ctx context.Context) (<-chan engine.Change, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, engine.NewPermanentError("failed to create filesystem watcher", err).
			WithCode(engine.ErrCodeConfig)
	}

	err = filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = fw.Close()
		return nil, engine.NewPermanentError("failed to watch directory tree", err).
			WithCode(engine.ErrCodeConfig)
	}

	out := make(chan engine.Change)
	go func() {
		defer close(out)
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = fw.Add(ev.Name)
					}
				}
				rel, err := filepath.Rel(w.dir, ev.Name)
				if err != nil {
					rel = ev.Name
				}
				select {
				case out <- engine.Change{Key: rel}:
				case <-ctx.Done():
					return
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return out, nil
}
