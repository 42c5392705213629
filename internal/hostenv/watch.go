package hostenv

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes auth.json for external rewrites (e.g. a login flow
// completing in another process) and reports them as a channel of
// "login changed" signals, the trigger the Sync Lifecycle wires to its
// user-logged-in timer. Grounded on the watch-mode pattern used elsewhere
// in this retrieval pack for watching a data directory for a specific
// file write, generalized from polling a directory to watching a single
// config file.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
}

// WatchAuthFile starts watching the directory containing auth.json.
// fsnotify watches directories, not bare files, so Add targets the
// parent and filters events to the specific basename.
func WatchAuthFile() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir, err := ConfigDir()
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	out := &Watcher{watcher: w, events: make(chan struct{}, 1)}
	go out.pump()
	return out, nil
}

func (w *Watcher) pump() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				close(w.events)
				return
			}
			if filepath.Base(ev.Name) != "auth.json" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Events delivers one signal per observed auth.json write, coalesced
// (a burst of writes produces at most one pending signal).
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// WaitOnce blocks until either an auth-file change is observed or ctx is
// cancelled.
func (w *Watcher) WaitOnce(ctx context.Context) bool {
	select {
	case _, ok := <-w.events:
		return ok
	case <-ctx.Done():
		return false
	}
}
