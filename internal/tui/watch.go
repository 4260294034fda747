package tui

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher coalesces file system events under one directory into a
// single pending signal.
type Watcher struct {
	fw   *fsnotify.Watcher
	c    chan struct{}
	done chan struct{}
}

// Watch starts watching dir.
func Watch(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	w := &Watcher{fw: fw, c: make(chan struct{}, 1), done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// C is signalled after changes. It is closed when the watcher stops.
func (w *Watcher) C() <-chan struct{} { return w.c }

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	defer close(w.c)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			select {
			case w.c <- struct{}{}:
			default: // a signal is already pending
			}
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

// watched are the files whose changes the board shows. Temp files and
// locks are touched by every reader and writer.
var watched = map[string]bool{
	"tasks.json":   true,
	"audit.jsonl":  true,
	"state.db":     true,
	"state.db-wal": true,
}

func relevant(ev fsnotify.Event) bool {
	if !watched[filepath.Base(ev.Name)] {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}
