package layout

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads layout files from a directory when they change. Removing a
// file keeps the layout it defined.
type Watcher struct {
	reg    *Registry
	dir    string
	logger *slog.Logger
	fw     *fsnotify.Watcher
	done   chan struct{}
	notify func(file string)
}

// Watch starts watching dir until ctx is done or Close is called. onReload,
// when non-nil, receives the base name of each reloaded file.
func (r *Registry) Watch(ctx context.Context, dir string, onReload func(file string)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("layout watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{reg: r, dir: dir, logger: r.logger, fw: fw, done: make(chan struct{}), notify: onReload}
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			_ = w.fw.Close()
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				continue
			}
			if err := w.reg.LoadFile(ev.Name); err != nil {
				w.logger.Warn("layout reload failed", "file", ev.Name, "error", err)
				continue
			}
			w.logger.Info("layout reloaded", "file", ev.Name)
			if w.notify != nil {
				w.notify(filepath.Base(ev.Name))
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("layout watcher", "error", err)
		}
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
