package branchtag

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports branch changes for one space.
type Watcher struct {
	resolver *Resolver
	space    string
	path     string
	watcher  *fsnotify.Watcher
	tags     chan string
	stop     chan struct{}
	once     sync.Once
	last     string
}

// Watch follows the tag file of space. The CVS directory is watched rather
// than the file so that replace-by-rename updates are seen. The current tag
// is not delivered; only changes are.
func (r *Resolver) Watch(space string) (*Watcher, error) {
	tagPath := r.TagPath(space)
	dir := filepath.Dir(tagPath)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("branchtag: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("branchtag: watch %q: %w", dir, err)
	}
	w := &Watcher{
		resolver: r,
		space:    space,
		path:     filepath.Clean(tagPath),
		watcher:  watcher,
		tags:     make(chan string, 1),
		stop:     make(chan struct{}),
		last:     r.Tag(space),
	}
	go w.run()
	return w, nil
}

// Tags delivers the new branch each time it changes. Only the latest
// undelivered value is kept. The channel closes after Close.
func (w *Watcher) Tags() <-chan string {
	return w.tags
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
	return nil
}

func (w *Watcher) run() {
	defer close(w.tags)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			w.check()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.resolver.logger.Warn("branchtag.watch.error", "space", w.space, "error", err)
			w.check()
		}
	}
}

func (w *Watcher) check() {
	tag := w.resolver.Tag(w.space)
	if tag == w.last {
		return
	}
	w.last = tag
	w.resolver.logger.Info("branchtag.changed", "space", w.space, "tag", tag)
	for {
		select {
		case w.tags <- tag:
			return
		default:
		}
		select {
		case <-w.tags:
		default:
		}
	}
}
