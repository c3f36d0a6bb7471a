// Package watcher detects stable task files in watched directory trees and
// emits each one once.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/msageha/artifactd/internal/logging"
	"github.com/msageha/artifactd/internal/model"
	"github.com/msageha/artifactd/internal/router"
)

// Event is a stable file. Err is set, and Artifact is nil, when the file
// could not be parsed; such files must not be enqueued.
type Event struct {
	Meta     router.FileMeta
	Raw      []byte
	Artifact *model.Artifact
	Err      error
}

func (e Event) Malformed() bool { return e.Err != nil }

type candidate struct {
	size  int64
	mtime time.Time
	since time.Time
}

type Watcher struct {
	roots []string
	cfg   model.WatcherConfig
	log   *logging.Logger
	now   func() time.Time

	fsw    *fsnotify.Watcher
	events chan Event
	rescan chan struct{}

	mu         sync.Mutex
	candidates map[string]*candidate
	emitted    map[string]string
	paused     bool
}

func New(roots []string, cfg model.WatcherConfig, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		roots:      roots,
		cfg:        cfg,
		log:        log.With("watcher"),
		now:        time.Now,
		fsw:        fsw,
		events:     make(chan Event, 64),
		rescan:     make(chan struct{}, 1),
		candidates: make(map[string]*candidate),
		emitted:    make(map[string]string),
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Events is closed when Run returns.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) addTree(root string) error {
	if !w.cfg.Recursive {
		if err := w.fsw.Add(root); err != nil {
			return fmt.Errorf("watch %s: %w", root, err)
		}
		return nil
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fsw.Close()

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	scan := time.NewTicker(w.cfg.ScanInterval)
	defer scan.Stop()

	w.scan()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			// Overflow means events were lost; a rescan covers them.
			w.log.Warnf("fsnotify error: %v", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.scan()
			}
		case <-poll.C:
			w.flush(ctx)
		case <-scan.C:
			w.scan()
		case <-w.rescan:
			w.scan()
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.candidates, ev.Name)
		w.mu.Unlock()
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if ev.Has(fsnotify.Create) && w.cfg.Recursive && !hidden(info.Name()) {
				w.log.Debugf("watching new directory %s", ev.Name)
				if err := w.addTree(ev.Name); err != nil {
					w.log.Warnf("%v", err)
				}
				w.scanTree(ev.Name)
			}
			return
		}
		w.observe(ev.Name, info)
	}
}

func hidden(name string) bool { return strings.HasPrefix(name, ".") }

func (w *Watcher) matches(path string) bool {
	name := filepath.Base(path)
	if hidden(name) {
		return false
	}
	ok, _ := filepath.Match(w.cfg.Pattern, name)
	return ok
}

func dedupeKey(path string, mtime time.Time) string {
	return fmt.Sprintf("%s@%d", path, mtime.UnixNano())
}

// observe records a sighting of path. The quiet period restarts whenever size
// or mtime change.
func (w *Watcher) observe(path string, info fs.FileInfo) {
	if !info.Mode().IsRegular() || !w.matches(path) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.emitted[path] == dedupeKey(path, info.ModTime()) {
		return
	}
	c, ok := w.candidates[path]
	if ok && c.size == info.Size() && c.mtime.Equal(info.ModTime()) {
		return
	}
	w.candidates[path] = &candidate{size: info.Size(), mtime: info.ModTime(), since: w.now()}
}

// flush emits every candidate that stayed unchanged for the quiet period.
func (w *Watcher) flush(ctx context.Context) {
	now := w.now()
	var ready []string

	w.mu.Lock()
	if w.paused {
		w.mu.Unlock()
		return
	}
	for path, c := range w.candidates {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.candidates, path)
			continue
		}
		if info.Size() != c.size || !info.ModTime().Equal(c.mtime) {
			w.candidates[path] = &candidate{size: info.Size(), mtime: info.ModTime(), since: now}
			continue
		}
		if now.Sub(c.since) >= w.cfg.QuietPeriod {
			ready = append(ready, path)
		}
	}
	w.mu.Unlock()

	for _, path := range ready {
		ev, ok := w.load(path)
		if !ok {
			continue
		}
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// load reads a stable file and marks it emitted.
func (w *Watcher) load(path string) (Event, bool) {
	w.mu.Lock()
	c, ok := w.candidates[path]
	if !ok {
		w.mu.Unlock()
		return Event{}, false
	}
	delete(w.candidates, path)
	w.emitted[path] = dedupeKey(path, c.mtime)
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warnf("read %s: %v", path, err)
			w.Forget(path)
		}
		return Event{}, false
	}
	ev := Event{
		Meta: router.FileMeta{Path: path, Size: c.size, ModTime: c.mtime},
		Raw:  data,
	}
	ev.Artifact, ev.Err = model.ParseArtifact(data)
	return ev, true
}

// Scan asks Run to re-list every watched tree.
func (w *Watcher) Scan() {
	select {
	case w.rescan <- struct{}{}:
	default:
	}
}

func (w *Watcher) scan() {
	for _, root := range w.roots {
		w.scanTree(root)
	}
}

func (w *Watcher) scanTree(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (!w.cfg.Recursive || hidden(d.Name())) {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		w.observe(path, info)
		return nil
	})
}

// Forget lets path be emitted again.
func (w *Watcher) Forget(path string) {
	w.mu.Lock()
	delete(w.emitted, path)
	w.mu.Unlock()
}

// Pause holds back emission; candidates keep being tracked.
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		w.paused = true
		w.log.Infof("ingestion paused")
	}
}

func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		w.paused = false
		w.log.Infof("ingestion resumed")
	}
}

func (w *Watcher) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Pending returns how many files are waiting to become stable.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.candidates)
}
