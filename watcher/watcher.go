// Package watcher turns filesystem activity into ingestion work. It watches a
// project tree recursively, filters events through the ignore rules, and
// forwards surviving paths on a channel. Settling and deduplication happen
// downstream in the ingest batcher.
package watcher

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	case EventRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one change to a project-relative path.
type FileEvent struct {
	Type EventType
	Path string
}

// Watcher wraps fsnotify with recursive directory tracking and ignore
// filtering. Newly created directories are picked up automatically.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher
	ignore  *IgnoreMatcher
	exts    map[string]bool
	events  chan FileEvent
	done    chan struct{}
}

// NewWatcher creates a watcher rooted at root. extensions limits which files
// produce events; empty means every non-ignored file does.
func NewWatcher(root string, ignore *IgnoreMatcher, extensions []string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	var exts map[string]bool
	if len(extensions) > 0 {
		exts = make(map[string]bool, len(extensions))
		for _, ext := range extensions {
			exts[strings.ToLower(ext)] = true
		}
	}

	return &Watcher{
		root:    root,
		watcher: fsw,
		ignore:  ignore,
		exts:    exts,
		events:  make(chan FileEvent, 256),
		done:    make(chan struct{}),
	}, nil
}

// Start registers the directory tree and begins forwarding events until the
// context is cancelled or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Events is the stream of filtered file changes.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Inaccessible subtrees are skipped, not fatal.
			return nil
		}
		if !info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		if relPath != "." && w.ignore.ShouldSkipDir(relPath) {
			return filepath.SkipDir
		}
		if relPath == "." || !w.ignore.ShouldIgnore(relPath) {
			if err := w.watcher.Add(path); err != nil {
				log.Printf("failed to watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	if strings.HasPrefix(filepath.Base(relPath), ".") {
		return
	}
	if w.ignore.ShouldIgnore(relPath) {
		return
	}

	if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addRecursive(event.Name); err != nil {
				log.Printf("failed to watch new directory %s: %v", event.Name, err)
			}
		}
		return
	}

	if w.exts != nil && !w.exts[strings.ToLower(filepath.Ext(relPath))] {
		return
	}

	var evType EventType
	switch {
	case event.Has(fsnotify.Create):
		evType = EventCreate
	case event.Has(fsnotify.Write):
		evType = EventModify
	case event.Has(fsnotify.Remove):
		evType = EventDelete
	case event.Has(fsnotify.Rename):
		evType = EventRename
	default:
		return
	}

	select {
	case w.events <- FileEvent{Type: evType, Path: filepath.ToSlash(relPath)}:
	default:
		log.Printf("event channel full, dropping %s for %s", evType, relPath)
	}
}
