// Package watcher reports files dropped into the capture inbox once they
// have stopped changing.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Filter selects inbox files by slash-separated relative path
type Filter struct {
	IgnorePatterns  []string
	IncludePatterns []string
}

// Match reports whether relPath passes the filter
func (f Filter) Match(relPath string) bool {
	return !f.shouldIgnore(relPath) && f.shouldInclude(relPath)
}

// shouldIgnore checks if a path or any of its parents matches an ignore pattern
func (f Filter) shouldIgnore(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, pattern := range f.IgnorePatterns {
		for i := 1; i <= len(parts); i++ {
			partial := strings.Join(parts[:i], "/")
			if matched, err := doublestar.Match(pattern, partial); err == nil && matched {
				return true
			}
		}
	}
	return false
}

// shouldInclude checks if a path matches include patterns (or returns true if no patterns)
func (f Filter) shouldInclude(relPath string) bool {
	if len(f.IncludePatterns) == 0 {
		return true
	}

	for _, pattern := range f.IncludePatterns {
		if matched, err := doublestar.Match(pattern, relPath); err == nil && matched {
			return true
		}
	}
	return false
}

// Scan returns the absolute paths of the regular files under root that
// pass the filter, sorted.
func Scan(root string, filter Filter) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Warn("error walking path", "path", path, "error", err)
			return nil
		}
		if path == root {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		relPath = filepath.ToSlash(relPath)

		if filter.shouldIgnore(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && filter.shouldInclude(relPath) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Watcher monitors the inbox directory tree
type Watcher struct {
	rootPath  string
	filter    Filter
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	logger    *slog.Logger
	stopCh    chan struct{}
	done      chan struct{}
	started   bool
}

// NewWatcher creates a new inbox watcher
func NewWatcher(rootPath string, debounceMs int, filter Filter, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("inbox path is not a directory: " + rootPath)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		rootPath:  rootPath,
		filter:    filter,
		watcher:   fsWatcher,
		debouncer: NewDebouncer(debounceMs),
		logger:    logger.With("component", "watcher"),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start watches the inbox and all subdirectories, then reports the files
// already sitting there as created.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.rootPath); err != nil {
		return err
	}

	w.started = true
	go w.processEvents(ctx)

	existing, err := Scan(w.rootPath, w.filter)
	if err != nil {
		return err
	}
	for _, path := range existing {
		w.debouncer.Add(path, EventCreate)
	}

	w.logger.Info("watcher started",
		"path", w.rootPath,
		"existing", len(existing),
		"ignore_patterns", len(w.filter.IgnorePatterns))

	return nil
}

// Events returns the channel of debounced file events with absolute paths
func (w *Watcher) Events() <-chan FileEvent {
	return w.debouncer.Events()
}

// Stop stops the watcher. Pending events are dropped; their files are
// still in the inbox and are found again by the next Start.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopCh:
		return nil
	default:
	}
	close(w.stopCh)
	err := w.watcher.Close()
	if w.started {
		<-w.done
	}
	w.debouncer.Stop()
	return err
}

// addRecursive adds a directory and all subdirectories to the watcher
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("error walking path", "path", path, "error", err)
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		if path != w.rootPath {
			relPath, _ := filepath.Rel(w.rootPath, path)
			if w.filter.shouldIgnore(filepath.ToSlash(relPath)) {
				return filepath.SkipDir
			}
		}

		if err := w.watcher.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// processEvents handles fsnotify events
func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			relPath, err := filepath.Rel(w.rootPath, event.Name)
			if err != nil {
				continue
			}
			relPath = filepath.ToSlash(relPath)

			if w.filter.shouldIgnore(relPath) {
				continue
			}

			w.handleEvent(event, relPath)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleEvent processes a single fsnotify event
func (w *Watcher) handleEvent(event fsnotify.Event, relPath string) {
	info, statErr := os.Stat(event.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case event.Has(fsnotify.Create):
		if isDir {
			// Files moved in together with a directory produce no events
			// of their own
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to add new directory", "path", event.Name, "error", err)
			}
			w.addExisting(event.Name)
			return
		}
		if w.filter.shouldInclude(relPath) {
			w.debouncer.Add(event.Name, EventCreate)
		}

	case event.Has(fsnotify.Write):
		if !isDir && w.filter.shouldInclude(relPath) {
			w.debouncer.Add(event.Name, EventModify)
		}

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename reports the old name; the new one arrives as a create
		w.debouncer.Add(event.Name, EventDelete)
	}
}

func (w *Watcher) addExisting(dir string) {
	files, err := Scan(dir, Filter{})
	if err != nil {
		w.logger.Warn("failed to scan new directory", "path", dir, "error", err)
		return
	}
	for _, path := range files {
		relPath, _ := filepath.Rel(w.rootPath, path)
		if w.filter.Match(filepath.ToSlash(relPath)) {
			w.debouncer.Add(path, EventCreate)
		}
	}
}

// Flush emits all pending debounced events now
func (w *Watcher) Flush() {
	w.debouncer.Flush()
}
