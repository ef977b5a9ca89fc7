// Package queue is the durable store for captures waiting to be synced.
//
// The whole queue is a single JSON document (queue.json) next to a media
// directory holding the store-owned copies of captured files. Every
// read-modify-write runs under an in-process mutex and an advisory file
// lock, so neither two goroutines nor two processes sharing a data
// directory can lose each other's updates. Plain reads never take the
// write lock; they see the latest committed document.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

const (
	queueFile    = "queue.json"
	lockFile     = "queue.lock"
	mediaDirName = "media"

	documentVersion = 1
	lockRetryDelay  = 10 * time.Millisecond
)

// document is the on-disk layout of queue.json
type document struct {
	Version int           `json:"version"`
	Items   []PendingItem `json:"items"`
}

// snapshot is the last committed queue as seen by this process
type snapshot struct {
	items   []PendingItem
	modTime time.Time
	size    int64
	loaded  bool
}

// Store manages the persisted queue and its media directory
type Store struct {
	dataDir  string
	mediaDir string
	path     string
	logger   *slog.Logger

	// mu serializes read-modify-write spans within the process,
	// fileLock across processes.
	mu       sync.Mutex
	fileLock *flock.Flock

	// notifyMu is taken before mu is released so listeners observe
	// commits in commit order.
	notifyMu sync.Mutex

	cacheMu sync.RWMutex
	cache   snapshot

	initMu      sync.Mutex
	initialized bool

	subsMu  sync.Mutex
	subs    map[int]func(count int)
	nextSub int

	now func() time.Time
}

// New creates a store rooted at dataDir. Nothing touches the disk until
// Initialize or the first operation.
func New(dataDir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dataDir:  dataDir,
		mediaDir: filepath.Join(dataDir, mediaDirName),
		path:     filepath.Join(dataDir, queueFile),
		logger:   logger.With("component", "queue"),
		fileLock: flock.New(filepath.Join(dataDir, lockFile)),
		subs:     make(map[int]func(int)),
		now:      time.Now,
	}
}

// Path returns the location of queue.json
func (s *Store) Path() string {
	return s.path
}

// MediaDir returns the directory holding durable media copies
func (s *Store) MediaDir() string {
	return s.mediaDir
}

// Initialize ensures the media directory exists. It is safe to call from
// any number of call sites; once it has succeeded further calls do nothing.
// A failure is logged and leaves media persistence unavailable, so intake
// falls back to source URIs. The returned error is informational.
func (s *Store) Initialize() error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return nil
	}

	if err := os.MkdirAll(s.mediaDir, 0o755); err != nil {
		qe := newError(MediaUnavailable, "initialize", "", err)
		s.logger.Error("media directory unavailable", "dir", s.mediaDir, "error", err)
		return qe
	}

	s.initialized = true
	s.logger.Debug("queue initialized", "dir", s.dataDir)
	return nil
}

func (s *Store) mediaReady() bool {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	return s.initialized
}

// readDisk loads queue.json. A missing file is an empty queue; a corrupt
// one is an empty queue plus a PersistenceReadFailure.
func (s *Store) readDisk() ([]PendingItem, os.FileInfo, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, newError(PersistenceReadFailure, "read", "", err)
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, info, newError(PersistenceReadFailure, "read", "", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, info, nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, info, newError(PersistenceReadFailure, "read", "", fmt.Errorf("failed to parse %s: %w", queueFile, err))
	}
	if doc.Version > documentVersion {
		return nil, info, newError(PersistenceReadFailure, "read", "",
			fmt.Errorf("unsupported queue version %d", doc.Version))
	}

	return doc.Items, info, nil
}

// committed returns the latest committed items, reloading from disk only
// when queue.json changed since the cached snapshot.
func (s *Store) committed() ([]PendingItem, error) {
	info, statErr := os.Stat(s.path)

	s.cacheMu.RLock()
	c := s.cache
	s.cacheMu.RUnlock()

	if c.loaded {
		if statErr != nil && os.IsNotExist(statErr) && c.size == 0 && c.modTime.IsZero() {
			return c.items, nil
		}
		if statErr == nil && info.ModTime().Equal(c.modTime) && info.Size() == c.size {
			return c.items, nil
		}
	}

	items, info, err := s.readDisk()
	if err != nil {
		s.logger.Warn("queue unreadable, treating as empty", "path", s.path, "error", err)
		return nil, err
	}
	s.storeCache(items, info)
	return items, nil
}

func (s *Store) storeCache(items []PendingItem, info os.FileInfo) {
	snap := snapshot{items: items, loaded: true}
	if info != nil {
		snap.modTime = info.ModTime()
		snap.size = info.Size()
	}
	s.cacheMu.Lock()
	s.cache = snap
	s.cacheMu.Unlock()
}

// writeDisk atomically replaces queue.json
func (s *Store) writeDisk(items []PendingItem) (os.FileInfo, error) {
	if items == nil {
		items = []PendingItem{}
	}
	data, err := json.MarshalIndent(document{Version: documentVersion, Items: items}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return os.Stat(s.path)
}

// preserveCorrupt moves an unreadable queue.json aside before it is
// overwritten so its bytes can still be inspected by hand.
func (s *Store) preserveCorrupt() {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().UnixNano())
	if err := os.Rename(s.path, dst); err != nil {
		s.logger.Warn("failed to preserve corrupt queue", "path", s.path, "error", err)
		return
	}
	s.logger.Warn("corrupt queue preserved", "path", dst)
}

// mutation transforms the current item list. It returns the new list and
// whether anything changed; unchanged mutations are not written.
type mutation func(items []PendingItem) ([]PendingItem, bool)

// mutate runs fn as one serialized read-modify-write and notifies
// subscribers after the write commits. It reports whether a write happened.
func (s *Store) mutate(ctx context.Context, op string, fn mutation) (bool, error) {
	s.mu.Lock()

	locked, err := s.lockFile(ctx)
	if err != nil || !locked {
		s.mu.Unlock()
		if err == nil {
			err = errors.New("queue lock not acquired")
		}
		s.logger.Error("failed to lock queue", "op", op, "error", err)
		return false, newError(PersistenceWriteFailure, op, "", err)
	}

	items, _, readErr := s.readDisk()
	if readErr != nil {
		s.logger.Warn("queue unreadable, treating as empty", "op", op, "error", readErr)
	}

	next, changed := fn(items)
	if !changed {
		s.unlockFile()
		s.mu.Unlock()
		return false, nil
	}

	if readErr != nil {
		s.preserveCorrupt()
	}

	info, err := s.writeDisk(next)
	if err != nil {
		s.unlockFile()
		s.mu.Unlock()
		s.logger.Error("failed to write queue", "op", op, "path", s.path, "error", err)
		return false, newError(PersistenceWriteFailure, op, "", err)
	}
	s.storeCache(next, info)
	count := len(next)

	s.notifyMu.Lock()
	s.unlockFile()
	s.mu.Unlock()

	s.deliver(count)
	s.notifyMu.Unlock()

	return true, nil
}

func (s *Store) lockFile(ctx context.Context) (bool, error) {
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return false, err
	}
	return s.fileLock.TryLockContext(ctx, lockRetryDelay)
}

func (s *Store) unlockFile() {
	if err := s.fileLock.Unlock(); err != nil {
		s.logger.Warn("failed to unlock queue", "error", err)
	}
}
