// Package segments is the on-disk store of transport-stream segments for a
// single stream.
//
// A segment becomes visible only once its final name exists in the directory.
// Writers never produce the final name directly: the encoder writes to a
// temporary file and renames it, and Put goes through renameio. The store
// learns about new files from an fsnotify watch on the directory and falls
// back to a stat when a reader asks for an index the watch has not reported.
package segments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
)

// ErrNotFound is returned for an index that has not been committed.
var ErrNotFound = errors.New("segment not found")

const defaultPollInterval = 250 * time.Millisecond

// Store tracks the committed segments of one stream directory.
type Store struct {
	dir string
	log *slog.Logger

	mu      sync.RWMutex
	present map[int]int64 // index -> size in bytes
	changed chan struct{}

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	loopDone  chan struct{}

	pollInterval time.Duration
}

// Open creates dir if needed, indexes segments already in it and starts
// watching it. Close must be called to release the watcher.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch directory %s: %w", dir, err)
	}

	s := &Store{
		dir:          dir,
		log:          log.With(slog.String("dir", dir)),
		present:      make(map[int]int64),
		changed:      make(chan struct{}),
		watcher:      watcher,
		loopDone:     make(chan struct{}),
		pollInterval: defaultPollInterval,
	}
	if err := s.rescan(); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go s.watchLoop()
	return s, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the committed file path of segment index.
func (s *Store) Path(index int) string {
	return filepath.Join(s.dir, Filename(index))
}

// Put commits data as segment index. The bytes are written to a temporary
// file, synced and renamed so readers never see a partial segment.
func (s *Store) Put(index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("invalid segment index %d", index)
	}
	if err := renameio.WriteFile(s.Path(index), data, 0o640); err != nil {
		return fmt.Errorf("commit segment %d: %w", index, err)
	}
	s.refresh(index)
	return nil
}

// Get returns the bytes of segment index or ErrNotFound.
func (s *Store) Get(index int) ([]byte, error) {
	if !s.Has(index) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.Path(index))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Cleared between the lookup and the read.
			s.refresh(index)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read segment %d: %w", index, err)
	}
	return data, nil
}

// Has reports whether segment index is committed.
func (s *Store) Has(index int) bool {
	s.mu.RLock()
	_, ok := s.present[index]
	s.mu.RUnlock()
	if ok {
		return true
	}
	return s.refresh(index)
}

// Size returns the size of a committed segment.
func (s *Store) Size(index int) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size, ok := s.present[index]
	return size, ok
}

// ListPresent returns the committed indices in ascending order.
func (s *Store) ListPresent() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, 0, len(s.present))
	for idx := range s.present {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of committed segments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.present)
}

// Clear deletes every file in the directory and forgets all segments.
// The caller must make sure no writer is active, otherwise files committed
// after Clear returns are indexed again.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read segment directory: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.present = make(map[int]int64)
	s.notifyLocked()
	return errors.Join(errs...)
}

// Changed returns a channel that is closed the next time the set of
// committed segments changes.
func (s *Store) Changed() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changed
}

// WaitFor blocks until segment index is committed or ctx is done.
func (s *Store) WaitFor(ctx context.Context, index int) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		changed := s.Changed()
		if s.Has(index) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

// Close stops the directory watcher. Segments stay on disk.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.watcher.Close()
		<-s.loopDone
	})
	return err
}

// Remove closes the store and deletes its directory.
func (s *Store) Remove() error {
	closeErr := s.Close()
	s.mu.Lock()
	s.present = make(map[int]int64)
	s.notifyLocked()
	s.mu.Unlock()
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove segment directory: %w", err)
	}
	return closeErr
}

func (s *Store) watchLoop() {
	defer close(s.loopDone)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			idx, ok := ParseFilename(filepath.Base(event.Name))
			if !ok {
				continue
			}
			// Final names only appear through a rename, which is reported as
			// Create. Writes to a final name are ignored until it is complete.
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				s.refresh(idx)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("segment watcher error", slog.String("error", err.Error()))
			if err := s.rescan(); err != nil {
				s.log.Warn("segment rescan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// refresh reconciles one index with the disk and reports whether it is present.
// The stat happens under the lock so that it cannot interleave with Clear.
func (s *Store) refresh(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(filepath.Join(s.dir, Filename(index)))
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		if _, ok := s.present[index]; ok {
			delete(s.present, index)
			s.notifyLocked()
		}
		return false
	}
	if size, ok := s.present[index]; !ok || size != info.Size() {
		s.present[index] = info.Size()
		s.notifyLocked()
	}
	return true
}

// Sync reconciles the index with the directory without waiting for pending
// watcher events. Call it before acting on the final set of segments.
func (s *Store) Sync() error {
	return s.rescan()
}

func (s *Store) rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read segment directory: %w", err)
	}
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if idx, ok := ParseFilename(e.Name()); ok {
			seen[idx] = true
			s.refresh(idx)
		}
	}

	s.mu.RLock()
	var stale []int
	for idx := range s.present {
		if !seen[idx] {
			stale = append(stale, idx)
		}
	}
	s.mu.RUnlock()
	for _, idx := range stale {
		s.refresh(idx)
	}
	return nil
}

// notifyLocked wakes everyone blocked on Changed. Caller holds s.mu.
func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
