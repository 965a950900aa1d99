package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"wfsync/internal/logging"
)

const defaultWatchDebounce = 100 * time.Millisecond

// FileStore keeps the identity keys in a single JSON object on disk. Writes
// go through a temp file and rename so readers never see a partial file.
type FileStore struct {
	path     string
	debounce time.Duration
	logger   *logging.Logger

	mu sync.Mutex
}

type FileStoreOptions struct {
	Debounce time.Duration
	Logger   *logging.Logger
}

func NewFileStore(path string, opts FileStoreOptions) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("identity file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &FileStore{path: path, debounce: debounce, logger: opts.Logger}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return err
	}
	if current, ok := values[key]; ok && current == value {
		return nil
	}
	values[key] = value
	return s.writeLocked(values)
}

func (s *FileStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.readLocked()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.writeLocked(values)
}

func (s *FileStore) readLocked() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode identity file: %w", err)
	}
	return values, nil
}

func (s *FileStore) writeLocked(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity file: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close identity file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}

// Watch reports identity changes made by any writer, including other
// processes sharing the file. Bursts of filesystem events are collapsed
// into one callback; fn only runs when the identity actually changed. Watch
// returns once the watcher is installed and stops when ctx is done.
func (s *FileStore) Watch(ctx context.Context, fn func(Identity)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create identity watcher: %w", err)
	}
	// The directory is watched because rename replaces the file inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch identity dir: %w", err)
	}

	last, _ := Snapshot(s)
	go s.watchLoop(ctx, watcher, last, fn)
	return nil
}

func (s *FileStore) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, last Identity, fn func(Identity)) {
	defer watcher.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("identity watch error", map[string]string{
				"path":  s.path,
				"error": err.Error(),
			})
		case <-fire:
			fire = nil
			current, err := Snapshot(s)
			if err != nil {
				s.logger.Warn("identity reload failed", map[string]string{
					"path":  s.path,
					"error": err.Error(),
				})
				continue
			}
			if current == last {
				continue
			}
			last = current
			fn(current)
		}
	}
}
