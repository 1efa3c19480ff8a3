//go:build unix

package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// FileStore is a Store backed by flock(2) on one file per key, so it also
// excludes other processes using the same directory.
type FileStore struct {
	dir   string
	files map[string]*os.File
	mu    sync.Mutex
}

// NewFileStore creates a file lock store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FileStore{
		dir:   dir,
		files: make(map[string]*os.File),
	}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+".lock")
}

func (s *FileStore) TryAcquire(key string, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.files[key]; held {
		return false, nil
	}

	f, err := os.OpenFile(s.path(key), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return false, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lock %s: %w", key, err)
	}

	info, err := json.Marshal(Info{Key: key, Holder: holder, AcquiredAt: time.Now()})
	if err == nil {
		if err = f.Truncate(0); err == nil {
			_, err = f.WriteAt(info, 0)
		}
	}
	if err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return false, fmt.Errorf("failed to record lock holder: %w", err)
	}

	s.files[key] = f
	return true, nil
}

func (s *FileStore) Release(key string, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, held := s.files[key]
	if !held {
		return nil
	}
	if info, err := readInfo(f.Name()); err == nil && info != nil && info.Holder != holder {
		return fmt.Errorf("lock %s held by %s, not %s", key, info.Holder, holder)
	}

	delete(s.files, key)
	_ = f.Truncate(0)
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("failed to unlock %s: %w", key, err)
	}
	return f.Close()
}

// Info reports the recorded holder. A stale record left behind by a crashed
// process is ignored because its flock is gone.
func (s *FileStore) Info(key string) (*Info, error) {
	s.mu.Lock()
	_, ours := s.files[key]
	s.mu.Unlock()

	if !ours {
		f, err := os.OpenFile(s.path(key), os.O_RDWR, 0)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		defer f.Close()
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err == nil {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			return nil, nil
		}
	}

	info, err := readInfo(s.path(key))
	if err != nil {
		return nil, err
	}
	return info, nil
}

func readInfo(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return &info, nil
}
