package vaultfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultFileName is the vault file name inside the application data directory.
const DefaultFileName = "masterkey.bin"

const filePerm os.FileMode = 0o600

const tempPattern = ".masterkey-*.tmp"

// Temp files younger than this may belong to a writer in another process.
const staleTempAge = time.Minute

var ErrNotFound = errors.New("vault file not found")

// Store reads and atomically replaces the single vault file at a fixed path.
type Store struct {
	path string
}

// NewStore creates a store for the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the vault file path.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the vault file is present.
func (s *Store) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Read returns the raw file contents or ErrNotFound.
func (s *Store) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}
	return data, nil
}

// Load reads and decodes the vault file.
func (s *Store) Load() (*Envelope, error) {
	data, err := s.Read()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Save encodes the envelope and replaces the vault file atomically.
func (s *Store) Save(e *Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	return s.Write(data)
}

// Write replaces the vault file with data. The previous file stays intact
// until the new contents are durable: data goes to a temporary file in the same
// directory, is synced, then renamed over the old file.
func (s *Store) Write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	if exists, _ := s.Exists(); exists {
		log.Warn().Str("path", s.path).Msg("A master key is already stored; it will be replaced")
	}

	sweepStaleTemps(dir, time.Now())

	tmpFile, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, filePerm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	// The rename itself must survive a crash.
	if err = syncDir(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to sync vault directory")
	}

	log.Debug().Str("path", s.path).Int("size", len(data)).Msg("Vault file written")
	return nil
}

// sweepStaleTemps removes temp files left behind by writes that crashed
// before the rename.
func sweepStaleTemps(dir string, now time.Time) {
	matches, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		return
	}
	for _, path := range matches {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || now.Sub(info.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Failed to remove stale temp file")
			continue
		}
		log.Info().Str("path", path).Msg("Removed stale temp file")
	}
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
