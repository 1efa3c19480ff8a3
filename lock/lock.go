// Package lock keeps vault operations single-flight. Acquisition never waits:
// a second operation fails fast instead of queueing behind a pending
// authentication prompt.
package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var ErrHeld = errors.New("lock held by another operation")

// Store defines the interface for lock storage.
// Implementations may be in-memory or backed by advisory file locks.
type Store interface {
	// TryAcquire attempts to acquire a lock for the given key.
	// Returns true if lock was acquired, false if already held.
	TryAcquire(key string, holder string) (bool, error)

	// Release releases a lock. Only succeeds if holder matches.
	Release(key string, holder string) error

	// Info returns information about a lock, or nil if not held.
	Info(key string) (*Info, error)
}

// Info contains information about a held lock.
type Info struct {
	Key        string    `json:"key"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock represents a held lock.
type Lock struct {
	key      string
	holder   string
	store    Store
	released bool
	mu       sync.Mutex
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.key
}

// Release releases the lock. Safe to call multiple times.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	if err := l.store.Release(l.key, l.holder); err != nil {
		log.Warn().Err(err).
			Str("key", l.key).
			Str("holder", l.holder).
			Msg("Failed to release lock")
		return err
	}

	log.Debug().
		Str("key", l.key).
		Str("holder", l.holder).
		Msg("Lock released")

	return nil
}

// IsReleased returns true if the lock has been released.
func (l *Lock) IsReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Manager hands out locks on behalf of one holder identity.
type Manager struct {
	store    Store
	holderID string
}

// NewManager creates a lock manager with a random holder ID.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		holderID: uuid.New().String(),
	}
}

// HolderID returns the identity recorded in acquired locks.
func (m *Manager) HolderID() string {
	return m.holderID
}

// TryAcquire acquires the lock for key or returns ErrHeld immediately.
func (m *Manager) TryAcquire(key string) (*Lock, error) {
	acquired, err := m.store.TryAcquire(key, m.holderID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !acquired {
		info, _ := m.store.Info(key)
		ev := log.Debug().Str("key", key)
		if info != nil {
			ev = ev.Str("holder", info.Holder).Time("acquired_at", info.AcquiredAt)
		}
		ev.Msg("Lock busy")
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}

	log.Debug().
		Str("key", key).
		Str("holder", m.holderID).
		Msg("Lock acquired")

	return &Lock{
		key:    key,
		holder: m.holderID,
		store:  m.store,
	}, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	locks map[string]*Info
	mu    sync.Mutex
}

// NewMemoryStore creates an empty in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]*Info)}
}

func (s *MemoryStore) TryAcquire(key string, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[key]; held {
		return false, nil
	}
	s.locks[key] = &Info{Key: key, Holder: holder, AcquiredAt: time.Now()}
	return true, nil
}

func (s *MemoryStore) Release(key string, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, held := s.locks[key]
	if !held {
		return nil
	}
	if info.Holder != holder {
		return fmt.Errorf("lock %s held by %s, not %s", key, info.Holder, holder)
	}
	delete(s.locks, key)
	return nil
}

func (s *MemoryStore) Info(key string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, held := s.locks[key]
	if !held {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}
