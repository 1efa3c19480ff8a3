package softkeystore

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/devicekey"
)

const (
	minPINLength = 4
	maxPINLength = 64
)

var (
	ErrInvalidPIN   = errors.New("PIN must be 4-64 characters")
	ErrWrongPIN     = errors.New("wrong PIN")
	ErrLockedOut    = errors.New("too many failed attempts")
	ErrNoCredential = errors.New("no device credential enrolled")
)

type credential struct {
	hash        []byte
	salt        []byte
	kdf         KDFParams
	failed      int
	lockedUntil time.Time
}

// EnrollCredential sets the device credential, replacing any previous one.
// It plays the role of configuring a screen lock.
func (k *Keystore) EnrollCredential(ctx context.Context, pin []byte) error {
	if len(pin) < minPINLength || len(pin) > maxPINLength {
		return ErrInvalidPIN
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	hash := k.opts.KDF.derive(pin, salt)
	kdf, err := cbor.Marshal(k.opts.KDF)
	if err != nil {
		return fmt.Errorf("failed to encode KDF parameters: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kek == nil {
		return ErrClosed
	}

	_, err = k.db.ExecContext(ctx, `
		INSERT INTO credential (id, pin_hash, salt, kdf, failed_attempts, locked_until, updated_at)
		VALUES (1, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			pin_hash = excluded.pin_hash,
			salt = excluded.salt,
			kdf = excluded.kdf,
			failed_attempts = 0,
			locked_until = 0,
			updated_at = excluded.updated_at`,
		hash, salt, kdf, k.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	log.Info().Msg("Device credential enrolled")
	return nil
}

// HasCredential reports whether a device credential is enrolled.
func (k *Keystore) HasCredential(ctx context.Context) (bool, error) {
	cred, err := k.loadCredential(ctx)
	if err != nil {
		return false, err
	}
	return cred != nil, nil
}

func (k *Keystore) loadCredential(ctx context.Context) (*credential, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kek == nil {
		return nil, ErrClosed
	}

	var (
		cred        credential
		kdf         []byte
		lockedUntil int64
	)
	err := k.db.QueryRowContext(ctx,
		`SELECT pin_hash, salt, kdf, failed_attempts, locked_until FROM credential WHERE id = 1`,
	).Scan(&cred.hash, &cred.salt, &kdf, &cred.failed, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if err := cbor.Unmarshal(kdf, &cred.kdf); err != nil {
		return nil, fmt.Errorf("failed to decode KDF parameters: %w", err)
	}
	if lockedUntil > 0 {
		cred.lockedUntil = time.Unix(lockedUntil, 0)
	}
	return &cred, nil
}

// verifyPIN checks pin against the enrolled credential and maintains the
// failed-attempt counter and lockout.
func (k *Keystore) verifyPIN(ctx context.Context, pin []byte) error {
	cred, err := k.loadCredential(ctx)
	if err != nil {
		return err
	}
	if cred == nil {
		return ErrNoCredential
	}

	now := k.now()
	if now.Before(cred.lockedUntil) {
		return fmt.Errorf("%w: retry after %s", ErrLockedOut, cred.lockedUntil.Format(time.RFC3339))
	}

	candidate := cred.kdf.derive(pin, cred.salt)
	defer zero(candidate)

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kek == nil {
		return ErrClosed
	}

	if subtle.ConstantTimeCompare(candidate, cred.hash) == 1 {
		if _, err := k.db.ExecContext(ctx,
			`UPDATE credential SET failed_attempts = 0, locked_until = 0 WHERE id = 1`); err != nil {
			return fmt.Errorf("failed to reset attempts: %w", err)
		}
		return nil
	}

	failed := cred.failed + 1
	var lockedUntil int64
	if failed >= k.opts.MaxAttempts {
		lockedUntil = now.Add(k.opts.LockoutDuration).Unix()
		failed = 0
		log.Warn().
			Int("max_attempts", k.opts.MaxAttempts).
			Dur("lockout", k.opts.LockoutDuration).
			Msg("Device credential locked out")
	}
	if _, err := k.db.ExecContext(ctx,
		`UPDATE credential SET failed_attempts = ?, locked_until = ? WHERE id = 1`,
		failed, lockedUntil); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return ErrWrongPIN
}

// IsDeviceSecure implements devicekey.Capability.
func (k *Keystore) IsDeviceSecure(ctx context.Context) bool {
	ok, err := k.HasCredential(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check device credential")
		return false
	}
	return ok
}

// CanAuthenticate implements devicekey.Capability. There is no biometric
// sensor, so only requests that accept the device credential can succeed.
func (k *Keystore) CanAuthenticate(ctx context.Context, allowed devicekey.Authenticators) devicekey.Status {
	if allowed&devicekey.DeviceCredential == 0 {
		return devicekey.StatusNoHardware
	}
	cred, err := k.loadCredential(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to check device credential")
		return devicekey.StatusHardwareUnavailable
	}
	if cred == nil {
		return devicekey.StatusNoneEnrolled
	}
	if k.now().Before(cred.lockedUntil) {
		return devicekey.StatusLockedOut
	}
	return devicekey.StatusSuccess
}
