// Package softkeystore is a software stand-in for the platform keystore and
// authentication UI, used in development mode and tests. Keys are kept in a
// SQLite database, wrapped with XChaCha20-Poly1305 under a key derived from a
// device passphrase; the device credential is a PIN verified with Argon2id.
//
// NOT a secure element: anyone holding the database and the passphrase can
// recover the device key.
package softkeystore

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"

	"github.com/Mondei1/QRVault/native/devicekey"
)

const (
	kekSize  = 32
	saltSize = 16

	metaKEKSalt  = "kek_salt"
	metaKEKKDF   = "kek_kdf"
	metaKEKCheck = "kek_check"
)

// kekCheckPlaintext is sealed under the KEK to detect a wrong passphrase on open.
var kekCheckPlaintext = []byte("qrvault-softkeystore-v1")

// devPassphrase is used when no passphrase and no machine ID are available.
// Development mode only, NOT SECURE.
var devPassphrase = []byte("qrvault-dev-mode-passphrase")

var (
	ErrAliasExists     = errors.New("alias already exists")
	ErrWrongPassphrase = errors.New("wrong keystore passphrase")
	ErrClosed          = errors.New("keystore closed")
)

// KDFParams are Argon2id cost parameters.
type KDFParams struct {
	Time      uint32 `cbor:"t" yaml:"time"`
	MemoryKiB uint32 `cbor:"m" yaml:"memory_kib"`
	Threads   uint8  `cbor:"p" yaml:"threads"`
}

// DefaultKDFParams returns the Argon2id parameters for production-like use.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
}

func (p KDFParams) derive(secret, salt []byte) []byte {
	return argon2.IDKey(secret, salt, p.Time, p.MemoryKiB, p.Threads, kekSize)
}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.MemoryKiB < 8 || p.Threads == 0 {
		return fmt.Errorf("invalid argon2 parameters t=%d m=%d p=%d", p.Time, p.MemoryKiB, p.Threads)
	}
	return nil
}

// Options configures a Keystore.
type Options struct {
	// Path of the SQLite database; ":memory:" keeps everything in memory.
	Path string
	// Passphrase from which the key-wrapping key is derived.
	Passphrase []byte
	KDF        KDFParams
	// MaxAttempts wrong PINs lock the credential for LockoutDuration.
	MaxAttempts     int
	LockoutDuration time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.KDF == (KDFParams{}) {
		o.KDF = DefaultKDFParams()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.LockoutDuration <= 0 {
		o.LockoutDuration = 30 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Keystore implements devicekey.Keystore and devicekey.Capability.
type Keystore struct {
	db   *sql.DB
	kek  []byte
	opts Options
	mu   sync.RWMutex
}

var (
	_ devicekey.Keystore   = (*Keystore)(nil)
	_ devicekey.Capability = (*Keystore)(nil)
)

// Open opens or creates the keystore database.
func Open(ctx context.Context, opts Options) (*Keystore, error) {
	opts.setDefaults()
	if err := opts.KDF.validate(); err != nil {
		return nil, err
	}
	if len(opts.Passphrase) == 0 {
		return nil, errors.New("keystore passphrase is required")
	}

	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	ks := &Keystore{db: db, opts: opts}
	if err := ks.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := ks.unlock(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.Debug().Str("path", opts.Path).Msg("Software keystore opened")
	return ks, nil
}

func (k *Keystore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	-- Wrapped device keys; raw key bytes never leave this package
	CREATE TABLE IF NOT EXISTS keys (
		alias TEXT PRIMARY KEY,
		wrapped BLOB NOT NULL,
		policy BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Device credential (the "screen lock"); single row
	CREATE TABLE IF NOT EXISTS credential (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pin_hash BLOB NOT NULL,
		salt BLOB NOT NULL,
		kdf BLOB NOT NULL,
		failed_attempts INTEGER NOT NULL DEFAULT 0,
		locked_until INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Every IV handed out for encryption, to refuse GCM nonce reuse
	CREATE TABLE IF NOT EXISTS used_ivs (
		alias TEXT NOT NULL,
		iv BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (alias, iv)
	);
	`
	_, err := k.db.ExecContext(ctx, schema)
	return err
}

// unlock derives the key-wrapping key, creating salt and check value on first use.
func (k *Keystore) unlock(ctx context.Context) error {
	salt, err := k.getMeta(ctx, metaKEKSalt)
	if err != nil {
		return err
	}

	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
		kdf, err := cbor.Marshal(k.opts.KDF)
		if err != nil {
			return fmt.Errorf("failed to encode KDF parameters: %w", err)
		}

		k.kek = k.opts.KDF.derive(k.opts.Passphrase, salt)
		check, err := k.wrap(kekCheckPlaintext, metaKEKCheck)
		if err != nil {
			return err
		}

		tx, err := k.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for key, value := range map[string][]byte{metaKEKSalt: salt, metaKEKKDF: kdf, metaKEKCheck: check} {
			if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
				return fmt.Errorf("failed to store %s: %w", key, err)
			}
		}
		return tx.Commit()
	}

	// Existing stores keep the parameters they were created with.
	params := k.opts.KDF
	if raw, err := k.getMeta(ctx, metaKEKKDF); err != nil {
		return err
	} else if raw != nil {
		if err := cbor.Unmarshal(raw, &params); err != nil {
			return fmt.Errorf("failed to decode KDF parameters: %w", err)
		}
	}
	k.kek = params.derive(k.opts.Passphrase, salt)

	check, err := k.getMeta(ctx, metaKEKCheck)
	if err != nil {
		return err
	}
	plain, err := k.unwrap(check, metaKEKCheck)
	if err != nil || !bytes.Equal(plain, kekCheckPlaintext) {
		zero(k.kek)
		return ErrWrongPassphrase
	}
	return nil
}

func (k *Keystore) getMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, nil
}

// Close zeroes the wrapping key and closes the database.
func (k *Keystore) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.kek == nil {
		return nil
	}
	zero(k.kek)
	k.kek = nil
	return k.db.Close()
}

func (k *Keystore) now() time.Time {
	return k.opts.Now()
}

// wrap seals data under the KEK, binding it to label. Output is nonce || ciphertext.
func (k *Keystore) wrap(data []byte, label string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, data, []byte(label)), nil
}

func (k *Keystore) unwrap(wrapped []byte, label string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(wrapped) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("wrapped value too short")
	}
	nonce, ct := wrapped[:aead.NonceSize()], wrapped[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, []byte(label))
}

// ContainsAlias implements devicekey.Keystore.
func (k *Keystore) ContainsAlias(ctx context.Context, alias string) (bool, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kek == nil {
		return false, ErrClosed
	}

	var n int
	if err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM keys WHERE alias = ?`, alias).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query alias: %w", err)
	}
	return n > 0, nil
}

// GenerateKey implements devicekey.Keystore.
func (k *Keystore) GenerateKey(ctx context.Context, alias string, policy devicekey.KeyPolicy) (devicekey.KeyHandle, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kek == nil {
		return nil, ErrClosed
	}

	raw := make([]byte, policy.KeySizeBits/8)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	defer zero(raw)

	wrapped, err := k.wrap(raw, keyLabel(alias))
	if err != nil {
		return nil, err
	}
	encodedPolicy, err := cbor.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}

	_, err = k.db.ExecContext(ctx,
		`INSERT INTO keys (alias, wrapped, policy, created_at) VALUES (?, ?, ?, ?)`,
		alias, wrapped, encodedPolicy, k.now().Unix())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %s", ErrAliasExists, alias)
		}
		return nil, fmt.Errorf("failed to store key: %w", err)
	}

	log.Debug().Str("alias", alias).Msg("Generated software device key")
	return &keyHandle{ks: k, alias: alias, policy: policy}, nil
}

// GetKey implements devicekey.Keystore.
func (k *Keystore) GetKey(ctx context.Context, alias string) (devicekey.KeyHandle, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kek == nil {
		return nil, ErrClosed
	}

	var encodedPolicy []byte
	err := k.db.QueryRowContext(ctx, `SELECT policy FROM keys WHERE alias = ?`, alias).Scan(&encodedPolicy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, devicekey.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}

	var policy devicekey.KeyPolicy
	if err := cbor.Unmarshal(encodedPolicy, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy: %w", err)
	}
	return &keyHandle{ks: k, alias: alias, policy: policy}, nil
}

// DeleteKey removes a key. Administrative action outside the vault flow; any
// vault file sealed under the key becomes unrecoverable.
func (k *Keystore) DeleteKey(ctx context.Context, alias string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kek == nil {
		return ErrClosed
	}

	tx, err := k.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE alias = ?`, alias); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM used_ivs WHERE alias = ?`, alias); err != nil {
		return fmt.Errorf("failed to delete IV ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	log.Warn().Str("alias", alias).Msg("Deleted software device key")
	return nil
}

// rawKey unwraps the key material for a single cipher operation.
// Callers must zero the result.
func (k *Keystore) rawKey(ctx context.Context, alias string) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.kek == nil {
		return nil, ErrClosed
	}

	var wrapped []byte
	err := k.db.QueryRowContext(ctx, `SELECT wrapped FROM keys WHERE alias = ?`, alias).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, devicekey.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}

	raw, err := k.unwrap(wrapped, keyLabel(alias))
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key: %w", err)
	}
	return raw, nil
}

// reserveIV records iv for alias. It reports false if the IV was used before.
func (k *Keystore) reserveIV(ctx context.Context, alias string, iv []byte) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.kek == nil {
		return false, ErrClosed
	}

	res, err := k.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO used_ivs (alias, iv, created_at) VALUES (?, ?, ?)`,
		alias, iv, k.now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to record IV: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func keyLabel(alias string) string {
	return "key:" + alias
}

// DevicePassphrase returns the passphrase used to wrap keys when none is
// configured: the machine ID if available, else a fixed development value.
func DevicePassphrase() []byte {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if id, err := os.ReadFile(path); err == nil {
			if id = bytes.TrimSpace(id); len(id) > 0 {
				return id
			}
		}
	}
	log.Warn().Msg("No machine ID found, using development keystore passphrase - NOT SECURE")
	return append([]byte(nil), devPassphrase...)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
