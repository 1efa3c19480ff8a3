// Package vault seals a master secret into the vault file under the device
// key and unseals it again, with a human-presence check before every use of
// the key.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/devicekey"
	"github.com/Mondei1/QRVault/native/events"
	"github.com/Mondei1/QRVault/native/lock"
	"github.com/Mondei1/QRVault/native/vaultfile"
)

// lockKey guards the single vault file and device key.
const lockKey = "vault"

// Service runs seal and unseal attempts, one at a time.
type Service struct {
	keys      *devicekey.Manager
	gate      *authgate.Gate
	store     *vaultfile.Store
	locks     *lock.Manager
	publisher events.Publisher
	observer  Observer
	prompts   map[authgate.Operation]authgate.Prompt
}

// Option configures a Service.
type Option func(*Service)

// WithLockManager replaces the in-process single-flight guard, e.g. with a
// file-backed one shared between processes.
func WithLockManager(m *lock.Manager) Option {
	return func(s *Service) { s.locks = m }
}

// WithPublisher sends audit events for every attempt.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithObserver receives every state transition.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithPrompt overrides the authentication prompt shown for op.
func WithPrompt(op authgate.Operation, p authgate.Prompt) Option {
	return func(s *Service) { s.prompts[op] = p }
}

// NewService wires the vault service.
func NewService(keys *devicekey.Manager, gate *authgate.Gate, store *vaultfile.Store, opts ...Option) *Service {
	s := &Service{
		keys:      keys,
		gate:      gate,
		store:     store,
		publisher: events.Nop{},
		prompts: map[authgate.Operation]authgate.Prompt{
			authgate.OperationSeal:   authgate.DefaultPrompt(authgate.OperationSeal),
			authgate.OperationUnseal: authgate.DefaultPrompt(authgate.OperationUnseal),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = lock.NewManager(lock.NewMemoryStore())
	}
	return s
}

// Status is a snapshot of the device and vault state.
type Status struct {
	SecureStorage bool
	DeviceKey     bool
	VaultFile     bool
	KeyAlias      string
	VaultPath     string
}

// Status reports the current state without prompting the user.
func (s *Service) Status(ctx context.Context) (Status, error) {
	exists, err := s.HasVaultFile(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		SecureStorage: s.keys.HasSecureStorageCapability(ctx),
		DeviceKey:     s.keys.HasDeviceKey(ctx),
		VaultFile:     exists,
		KeyAlias:      s.keys.Alias(),
		VaultPath:     s.store.Path(),
	}, nil
}

// HasVaultFile reports whether a vault file is persisted.
func (s *Service) HasVaultFile(_ context.Context) (bool, error) {
	ok, err := s.store.Exists()
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return ok, nil
}

func (s *Service) acquire() (*lock.Lock, error) {
	l, err := s.locks.TryAcquire(lockKey)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return l, nil
}

func release(l *lock.Lock) {
	if err := l.Release(); err != nil {
		log.Error().Err(err).Str("key", l.Key()).Msg("Failed to release vault lock")
	}
}

// Seal encrypts secret under the device key, enrolling the key on first use,
// and replaces the vault file. The hint is stored in clear text. On any
// failure an existing vault file is left untouched.
func (s *Service) Seal(ctx context.Context, secret []byte, hint string) (err error) {
	if len(secret) == 0 {
		return fmt.Errorf("%w: secret is empty", ErrInvalidSecret)
	}
	if !utf8.ValidString(hint) {
		return fmt.Errorf("%w: hint is not valid UTF-8", ErrInvalidSecret)
	}

	l, err := s.acquire()
	if err != nil {
		return err
	}
	defer release(l)

	a := newAttempt(authgate.OperationSeal, s.observer)
	defer func() { s.audit(ctx, events.TypeVaultSealed, a, err) }()

	if !s.keys.HasSecureStorageCapability(ctx) {
		return a.fail(ErrNoSecureStorage)
	}
	if !s.keys.HasDeviceKey(ctx) {
		if err := s.enroll(ctx); err != nil {
			return a.fail(err)
		}
	}
	a.to(StatePreconditionsChecked, nil)

	key, err := s.keys.Key(ctx)
	if err != nil {
		return a.fail(fmt.Errorf("%w: %w", ErrKeyEnrollmentFailed, err))
	}
	c, err := key.NewEncryptCipher()
	if err != nil {
		return a.fail(fmt.Errorf("%w: failed to initialize cipher: %w", ErrKeystore, err))
	}

	if err := s.authenticate(ctx, a, c); err != nil {
		return a.fail(err)
	}

	ciphertext, err := c.Final(secret)
	if err != nil {
		return a.fail(cipherError(err))
	}

	envelope := &vaultfile.Envelope{IV: c.IV(), Ciphertext: ciphertext, Hint: hint}
	if err := s.store.Save(envelope); err != nil {
		return a.fail(fmt.Errorf("%w: %w", ErrIO, err))
	}

	a.to(StateSealed, nil)
	log.Info().
		Str("challenge_id", a.challengeID).
		Int("size", envelope.BodySize()+1).
		Msg("Master key sealed")
	return nil
}

// Unseal reads the vault file and decrypts the secret after the user proves
// presence. The returned hint is empty when none was stored; invalid UTF-8 in
// a stored hint is replaced with U+FFFD.
func (s *Service) Unseal(ctx context.Context) (secret []byte, hint string, err error) {
	l, err := s.acquire()
	if err != nil {
		return nil, "", err
	}
	defer release(l)

	a := newAttempt(authgate.OperationUnseal, s.observer)
	defer func() { s.audit(ctx, events.TypeVaultUnsealed, a, err) }()

	if !s.keys.HasSecureStorageCapability(ctx) {
		return nil, "", a.fail(ErrNoSecureStorage)
	}

	data, err := s.store.Read()
	if err != nil {
		if errors.Is(err, vaultfile.ErrNotFound) {
			return nil, "", a.fail(ErrNoVaultFile)
		}
		return nil, "", a.fail(fmt.Errorf("%w: %w", ErrIO, err))
	}

	// A keystore error is not proof the key is gone; only a missing alias is.
	key, err := s.keys.Key(ctx)
	if err != nil {
		if errors.Is(err, devicekey.ErrNoDeviceKey) {
			log.Error().Str("alias", s.keys.Alias()).Msg("Vault file exists but the device key is gone; it cannot be recovered")
			return nil, "", a.fail(ErrNoDeviceKey)
		}
		return nil, "", a.fail(fmt.Errorf("%w: %w", ErrKeystore, err))
	}

	envelope, err := vaultfile.Decode(data)
	if err != nil {
		return nil, "", a.fail(fmt.Errorf("%w: %w", ErrCorruptFile, err))
	}
	a.to(StatePreconditionsChecked, nil)

	c, err := key.NewDecryptCipher(envelope.IV)
	if err != nil {
		return nil, "", a.fail(fmt.Errorf("%w: failed to initialize cipher: %w", ErrKeystore, err))
	}

	if err := s.authenticate(ctx, a, c); err != nil {
		return nil, "", a.fail(err)
	}

	plaintext, err := c.Final(envelope.Ciphertext)
	if err != nil {
		return nil, "", a.fail(cipherError(err))
	}

	hint = envelope.Hint
	if !utf8.ValidString(hint) {
		// The hint sits outside the GCM tag; a damaged hint must not cost the secret.
		log.Warn().Str("challenge_id", a.challengeID).Msg("Stored hint is not valid UTF-8, replacing invalid bytes")
		hint = strings.ToValidUTF8(hint, "\uFFFD")
	}

	a.to(StateUnsealed, nil)
	log.Info().Str("challenge_id", a.challengeID).Msg("Master key unsealed")
	return plaintext, hint, nil
}

func (s *Service) enroll(ctx context.Context) error {
	err := s.keys.EnrollDeviceKey(ctx)
	if errors.Is(err, devicekey.ErrAlreadyEnrolled) {
		// Created between the check and the enrollment by another process.
		return nil
	}

	e := events.New(events.TypeDeviceKeyEnrolled, events.OutcomeSuccess)
	e.KeyAlias = s.keys.Alias()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrKeyEnrollmentFailed, err)
		e.Outcome = events.OutcomeFailure
		e.Category = string(CategoryOf(err))
		e.Reason = err.Error()
	}
	s.publish(ctx, e)
	return err
}

// authenticate presents a fresh challenge for c and maps the outcome.
func (s *Service) authenticate(ctx context.Context, a *attempt, c devicekey.Cipher) error {
	ch := authgate.NewChallenge(a.op, c, s.prompts[a.op])
	a.challengeID = ch.ID
	a.to(StateAuthenticating, nil)

	outcome, err := s.gate.Authenticate(ctx, ch)
	switch outcome {
	case authgate.OutcomeSuccess:
		return nil
	case authgate.OutcomeCancelled:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuthenticationCancelled, err)
		}
		return ErrAuthenticationCancelled
	default:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrAuthenticationRejected, err)
		}
		return ErrAuthenticationRejected
	}
}

func cipherError(err error) error {
	switch {
	case errors.Is(err, devicekey.ErrTagMismatch):
		return fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	case errors.Is(err, devicekey.ErrUserNotAuthenticated):
		// The provider did not accept the presence proof for this cipher.
		return fmt.Errorf("%w: %w", ErrAuthenticationRejected, err)
	default:
		return fmt.Errorf("%w: %w", ErrKeystore, err)
	}
}

func (s *Service) audit(ctx context.Context, t events.Type, a *attempt, err error) {
	e := events.New(t, events.OutcomeSuccess)
	e.ChallengeID = a.challengeID
	e.KeyAlias = s.keys.Alias()
	if err != nil {
		e.Outcome = events.OutcomeFailure
		e.Category = string(CategoryOf(err))
		e.Reason = err.Error()
	}
	s.publish(ctx, e)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	// Audit records must go out even when the attempt was cancelled.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), e); err != nil {
		log.Warn().Err(err).Str("event_type", string(e.Type)).Msg("Failed to publish audit event")
	}
}
