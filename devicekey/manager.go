package devicekey

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Manager creates, checks for, and hands out the device key.
type Manager struct {
	keystore   Keystore
	capability Capability
	alias      string
	policy     KeyPolicy
}

// NewManager creates a device key manager. An empty alias selects DefaultAlias.
func NewManager(keystore Keystore, capability Capability, alias string) *Manager {
	if alias == "" {
		alias = DefaultAlias
	}
	return &Manager{
		keystore:   keystore,
		capability: capability,
		alias:      alias,
		policy:     DefaultPolicy(),
	}
}

// Alias returns the keystore alias of the device key.
func (m *Manager) Alias() string {
	return m.alias
}

// Policy returns the policy used when enrolling the device key.
func (m *Manager) Policy() KeyPolicy {
	return m.policy
}

// HasSecureStorageCapability reports whether the device has a screen lock and a
// strong biometric or device credential is available right now.
func (m *Manager) HasSecureStorageCapability(ctx context.Context) bool {
	if !m.capability.IsDeviceSecure(ctx) {
		log.Debug().Msg("Device has no screen lock configured")
		return false
	}

	status := m.capability.CanAuthenticate(ctx, m.policy.Authenticators)
	if status != StatusSuccess {
		log.Debug().
			Str("status", status.String()).
			Str("authenticators", m.policy.Authenticators.String()).
			Msg("No usable authenticator")
		return false
	}
	return true
}

// HasDeviceKey reports whether a key with the alias exists in the keystore.
// Keystore errors are logged and reported as absent.
func (m *Manager) HasDeviceKey(ctx context.Context) bool {
	ok, err := m.keystore.ContainsAlias(ctx, m.alias)
	if err != nil {
		log.Error().Err(err).Str("alias", m.alias).Msg("Failed to query keystore")
		return false
	}
	return ok
}

// EnrollDeviceKey generates the device key. It never replaces an existing key:
// every vault file sealed under the old key would become unrecoverable.
func (m *Manager) EnrollDeviceKey(ctx context.Context) error {
	exists, err := m.keystore.ContainsAlias(ctx, m.alias)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeystoreUnavailable, err)
	}
	if exists {
		log.Warn().Str("alias", m.alias).Msg("Tried to enroll a device key while one already exists")
		return ErrAlreadyEnrolled
	}

	if _, err := m.keystore.GenerateKey(ctx, m.alias, m.policy); err != nil {
		log.Error().Err(err).Str("alias", m.alias).Msg("Failed to enroll device key")
		return fmt.Errorf("%w: %w", ErrKeystoreUnavailable, err)
	}

	log.Info().
		Str("alias", m.alias).
		Str("algorithm", m.policy.Algorithm).
		Str("block_mode", m.policy.BlockMode).
		Msg("Enrolled new device key")
	return nil
}

// Key returns the handle of the enrolled device key.
func (m *Manager) Key(ctx context.Context) (KeyHandle, error) {
	key, err := m.keystore.GetKey(ctx, m.alias)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, ErrNoDeviceKey
		}
		return nil, fmt.Errorf("%w: %w", ErrKeystoreUnavailable, err)
	}
	return key, nil
}
