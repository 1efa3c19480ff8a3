package devicekey

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidPolicy = errors.New("invalid key policy")

// Purpose is a bitmask of the operations a key may be used for.
type Purpose uint8

const (
	PurposeEncrypt Purpose = 1 << iota
	PurposeDecrypt
)

// Allows reports whether the purpose covers the cipher mode.
func (p Purpose) Allows(m Mode) bool {
	switch m {
	case ModeEncrypt:
		return p&PurposeEncrypt != 0
	case ModeDecrypt:
		return p&PurposeDecrypt != 0
	default:
		return false
	}
}

// KeyPolicy holds the generation parameters handed to the keystore.
type KeyPolicy struct {
	Algorithm   string  `cbor:"algorithm"`
	KeySizeBits int     `cbor:"key_size_bits"`
	BlockMode   string  `cbor:"block_mode"`
	Padding     string  `cbor:"padding"`
	Purposes    Purpose `cbor:"purposes"`
	Exportable  bool    `cbor:"exportable"`

	UserAuthenticationRequired bool `cbor:"user_auth_required"`
	// AuthenticationTimeout of zero requires a fresh proof for every use.
	AuthenticationTimeout time.Duration  `cbor:"auth_timeout"`
	Authenticators        Authenticators `cbor:"authenticators"`

	RandomizedEncryptionRequired bool `cbor:"randomized_encryption"`
}

// DefaultPolicy returns the policy of the device key: AES-256-GCM, never
// exportable, and gated by a biometric or device credential on every use.
func DefaultPolicy() KeyPolicy {
	return KeyPolicy{
		Algorithm:                    "AES",
		KeySizeBits:                  KeySizeBits,
		BlockMode:                    "GCM",
		Padding:                      "NoPadding",
		Purposes:                     PurposeEncrypt | PurposeDecrypt,
		Exportable:                   false,
		UserAuthenticationRequired:   true,
		AuthenticationTimeout:        0,
		Authenticators:               StrongOrCredential,
		RandomizedEncryptionRequired: true,
	}
}

// Validate rejects policies that would weaken the device key.
func (p KeyPolicy) Validate() error {
	switch {
	case p.Algorithm != "AES":
		return fmt.Errorf("%w: algorithm %q", ErrInvalidPolicy, p.Algorithm)
	case p.KeySizeBits != KeySizeBits:
		return fmt.Errorf("%w: key size %d", ErrInvalidPolicy, p.KeySizeBits)
	case p.BlockMode != "GCM":
		return fmt.Errorf("%w: block mode %q", ErrInvalidPolicy, p.BlockMode)
	case p.Exportable:
		return fmt.Errorf("%w: key must not be exportable", ErrInvalidPolicy)
	case !p.UserAuthenticationRequired:
		return fmt.Errorf("%w: user authentication must be required", ErrInvalidPolicy)
	case p.AuthenticationTimeout != 0:
		return fmt.Errorf("%w: authentication must be required on every use", ErrInvalidPolicy)
	case p.Authenticators == 0:
		return fmt.Errorf("%w: no authenticators allowed", ErrInvalidPolicy)
	case !p.RandomizedEncryptionRequired:
		// GCM collapses under nonce reuse; the keystore must pick the IV.
		return fmt.Errorf("%w: randomized encryption must be required", ErrInvalidPolicy)
	case p.Purposes&(PurposeEncrypt|PurposeDecrypt) != PurposeEncrypt|PurposeDecrypt:
		return fmt.Errorf("%w: key must allow encrypt and decrypt", ErrInvalidPolicy)
	}
	return nil
}
