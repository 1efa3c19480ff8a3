// Package devicekey manages the hardware-isolated device key that protects the
// vault file. The key itself lives inside a platform keystore; this package only
// ever sees an opaque handle and cipher objects bound to it.
package devicekey

import (
	"context"
	"errors"
	"strings"
)

// DefaultAlias is the well-known keystore alias of the device key.
const DefaultAlias = "MasterKey"

const (
	// KeySizeBits is the AES key strength requested from the keystore.
	KeySizeBits = 256
	// NonceSize is the GCM initialization vector length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length appended to ciphertexts.
	TagSize = 16
)

var (
	ErrAlreadyEnrolled      = errors.New("device key already enrolled")
	ErrKeystoreUnavailable  = errors.New("keystore unavailable")
	ErrNoDeviceKey          = errors.New("no device key enrolled")
	ErrKeyNotFound          = errors.New("key not found")
	ErrUserNotAuthenticated = errors.New("user not authenticated for this operation")
	ErrTagMismatch          = errors.New("message authentication failed")
	ErrCipherFinished       = errors.New("cipher already used")
	ErrInvalidIV            = errors.New("invalid initialization vector")
)

// Mode is the operation a cipher instance was initialized for.
type Mode int

const (
	ModeEncrypt Mode = iota + 1
	ModeDecrypt
)

func (m Mode) String() string {
	switch m {
	case ModeEncrypt:
		return "encrypt"
	case ModeDecrypt:
		return "decrypt"
	default:
		return "unknown"
	}
}

// Authenticators is a set of presence proofs a key accepts.
type Authenticators uint8

const (
	BiometricStrong Authenticators = 1 << iota
	DeviceCredential
)

// StrongOrCredential accepts either a class 3 biometric or the device PIN/pattern/password.
const StrongOrCredential = BiometricStrong | DeviceCredential

func (a Authenticators) String() string {
	var parts []string
	if a&BiometricStrong != 0 {
		parts = append(parts, "biometric_strong")
	}
	if a&DeviceCredential != 0 {
		parts = append(parts, "device_credential")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Status is the answer of a capability provider to "can the user authenticate now".
type Status int

const (
	StatusSuccess Status = iota
	StatusNoHardware
	StatusHardwareUnavailable
	StatusNoneEnrolled
	StatusLockedOut
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoHardware:
		return "no_hardware"
	case StatusHardwareUnavailable:
		return "hardware_unavailable"
	case StatusNoneEnrolled:
		return "none_enrolled"
	case StatusLockedOut:
		return "locked_out"
	default:
		return "unknown"
	}
}

// Capability reports whether the device can hold an authentication-bound key.
// Implementations answer from live platform state on every call.
type Capability interface {
	// IsDeviceSecure reports whether a screen lock is configured.
	IsDeviceSecure(ctx context.Context) bool
	// CanAuthenticate reports whether any of the given authenticators is usable.
	CanAuthenticate(ctx context.Context, allowed Authenticators) Status
}

// Keystore is the hardware keystore capability provider.
type Keystore interface {
	ContainsAlias(ctx context.Context, alias string) (bool, error)
	GenerateKey(ctx context.Context, alias string, policy KeyPolicy) (KeyHandle, error)
	// GetKey returns ErrKeyNotFound when the alias does not exist.
	GetKey(ctx context.Context, alias string) (KeyHandle, error)
}

// KeyHandle refers to a key inside the keystore. It never exposes key bytes.
type KeyHandle interface {
	Alias() string
	// NewEncryptCipher initializes a cipher with a fresh provider-generated IV.
	NewEncryptCipher() (Cipher, error)
	// NewDecryptCipher initializes a cipher with the IV stored alongside the ciphertext.
	NewDecryptCipher(iv []byte) (Cipher, error)
}

// Cipher is a single initialized AES-GCM operation. Final fails with
// ErrUserNotAuthenticated unless a presence proof was bound to this exact
// instance immediately before, and it can run at most once.
type Cipher interface {
	Mode() Mode
	IV() []byte
	Final(input []byte) ([]byte, error)
}
