package vault

import (
	"errors"

	"github.com/Mondei1/QRVault/native/lock"
	"github.com/Mondei1/QRVault/native/vaultfile"
)

var (
	// Environment
	ErrNoSecureStorage     = errors.New("no secure storage: configure a screen lock and a strong biometric or device credential")
	ErrKeyEnrollmentFailed = errors.New("device key enrollment failed")
	ErrNoDeviceKey         = errors.New("device key missing")
	ErrKeystore            = errors.New("keystore operation failed")

	// Authentication
	ErrAuthenticationRejected        = errors.New("authentication rejected")
	ErrAuthenticationCancelled error = &cancelledError{}

	// Integrity
	ErrNoVaultFile      = errors.New("no vault file")
	ErrCorruptFile      = errors.New("vault file is corrupt")
	ErrDecryptionFailed = errors.New("decryption failed: wrong key or tampered ciphertext")

	ErrIO            = errors.New("vault file I/O failed")
	ErrBusy          = errors.New("another vault operation is in progress")
	ErrInvalidSecret = errors.New("invalid secret")
)

// cancelledError is a rejection; callers that only check
// ErrAuthenticationRejected treat a cancellation the same way.
type cancelledError struct{}

func (*cancelledError) Error() string { return "authentication cancelled" }

func (*cancelledError) Unwrap() error { return ErrAuthenticationRejected }

// Category groups errors by the remediation they need.
type Category string

const (
	CategoryNone           Category = ""
	CategoryEnvironment    Category = "environment"
	CategoryAuthentication Category = "authentication"
	CategoryIntegrity      Category = "integrity"
	CategoryIO             Category = "io"
	CategoryBusy           Category = "busy"
	CategoryInvalid        Category = "invalid"
	CategoryUnknown        Category = "unknown"
)

// CategoryOf classifies an error returned by Service.
func CategoryOf(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case errors.Is(err, ErrNoSecureStorage),
		errors.Is(err, ErrKeyEnrollmentFailed),
		errors.Is(err, ErrNoDeviceKey),
		errors.Is(err, ErrKeystore):
		return CategoryEnvironment
	case errors.Is(err, ErrAuthenticationRejected):
		return CategoryAuthentication
	case errors.Is(err, ErrNoVaultFile),
		errors.Is(err, ErrCorruptFile),
		errors.Is(err, ErrDecryptionFailed),
		errors.Is(err, vaultfile.ErrCorrupt),
		errors.Is(err, vaultfile.ErrUnsupportedVersion):
		return CategoryIntegrity
	case errors.Is(err, ErrIO):
		return CategoryIO
	case errors.Is(err, ErrBusy), errors.Is(err, lock.ErrHeld):
		return CategoryBusy
	case errors.Is(err, ErrInvalidSecret):
		return CategoryInvalid
	default:
		return CategoryUnknown
	}
}
