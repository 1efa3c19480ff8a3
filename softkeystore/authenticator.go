package softkeystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/authgate"
	"github.com/Mondei1/QRVault/native/devicekey"
)

var (
	ErrPINEntryCancelled    = errors.New("PIN entry cancelled")
	ErrForeignCipher        = errors.New("cipher does not belong to this keystore")
	ErrBiometricUnavailable = errors.New("no biometric hardware")
)

// PINSource asks the user for the device credential.
type PINSource interface {
	// ReadPIN returns ErrPINEntryCancelled when the user dismisses the prompt.
	ReadPIN(ctx context.Context, prompt authgate.Prompt) ([]byte, error)
}

// PINSourceFunc adapts a function to PINSource.
type PINSourceFunc func(ctx context.Context, prompt authgate.Prompt) ([]byte, error)

func (f PINSourceFunc) ReadPIN(ctx context.Context, prompt authgate.Prompt) ([]byte, error) {
	return f(ctx, prompt)
}

// PINAuthenticator implements authgate.Authenticator with the keystore's
// device credential.
type PINAuthenticator struct {
	ks     *Keystore
	source PINSource
}

var _ authgate.Authenticator = (*PINAuthenticator)(nil)

// Authenticator returns an authenticator that reads PINs from source.
func (k *Keystore) Authenticator(source PINSource) *PINAuthenticator {
	return &PINAuthenticator{ks: k, source: source}
}

// Authenticate verifies the PIN and, on success, authorizes exactly the
// challenge cipher for one use.
func (a *PINAuthenticator) Authenticate(ctx context.Context, ch *authgate.Challenge) (authgate.Outcome, error) {
	if ch.Prompt.Allowed&devicekey.DeviceCredential == 0 {
		return authgate.OutcomeRejected, ErrBiometricUnavailable
	}

	c, ok := ch.Cipher.(*gcmCipher)
	if !ok || c.ks != a.ks {
		return authgate.OutcomeRejected, ErrForeignCipher
	}

	pin, err := a.source.ReadPIN(ctx, ch.Prompt)
	defer zero(pin)
	if err != nil {
		if errors.Is(err, ErrPINEntryCancelled) || ctx.Err() != nil {
			return authgate.OutcomeCancelled, err
		}
		return authgate.OutcomeRejected, fmt.Errorf("failed to read PIN: %w", err)
	}

	if err := a.ks.verifyPIN(ctx, pin); err != nil {
		log.Info().Err(err).Str("challenge_id", ch.ID).Msg("Device credential rejected")
		return authgate.OutcomeRejected, err
	}

	// The gate may have given up while the PIN was being checked.
	if err := ctx.Err(); err != nil {
		return authgate.OutcomeCancelled, err
	}

	c.authorize()
	log.Debug().Str("challenge_id", ch.ID).Str("mode", c.mode.String()).Msg("Cipher authorized")
	return authgate.OutcomeSuccess, nil
}
