// Package authgate interposes a human-presence check between initializing a
// device key cipher and using it.
package authgate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/devicekey"
)

// DefaultTimeout bounds how long a prompt may stay open.
const DefaultTimeout = 60 * time.Second

var (
	ErrChallengeUsed = errors.New("challenge already presented")
	ErrNoCipher      = errors.New("challenge has no cipher")
)

// Outcome is the result of one presentation of the gate.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeRejected
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Operation names the cryptographic operation a challenge authorizes.
type Operation string

const (
	OperationSeal   Operation = "seal"
	OperationUnseal Operation = "unseal"
)

// Prompt is the text and method set shown by the platform authentication UI.
type Prompt struct {
	Title       string
	Subtitle    string
	Description string
	Allowed     devicekey.Authenticators
}

// DefaultPrompt returns the prompt shown for an operation.
func DefaultPrompt(op Operation) Prompt {
	p := Prompt{
		Title:   "Unlock vault",
		Allowed: devicekey.StrongOrCredential,
	}
	switch op {
	case OperationSeal:
		p.Subtitle = "Protect your master key"
		p.Description = "Confirm your identity to store the master key on this device."
	case OperationUnseal:
		p.Subtitle = "Access your master key"
		p.Description = "Confirm your identity to read the master key stored on this device."
	}
	return p
}

// Challenge binds one initialized cipher to one presence proof. It is
// ephemeral and can be presented exactly once.
type Challenge struct {
	ID        string
	Operation Operation
	Cipher    devicekey.Cipher
	Prompt    Prompt
	CreatedAt time.Time

	presented atomic.Bool
}

// NewChallenge creates a challenge for a freshly initialized cipher.
func NewChallenge(op Operation, cipher devicekey.Cipher, prompt Prompt) *Challenge {
	return &Challenge{
		ID:        uuid.New().String(),
		Operation: op,
		Cipher:    cipher,
		Prompt:    prompt,
		CreatedAt: time.Now(),
	}
}

// Presented reports whether the challenge was already handed to the gate.
func (c *Challenge) Presented() bool {
	return c.presented.Load()
}

// Authenticator is the platform authentication UI provider. Authenticate shows
// the prompt bound to the challenge cipher and blocks until the user answers or
// ctx is done. On success the provider must have authorized exactly that cipher.
type Authenticator interface {
	Authenticate(ctx context.Context, challenge *Challenge) (Outcome, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, challenge *Challenge) (Outcome, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, challenge *Challenge) (Outcome, error) {
	return f(ctx, challenge)
}

// Gate runs the authenticator off the caller's goroutine and turns context
// cancellation or timeout into OutcomeCancelled.
type Gate struct {
	auth    Authenticator
	timeout time.Duration
}

// NewGate creates a gate. A non-positive timeout selects DefaultTimeout.
func NewGate(auth Authenticator, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{auth: auth, timeout: timeout}
}

// Timeout returns how long a prompt may stay open.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}

type result struct {
	outcome Outcome
	err     error
}

// Authenticate presents the challenge once. The returned outcome is never
// OutcomeSuccess together with a non-nil error.
func (g *Gate) Authenticate(ctx context.Context, challenge *Challenge) (Outcome, error) {
	if challenge.Cipher == nil {
		return OutcomeRejected, ErrNoCipher
	}
	if !challenge.presented.CompareAndSwap(false, true) {
		return OutcomeRejected, ErrChallengeUsed
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	logger := log.With().
		Str("challenge_id", challenge.ID).
		Str("operation", string(challenge.Operation)).
		Str("mode", challenge.Cipher.Mode().String()).
		Logger()
	logger.Debug().Str("allowed", challenge.Prompt.Allowed.String()).Msg("Presenting authentication prompt")

	done := make(chan result, 1)
	go func() {
		outcome, err := g.auth.Authenticate(ctx, challenge)
		done <- result{outcome: outcome, err: err}
	}()

	select {
	case r := <-done:
		outcome, err := normalize(r)
		logger.Debug().Str("outcome", outcome.String()).AnErr("reason", err).Msg("Authentication finished")
		return outcome, err
	case <-ctx.Done():
		err := ctx.Err()
		logger.Info().Err(err).Msg("Authentication cancelled")
		return OutcomeCancelled, err
	}
}

func normalize(r result) (Outcome, error) {
	switch r.outcome {
	case OutcomeSuccess:
		if r.err != nil {
			return OutcomeRejected, r.err
		}
		return OutcomeSuccess, nil
	case OutcomeRejected, OutcomeCancelled:
		return r.outcome, r.err
	default:
		if r.err == nil {
			r.err = fmt.Errorf("authenticator returned unknown outcome %d", r.outcome)
		}
		return OutcomeRejected, r.err
	}
}
