// Package events publishes audit records for device key enrollment and vault
// seal/unseal attempts. Records carry outcomes only, never secrets or hints.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type identifies what happened.
type Type string

const (
	TypeDeviceKeyEnrolled Type = "device_key.enrolled"
	TypeVaultSealed       Type = "vault.sealed"
	TypeVaultUnsealed     Type = "vault.unsealed"
)

// Outcome of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one audit record.
type Event struct {
	ID          string    `cbor:"id" json:"id"`
	Type        Type      `cbor:"type" json:"type"`
	Outcome     Outcome   `cbor:"outcome" json:"outcome"`
	Category    string    `cbor:"category,omitempty" json:"category,omitempty"`
	Reason      string    `cbor:"reason,omitempty" json:"reason,omitempty"`
	ChallengeID string    `cbor:"challenge_id,omitempty" json:"challenge_id,omitempty"`
	KeyAlias    string    `cbor:"key_alias,omitempty" json:"key_alias,omitempty"`
	OccurredAt  time.Time `cbor:"occurred_at" json:"occurred_at"`
}

// New creates an event with a fresh ID and timestamp.
func New(t Type, outcome Outcome) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       t,
		Outcome:    outcome,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to the global logger.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	ev := log.Info()
	if e.Outcome == OutcomeFailure {
		ev = log.Warn()
	}
	ev.Str("event_id", e.ID).
		Str("event_type", string(e.Type)).
		Str("outcome", string(e.Outcome)).
		Str("category", e.Category).
		Str("reason", e.Reason).
		Str("challenge_id", e.ChallengeID).
		Str("key_alias", e.KeyAlias).
		Time("occurred_at", e.OccurredAt).
		Msg("Audit event")
	return nil
}

// Multi fans out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
