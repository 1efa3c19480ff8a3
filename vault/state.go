package vault

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Mondei1/QRVault/native/authgate"
)

// State is the position of one seal or unseal attempt.
type State int

const (
	StateIdle State = iota
	StatePreconditionsChecked
	StateAuthenticating
	StateSealed
	StateUnsealed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreconditionsChecked:
		return "preconditions_checked"
	case StateAuthenticating:
		return "authenticating"
	case StateSealed:
		return "sealed"
	case StateUnsealed:
		return "unsealed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateSealed || s == StateUnsealed || s == StateFailed
}

// Transition is one state change of an attempt.
type Transition struct {
	Operation   authgate.Operation
	ChallengeID string
	From        State
	To          State
	Err         error
	At          time.Time
}

// Observer receives every transition synchronously.
type Observer func(Transition)

// attempt tracks one operation through the state machine.
type attempt struct {
	op          authgate.Operation
	state       State
	challengeID string
	observer    Observer
}

func newAttempt(op authgate.Operation, observer Observer) *attempt {
	return &attempt{op: op, state: StateIdle, observer: observer}
}

func (a *attempt) to(next State, err error) {
	t := Transition{
		Operation:   a.op,
		ChallengeID: a.challengeID,
		From:        a.state,
		To:          next,
		Err:         err,
		At:          time.Now(),
	}
	a.state = next

	ev := log.Debug()
	if next == StateFailed {
		ev = log.Warn().Err(err).Str("category", string(CategoryOf(err)))
	}
	ev.Str("operation", string(a.op)).
		Str("challenge_id", a.challengeID).
		Str("from", t.From.String()).
		Str("to", next.String()).
		Msg("Vault state transition")

	if a.observer != nil {
		a.observer(t)
	}
}

// fail moves to StateFailed and returns err for convenience.
func (a *attempt) fail(err error) error {
	a.to(StateFailed, err)
	return err
}
