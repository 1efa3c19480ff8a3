package masterkey

import (
	"encoding/json"
	"fmt"
	"io"
)

const redacted = "[REDACTED]"

// Secret holds master key bytes. Formatting, JSON and text encoding redact it
// so it cannot end up in logs by accident.
type Secret []byte

func (s Secret) String() string { return redacted }

// Format implements fmt.Formatter so every verb is redacted.
func (s Secret) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, redacted)
}

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Bytes returns a copy. Callers zero it when done.
func (s Secret) Bytes() []byte {
	out := make([]byte, len(s))
	copy(out, s)
	return out
}

// Zero overwrites the secret in place.
func (s *Secret) Zero() {
	if s == nil {
		return
	}
	for i := range *s {
		(*s)[i] = 0
	}
}

// MasterKey is an unsealed secret together with its clear-text hint.
type MasterKey struct {
	Secret Secret `json:"secret"`
	Hint   string `json:"hint"`
}
