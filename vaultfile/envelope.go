// Package vaultfile implements the on-disk envelope that holds the sealed
// master secret and its cleartext hint.
//
// File layout (big-endian):
//
//	[0]      format version (FormatVersion)
//	[1:13]   GCM initialization vector
//	[13:17]  ciphertext length N, including the GCM tag
//	[17:17+N] ciphertext
//	[17+N:]  UTF-8 hint, possibly empty
//
// Everything after the version byte is the envelope body.
package vaultfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// FormatVersion is the only envelope format this package writes or reads.
const FormatVersion byte = 0x01

const (
	NonceSize       = 12
	lengthFieldSize = 4
	// HeaderSize is the size of IV plus length field at the start of the body.
	HeaderSize = NonceSize + lengthFieldSize
	// TagSize is the GCM tag every ciphertext must at least contain.
	TagSize = 16
)

var (
	ErrCorrupt            = errors.New("corrupt vault file")
	ErrUnsupportedVersion = errors.New("unsupported vault file version")
	ErrInvalidEnvelope    = errors.New("invalid envelope")
)

// Envelope is the decoded vault file.
type Envelope struct {
	IV         []byte
	Ciphertext []byte
	Hint       string
}

// BodySize returns the encoded body length without the version byte.
func (e *Envelope) BodySize() int {
	return HeaderSize + len(e.Ciphertext) + len(e.Hint)
}

func (e *Envelope) validate() error {
	if len(e.IV) != NonceSize {
		return fmt.Errorf("%w: IV must be %d bytes, got %d", ErrInvalidEnvelope, NonceSize, len(e.IV))
	}
	if len(e.Ciphertext) < TagSize {
		return fmt.Errorf("%w: ciphertext shorter than GCM tag", ErrInvalidEnvelope)
	}
	if uint64(len(e.Ciphertext)) > math.MaxUint32 {
		return fmt.Errorf("%w: ciphertext too large", ErrInvalidEnvelope)
	}
	if !utf8.ValidString(e.Hint) {
		return fmt.Errorf("%w: hint is not valid UTF-8", ErrInvalidEnvelope)
	}
	return nil
}

// MarshalBinary encodes the envelope body.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, 0, e.BodySize())
	buf = append(buf, e.IV...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Ciphertext)))
	buf = append(buf, e.Ciphertext...)
	buf = append(buf, e.Hint...)
	return buf, nil
}

// UnmarshalBinary decodes an envelope body. The ciphertext length field must
// fit inside data; trailing bytes after the ciphertext are the hint.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}

	n := uint64(binary.BigEndian.Uint32(data[NonceSize:HeaderSize]))
	end := uint64(HeaderSize) + n
	if end > uint64(len(data)) {
		return fmt.Errorf("%w: ciphertext length %d exceeds file length %d", ErrCorrupt, n, len(data))
	}
	if n < TagSize {
		return fmt.Errorf("%w: ciphertext length %d shorter than GCM tag", ErrCorrupt, n)
	}

	// The hint is returned as stored, even when it is not valid UTF-8: it is
	// not covered by the GCM tag and callers decide how to present it.
	var hint string
	if end < uint64(len(data)) {
		hint = string(data[end:])
	}

	e.IV = append([]byte(nil), data[:NonceSize]...)
	e.Ciphertext = append([]byte(nil), data[HeaderSize:end]...)
	e.Hint = hint
	return nil
}

// Encode returns the full file contents: version byte followed by the body.
func Encode(e *Envelope) ([]byte, error) {
	body, err := e.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append([]byte{FormatVersion}, body...), nil
}

// Decode parses full file contents produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrCorrupt)
	}
	if data[0] != FormatVersion {
		return nil, fmt.Errorf("%w: %#02x", ErrUnsupportedVersion, data[0])
	}

	e := &Envelope{}
	if err := e.UnmarshalBinary(data[1:]); err != nil {
		return nil, err
	}
	return e, nil
}
