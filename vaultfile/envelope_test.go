package vaultfile

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(ctLen int, hint string) *Envelope {
	return &Envelope{
		IV:         bytes.Repeat([]byte{0x07}, NonceSize),
		Ciphertext: bytes.Repeat([]byte{0xC3}, ctLen),
		Hint:       hint,
	}
}

func TestEnvelope_Layout(t *testing.T) {
	// 32-byte secret sealed with a 16-byte tag, hint "home".
	e := testEnvelope(32+TagSize, "home")

	body, err := e.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, body, 68)
	assert.Equal(t, e.BodySize(), len(body))

	assert.Equal(t, e.IV, body[:12])
	assert.Equal(t, uint32(48), binary.BigEndian.Uint32(body[12:16]))
	assert.Equal(t, e.Ciphertext, body[16:64])
	assert.Equal(t, "home", string(body[64:]))

	file, err := Encode(e)
	require.NoError(t, err)
	assert.Len(t, file, 69)
	assert.Equal(t, FormatVersion, file[0])
	assert.Equal(t, body, file[1:])
}

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"with hint", testEnvelope(48, "home")},
		{"empty hint", testEnvelope(48, "")},
		{"unicode hint", testEnvelope(20, "Schlüssel 🔑")},
		{"large ciphertext", testEnvelope(4096+TagSize, "x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.env.IV, got.IV)
			assert.Equal(t, tt.env.Ciphertext, got.Ciphertext)
			assert.Equal(t, tt.env.Hint, got.Hint)
		})
	}
}

func TestDecode_EmptyHintOnlyDiffersByLength(t *testing.T) {
	withHint, err := Encode(testEnvelope(48, "h"))
	require.NoError(t, err)
	without, err := Encode(testEnvelope(48, ""))
	require.NoError(t, err)

	assert.Equal(t, len(withHint)-1, len(without))
	assert.Equal(t, withHint[:len(without)], without)

	got, err := Decode(without)
	require.NoError(t, err)
	assert.Equal(t, "", got.Hint)
}

func TestDecode_Corrupt(t *testing.T) {
	valid, err := Encode(testEnvelope(48, "home"))
	require.NoError(t, err)

	withLength := func(n uint32) []byte {
		data := append([]byte(nil), valid...)
		binary.BigEndian.PutUint32(data[1+NonceSize:1+HeaderSize], n)
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"only version", []byte{FormatVersion}},
		{"truncated header", valid[:10]},
		{"length beyond file", withLength(uint32(len(valid)))},
		{"length one past end", withLength(uint32(len(valid) - 1 - HeaderSize + 1))},
		{"max length", withLength(0xFFFFFFFF)},
		{"length shorter than tag", withLength(TagSize - 1)},
		{"truncated ciphertext", valid[:1+HeaderSize+20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDecode_InvalidHintKeptAsStored(t *testing.T) {
	valid, err := Encode(testEnvelope(48, "home"))
	require.NoError(t, err)
	valid[len(valid)-1] = 0xFF

	got, err := Decode(valid)
	require.NoError(t, err)
	assert.Equal(t, "hom\xff", got.Hint)
	assert.Len(t, got.Ciphertext, 48)
}

func TestDecode_LengthCoversWholeBody(t *testing.T) {
	// Hint bytes absorbed into the ciphertext still parse; the tag check on
	// decrypt is what catches this.
	valid, err := Encode(testEnvelope(48, "home"))
	require.NoError(t, err)
	binary.BigEndian.PutUint32(valid[1+NonceSize:1+HeaderSize], 52)

	got, err := Decode(valid)
	require.NoError(t, err)
	assert.Len(t, got.Ciphertext, 52)
	assert.Empty(t, got.Hint)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	body, err := testEnvelope(48, "home").MarshalBinary()
	require.NoError(t, err)

	// A historical unversioned file starts directly with the IV.
	_, err = Decode(body)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode(append([]byte{0x02}, body...))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestMarshalBinary_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{"short IV", &Envelope{IV: make([]byte, 8), Ciphertext: make([]byte, 32)}},
		{"missing tag", &Envelope{IV: make([]byte, NonceSize), Ciphertext: make([]byte, 4)}},
		{"invalid hint", &Envelope{IV: make([]byte, NonceSize), Ciphertext: make([]byte, 32), Hint: "\xff"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.env)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}
