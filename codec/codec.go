// Package codec implements the flat byte format used to persist and compare
// machine state: fixed-width little-endian integers, u64 length-prefixed
// blobs and strings, and values as a one-byte kind tag followed by exactly
// the kind's byte width.
package codec

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	ErrTrailingBytes = errors.New("codec: trailing bytes after decode")
	ErrBlobTooLarge  = errors.New("codec: blob length exceeds remaining input")
)

// Marshaler is implemented by types with a byte-exact encoding.
type Marshaler interface {
	EncodeTo(e *Encoder)
}

// Unmarshaler is implemented by types that decode their own encoding.
type Unmarshaler interface {
	DecodeFrom(d *Decoder) error
}

// Marshal serializes m.
func Marshal(m Marshaler) ([]byte, error) {
	buffer := bytes.NewBuffer(nil)
	encoder := NewEncoder(buffer)
	m.EncodeTo(encoder)
	if err := encoder.Err(); err != nil {
		return nil, fmt.Errorf("encoding failed: %w", err)
	}
	return buffer.Bytes(), nil
}

// MustMarshal runs Marshal and panics on error.
func MustMarshal(m Marshaler) []byte {
	b, err := Marshal(m)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal decodes data into u and rejects trailing input.
func Unmarshal(data []byte, u Unmarshaler) error {
	decoder := NewDecoder(bytes.NewReader(data))
	if err := u.DecodeFrom(decoder); err != nil {
		return fmt.Errorf("decoding failed: %w", err)
	}
	if err := decoder.Err(); err != nil {
		return fmt.Errorf("decoding failed: %w", err)
	}
	if decoder.Remaining() != 0 {
		return fmt.Errorf("decoding failed: %d bytes left: %w", decoder.Remaining(), ErrTrailingBytes)
	}
	return nil
}
