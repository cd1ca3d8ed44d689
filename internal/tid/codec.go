// SPDX-License-Identifier: MIT

// Package tid implements timestamp-derived record identifiers: 13-character
// base-32 keys that sort lexicographically in emission order.
package tid

import (
	"errors"
	"fmt"
	"strings"
)

// Alphabet is the sortable base-32 symbol set. Lexicographic order of encoded
// strings matches numeric order of the encoded values.
const Alphabet = "234567abcdefghijklmnopqrstuvwxyz"

// Length is the fixed identifier length: 13 chars x 5 bits covers 64 bits
// with the top bit reserved.
const Length = 13

// ClockIDMask bounds the 10-bit clock disambiguator.
const ClockIDMask = 0x3FF

var (
	ErrInvalidLength = errors.New("tid: identifier must be 13 characters")
	ErrInvalidChar   = errors.New("tid: character outside base-32 alphabet")
	ErrHighBitSet    = errors.New("tid: reserved high bit is set")
)

// Compose packs microseconds-since-epoch and a clock ID into the 64-bit
// identifier value.
func Compose(micros uint64, clockID uint16) uint64 {
	return micros<<10 | uint64(clockID)&ClockIDMask
}

// Encode renders a 64-bit value most-significant-first.
func Encode(v uint64) string {
	var b [Length]byte
	for i := 0; i < Length; i++ {
		b[i] = Alphabet[(v>>(60-5*i))&0x1F]
	}
	return string(b[:])
}

// Decode parses an identifier back into its 64-bit value.
func Decode(s string) (uint64, error) {
	if len(s) != Length {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidLength, len(s))
	}
	var v uint64
	for i := 0; i < Length; i++ {
		idx := strings.IndexByte(Alphabet, s[i])
		if idx < 0 {
			return 0, fmt.Errorf("%w: %q at position %d", ErrInvalidChar, s[i], i)
		}
		if i == 0 && idx >= 16 {
			return 0, ErrHighBitSet
		}
		v = v<<5 | uint64(idx)
	}
	return v, nil
}

// DecodeMicros extracts the microsecond timestamp from an identifier.
func DecodeMicros(s string) (uint64, error) {
	v, err := Decode(s)
	if err != nil {
		return 0, err
	}
	return v >> 10, nil
}

// Valid reports whether s is a well-formed identifier.
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}
