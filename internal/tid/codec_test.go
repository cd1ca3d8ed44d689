// SPDX-License-Identifier: MIT

package tid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	micros := uint64(time.Date(2021, 6, 15, 20, 0, 0, 0, time.UTC).UnixMicro())
	v := Compose(micros, 42)

	s := Encode(v)
	require.Len(t, s, Length)
	assert.True(t, Valid(s))

	back, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, v, back)

	gotMicros, err := DecodeMicros(s)
	require.NoError(t, err)
	assert.Equal(t, micros, gotMicros)
}

func TestEncodeOrderMatchesValueOrder(t *testing.T) {
	base := uint64(1_700_000_000_000_000)
	prev := Encode(Compose(base, 0))
	for i := uint64(1); i < 2000; i++ {
		cur := Encode(Compose(base+i*7, uint16(i)&ClockIDMask))
		assert.Less(t, prev, cur, "lexicographic order must match numeric order")
		prev = cur
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		in   string
		err  error
	}{
		{"short", "abc", ErrInvalidLength},
		{"long", "aaaaaaaaaaaaaa", ErrInvalidLength},
		{"bad char", "3jzfcijpj2z21", ErrInvalidChar},
		{"uppercase", "3JZFCIJPJ2Z2A", ErrInvalidChar},
		{"high bit", "zzzzzzzzzzzzz", ErrHighBitSet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.in)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestClockIDMasked(t *testing.T) {
	v := Compose(123, 0xFFFF)
	assert.Equal(t, uint64(123)<<10|0x3FF, v)
}
