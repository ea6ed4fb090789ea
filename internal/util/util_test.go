package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMin(t *testing.T) {
	require.Equal(t, 3, Min(3, 7))
	require.Equal(t, 3, Min(7, 3))
}

func TestRoundupRounddown(t *testing.T) {
	require.Equal(t, 4096, Roundup(1, 4096))
	require.Equal(t, 4096, Roundup(4096, 4096))
	require.Equal(t, 8192, Roundup(4097, 4096))
	require.Equal(t, 0, Rounddown(4095, 4096))
	require.Equal(t, 4096, Rounddown(4096, 4096))
}

func TestLittleEndianRoundTrip(t *testing.T) {
	b := make([]byte, 16)
	PutLE16(b, 0, 0xABCD)
	PutLE32(b, 2, 0xDEADBEEF)
	PutLE64(b, 6, 0x0102030405060708)

	require.Equal(t, uint16(0xABCD), GetLE16(b, 0))
	require.Equal(t, uint32(0xDEADBEEF), GetLE32(b, 2))
	require.Equal(t, uint64(0x0102030405060708), GetLE64(b, 6))
}

func TestReadnWritenOutOfBoundsPanics(t *testing.T) {
	b := make([]byte, 4)
	require.Panics(t, func() { Readn(b, 4, 2) })
	require.Panics(t, func() { Writen(b, 4, 2, 0) })
}
