package pointer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		length, chunk, offset uint32
	}{
		{0, 0, 0},
		{1, 0, 0},
		{maxLength, maxChunk, maxOffset},
		{4096, 17, 131071},
		{64, 2047, 8388607},
	}
	for _, c := range cases {
		p := Encode(c.length, c.chunk, c.offset)
		require.Equal(t, c.length, p.Length())
		require.Equal(t, c.chunk, p.Chunk())
		require.Equal(t, c.offset, p.Offset())
		require.False(t, p.IsNull())
	}
}

func TestNullIsAllOnes(t *testing.T) {
	require.Equal(t, Ptr(^uint64(0)), Null)
	require.True(t, Null.IsNull())
}

func TestValid(t *testing.T) {
	require.True(t, Valid(maxLength, maxChunk, maxOffset))
	require.False(t, Valid(maxLength+1, 0, 0))
	require.False(t, Valid(0, maxChunk+1, 0))
	require.False(t, Valid(0, 0, maxOffset+1))
}
