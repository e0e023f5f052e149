package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetMaskUnmaskPopCount(t *testing.T) {
	total := 64
	reserved := 8
	raw := make([]byte, 8)
	c := &Chunk{bits: raw, totalBits: total, reservedOff: reserved, last: reserved, page: nil}

	// reserved region must never be handed out.
	start, ok := c.Get(reserved)
	require.True(t, ok)
	require.GreaterOrEqual(t, start, reserved)

	c.Mask(start, reserved)
	require.Equal(t, reserved, c.PopCount())

	c.Unmask(start, reserved)
	require.Equal(t, 0, c.PopCount())
}

func TestGetNoWrapAroundRun(t *testing.T) {
	total := 16
	reserved := 0
	raw := make([]byte, 2)
	c := &Chunk{bits: raw, totalBits: total, reservedOff: reserved, last: 12, page: nil}

	// Free bits are at the tail [12,16) and the head [0,12) once those
	// are allocated; force the cursor near the end so a naive
	// implementation might try to stitch tail+head into one run.
	for i := 0; i < 10; i++ {
		setBit(c.bits, i)
	}
	// free: [10,16) at tail (6 bits) and none before 10.
	start, ok := c.Get(6)
	require.True(t, ok)
	require.Equal(t, 10, start)

	// Now nothing is free; a request that would require wrapping must fail.
	_, ok = c.Get(1)
	require.False(t, ok)
}

func TestGetRejectsOversizedRequest(t *testing.T) {
	c := &Chunk{bits: make([]byte, 1), totalBits: 8, reservedOff: 0, last: 0}
	_, ok := c.Get(9)
	require.False(t, ok)
}

func TestCursorAdvancesPastAllocation(t *testing.T) {
	c := &Chunk{bits: make([]byte, 2), totalBits: 16, reservedOff: 0, last: 0}
	start1, ok := c.Get(4)
	require.True(t, ok)
	require.Equal(t, 0, start1)
	c.Mask(start1, 4)

	start2, ok := c.Get(4)
	require.True(t, ok)
	require.Equal(t, 4, start2)
}
