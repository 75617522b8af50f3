package phys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	base = 0x80000000
	size = 0x100000
)

func TestExtentArithmetic(t *testing.T) {
	e := Extent{Base: base, Size: size}
	assert.Equal(t, uint64(base+size), e.End())

	assert.True(t, e.Contains(base, size))
	assert.True(t, e.Contains(base+0x1000, 0x1000))
	assert.False(t, e.Contains(base-1, 2))
	assert.False(t, e.Contains(base+size-1, 2))
	assert.False(t, e.Contains(^uint64(0)-10, 100), "overflowing range is never contained")

	assert.True(t, e.Overlaps(base+size-1, 2))
	assert.False(t, e.Overlaps(base+size, 1))
	assert.False(t, e.Overlaps(base-1, 1))
	assert.False(t, e.Overlaps(base, 0), "empty range overlaps nothing")
}

func TestDRAMReadWriteZero(t *testing.T) {
	d := NewDRAM(base, size)

	require.NoError(t, d.Write(base+0x10, []byte{1, 2, 3}))
	buf := make([]byte, 3)
	require.NoError(t, d.Read(base+0x10, buf))
	assert.Equal(t, []byte{1, 2, 3}, buf)

	require.NoError(t, d.Zero(base+0x10, 2))
	require.NoError(t, d.Read(base+0x10, buf))
	assert.Equal(t, []byte{0, 0, 3}, buf)

	assert.ErrorIs(t, d.Write(base-8, buf), ErrOutOfBounds)
	assert.ErrorIs(t, d.Read(base+size-1, buf), ErrOutOfBounds)
	assert.ErrorIs(t, d.Zero(^uint64(0)-4, 100), ErrRangeOverflow)
}

func TestCopyToSMRejectsMonitorMemory(t *testing.T) {
	d := NewDRAM(base, size)
	sm := Extent{Base: base, Size: 0x2000}
	dst := make([]byte, 16)

	assert.ErrorIs(t, CopyToSM(d, sm, dst, base+0x1000, 16), ErrRegionOverlaps)
	// A range straddling the monitor boundary is also refused.
	assert.ErrorIs(t, CopyToSM(d, sm, dst, base+0x1ff8, 16), ErrRegionOverlaps)
	assert.NoError(t, CopyToSM(d, sm, dst, base+0x2000, 16))
	assert.ErrorIs(t, CopyToSM(d, sm, dst, base+size, 16), ErrOutOfBounds)
	assert.ErrorIs(t, CopyToSM(d, sm, dst[:4], base+0x3000, 16), ErrOutOfBounds)
}

func TestCopyFromSMRejectsMonitorMemory(t *testing.T) {
	d := NewDRAM(base, size)
	sm := Extent{Base: base, Size: 0x2000}
	src := []byte("secret-adjacent")

	assert.ErrorIs(t, CopyFromSM(d, sm, base+0x1000, src), ErrRegionOverlaps)
	assert.NoError(t, CopyFromSM(d, sm, base+0x3000, src))

	got := make([]byte, len(src))
	require.NoError(t, d.Read(base+0x3000, got))
	assert.Equal(t, src, got)
}

func TestWordHelpers(t *testing.T) {
	d := NewDRAM(base, size)
	sm := Extent{Base: base, Size: 0x1000}

	require.NoError(t, WriteWord(d, sm, base+0x2000, 0x1122334455667788))
	w, err := ReadWord(d, sm, base+0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), w)

	// Little-endian in memory.
	buf := make([]byte, 8)
	require.NoError(t, d.Read(base+0x2000, buf))
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, buf)
}

func TestTracedJournal(t *testing.T) {
	j := &Journal{}
	d := &Traced{Memory: NewDRAM(base, size), Journal: j}

	require.NoError(t, d.Write(base+0x100, []byte{1}))
	require.NoError(t, d.Zero(base+0x100, 1))
	// Failed operations are not recorded.
	assert.Error(t, d.Zero(base-1, 1))

	events := j.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "write", events[0].Op)
	assert.Equal(t, "zero", events[1].Op)
	assert.Equal(t, uint64(base+0x100), events[1].Addr)
}
