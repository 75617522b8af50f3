package pmp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityPlacement(t *testing.T) {
	m := New(NewSimMachine(2), 8)

	top, err := m.Init(0x80000000, 0x200000, PriorityTop, false)
	require.NoError(t, err)
	assert.Equal(t, RegionID(0), top, "top priority takes the lowest register")

	bottom, err := m.Init(0x80000000, 0x10000000, PriorityBottom, false)
	require.NoError(t, err)
	assert.Equal(t, RegionID(7), bottom, "bottom priority takes the highest register")

	mid, err := m.Init(0x80400000, 0x200000, PriorityAny, false)
	require.NoError(t, err)
	assert.Greater(t, int(mid), int(top))
	assert.Less(t, int(mid), int(bottom))

	// A second top region cannot be strictly highest anymore.
	_, err = m.Init(0x90000000, 0x1000, PriorityTop, false)
	assert.ErrorIs(t, err, ErrFailure)
}

func TestEqualPriorityOverlapRejected(t *testing.T) {
	m := New(NewSimMachine(1), 8)
	_, err := m.Init(0x80400000, 0x200000, PriorityAny, false)
	require.NoError(t, err)

	_, err = m.Init(0x80500000, 0x200000, PriorityAny, false)
	assert.ErrorIs(t, err, ErrFailure, "overlap at equal priority")

	// Overlap at a different priority is the normal layering case.
	_, err = m.Init(0x80000000, 0x10000000, PriorityBottom, false)
	assert.NoError(t, err)
}

func TestRegisterExhaustion(t *testing.T) {
	m := New(NewSimMachine(1), 4)
	_, err := m.Init(0x1000, 0x1000, PriorityAny, false)
	require.NoError(t, err)
	_, err = m.Init(0x3000, 0x1000, PriorityAny, false)
	require.NoError(t, err)
	_, err = m.Init(0x5000, 0x1000, PriorityAny, false)
	require.NoError(t, err)
	// Slot 0 is reserved for a top region; the class is exhausted.
	_, err = m.Init(0x7000, 0x1000, PriorityAny, false)
	assert.ErrorIs(t, err, ErrFailure)
}

func TestGlobalAndLocalPermissions(t *testing.T) {
	sim := NewSimMachine(3)
	m := New(sim, 8)
	rid, err := m.Init(0x80400000, 0x200000, PriorityAny, false)
	require.NoError(t, err)

	require.NoError(t, m.SetGlobal(rid, NoPerm))
	for h := 0; h < 3; h++ {
		assert.False(t, sim.Access(h, 0x80400000, PermR))
	}

	require.NoError(t, m.SetLocal(1, rid, AllPerm))
	assert.False(t, sim.Access(0, 0x80400000, PermR))
	assert.True(t, sim.Access(1, 0x80400000, PermR|PermW|PermX))
	assert.False(t, sim.Access(2, 0x80400000, PermR))

	// A later global write re-establishes the global view everywhere.
	require.NoError(t, m.SetGlobal(rid, NoPerm))
	assert.False(t, sim.Access(1, 0x80400000, PermR))
}

func TestLowestIndexWins(t *testing.T) {
	sim := NewSimMachine(1)
	m := New(sim, 8)

	top, err := m.Init(0x80000000, 0x200000, PriorityTop, false)
	require.NoError(t, err)
	bottom, err := m.Init(0x80000000, 0x10000000, PriorityBottom, false)
	require.NoError(t, err)

	require.NoError(t, m.SetGlobal(top, NoPerm))
	require.NoError(t, m.SetGlobal(bottom, AllPerm))

	// The monitor extent stays closed even though the catch-all
	// grants everything.
	assert.False(t, sim.Access(0, 0x80100000, PermR))
	assert.True(t, sim.Access(0, 0x80300000, PermR))
}

func TestFreeClearsEveryHart(t *testing.T) {
	sim := NewSimMachine(2)
	m := New(sim, 8)
	rid, err := m.Init(0x80400000, 0x200000, PriorityAny, false)
	require.NoError(t, err)
	require.NoError(t, m.SetGlobal(rid, AllPerm))
	require.NoError(t, m.Free(rid))

	for h := 0; h < 2; h++ {
		_, ok := sim.Entry(h, int(rid))
		assert.False(t, ok)
	}
	assert.False(t, m.InUse(rid))
	assert.ErrorIs(t, m.Free(rid), ErrBadRegion)

	// The register is reusable after free.
	rid2, err := m.Init(0x80600000, 0x1000, PriorityAny, false)
	require.NoError(t, err)
	assert.Equal(t, rid, rid2)
}

func TestAddrSizeAccessors(t *testing.T) {
	m := New(NewSimMachine(1), 8)
	rid, err := m.Init(0x80400000, 0x200000, PriorityAny, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x80400000), m.Addr(rid))
	assert.Equal(t, uint64(0x200000), m.Size(rid))

	_, err = m.Init(0x80400000, 0, PriorityAny, false)
	assert.ErrorIs(t, err, ErrFailure, "zero-size region")
}
