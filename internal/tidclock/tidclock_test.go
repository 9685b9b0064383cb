package tidclock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fs2store/fs2/internal/objid"
)

func TestMakeIsMonotonicInTime(t *testing.T) {
	a := Make(2024, 1, 1, 0, 0, 0)
	b := Make(2024, 1, 1, 0, 0, 30)
	c := Make(2024, 1, 1, 0, 1, 0)
	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
}

func TestNext(t *testing.T) {
	tid := objid.TIDFromUint64(100)
	require.Equal(t, objid.TIDFromUint64(101), Next(tid))
}

func TestLaterThanPicksCandidateWhenGreater(t *testing.T) {
	last := objid.TIDFromUint64(10)
	candidate := objid.TIDFromUint64(20)
	require.Equal(t, candidate, LaterThan(candidate, last))
}

func TestLaterThanIncrementsWhenNotGreater(t *testing.T) {
	last := objid.TIDFromUint64(10)
	candidate := objid.TIDFromUint64(5)
	require.Equal(t, objid.TIDFromUint64(11), LaterThan(candidate, last))

	same := objid.TIDFromUint64(10)
	require.Equal(t, objid.TIDFromUint64(11), LaterThan(same, last))
}

func TestAllocatorMonotonic(t *testing.T) {
	a := NewAllocator()
	var prev objid.TID
	for i := 0; i < 100; i++ {
		tid := a.New()
		require.True(t, prev.Less(tid), "allocator must always advance")
		prev = tid
	}
}

func TestAllocatorSeedRaisesFloor(t *testing.T) {
	a := NewAllocator()
	seeded := objid.TIDFromUint64(1 << 40)
	a.Seed(seeded)

	tid := a.New()
	require.True(t, seeded.Less(tid))
}

func TestAllocatorSeedIgnoresLowerValue(t *testing.T) {
	a := NewAllocator()
	a.Seed(objid.TIDFromUint64(1 << 40))
	a.Seed(objid.TIDFromUint64(1)) // lower, must not move the floor back down

	tid := a.New()
	require.True(t, objid.TIDFromUint64(1<<40).Less(tid))
}
