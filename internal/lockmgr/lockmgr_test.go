package lockmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fs2store/fs2/internal/objid"
)

func TestLockGrantsImmediatelyWhenUncontended(t *testing.T) {
	m := New()
	var granted objid.TID
	m.Lock(objid.TIDFromUint64(1), []objid.OID{objid.P64(1), objid.P64(2)}, func(id objid.TID) {
		granted = id
	})
	require.Equal(t, objid.TIDFromUint64(1), granted)
}

func TestLockBlocksUntilRelease(t *testing.T) {
	m := New()
	oid := objid.P64(1)
	first := objid.TIDFromUint64(1)
	second := objid.TIDFromUint64(2)

	var firstGranted, secondGranted bool
	m.Lock(first, []objid.OID{oid}, func(objid.TID) { firstGranted = true })
	m.Lock(second, []objid.OID{oid}, func(objid.TID) { secondGranted = true })

	require.True(t, firstGranted)
	require.False(t, secondGranted, "second transaction should block on held lock")

	m.Release(first)
	require.True(t, secondGranted, "release should drive the waiting transaction to grant")
}

func TestLockFIFOFairness(t *testing.T) {
	m := New()
	oid := objid.P64(1)

	var grantOrder []objid.TID
	holder := objid.TIDFromUint64(1)
	m.Lock(holder, []objid.OID{oid}, func(objid.TID) {})

	for i := uint64(2); i <= 4; i++ {
		id := objid.TIDFromUint64(i)
		m.Lock(id, []objid.OID{oid}, func(granted objid.TID) {
			grantOrder = append(grantOrder, granted)
		})
	}

	require.Empty(t, grantOrder)

	m.Release(holder)
	require.Equal(t, []objid.TID{objid.TIDFromUint64(2)}, grantOrder)

	m.Release(objid.TIDFromUint64(2))
	require.Equal(t, []objid.TID{objid.TIDFromUint64(2), objid.TIDFromUint64(3)}, grantOrder)

	m.Release(objid.TIDFromUint64(3))
	require.Equal(t,
		[]objid.TID{objid.TIDFromUint64(2), objid.TIDFromUint64(3), objid.TIDFromUint64(4)},
		grantOrder)
}

func TestLockMultiOIDPartialGrantThenRelease(t *testing.T) {
	m := New()
	a, b := objid.P64(1), objid.P64(2)
	holder := objid.TIDFromUint64(1)
	waiter := objid.TIDFromUint64(2)

	m.Lock(holder, []objid.OID{a}, func(objid.TID) {})

	granted := false
	m.Lock(waiter, []objid.OID{a, b}, func(objid.TID) { granted = true })
	require.False(t, granted, "waiter wants both a and b; a is held")

	m.Release(holder)
	require.True(t, granted, "waiter already holds b; releasing a should let it acquire a and be granted")
}

func TestReleaseOfUnknownIDIsNoop(t *testing.T) {
	m := New()
	require.NotPanics(t, func() { m.Release(objid.TIDFromUint64(999)) })
}
