// Package lockmgr implements per-OID exclusive locking with FIFO
// waiter fairness, grouped by transaction. Grounded on the original
// prototype's lock.rs; the waiter-stack and recursive-release
// structure is kept, translated from HashMap/HashSet/VecDeque to Go
// maps and slices.
package lockmgr

import "github.com/fs2store/fs2/internal/objid"

// locking tracks one transaction's progress acquiring its wanted OIDs.
type locking struct {
	id      objid.TID
	want    []objid.OID // stack: next to acquire is the last element
	got     []objid.OID // acquired so far, in acquisition order
	onGrant func(objid.TID)
}

// Manager is a single-threaded lock table. Callers serialize access
// to it themselves (the storage façade holds it behind its own
// mutex), matching the original prototype's design.
type Manager struct {
	locks   map[objid.OID]struct{}
	waiting map[objid.OID][]objid.TID
	locking map[objid.TID]*locking
}

// New returns an empty lock manager.
func New() *Manager {
	return &Manager{
		locks:   make(map[objid.OID]struct{}),
		waiting: make(map[objid.OID][]objid.TID),
		locking: make(map[objid.TID]*locking),
	}
}

// Lock requests exclusive ownership of every OID in want on behalf of
// id. want is treated as a stack: while it is non-empty and its last
// element is not currently locked, that OID is acquired immediately.
// On first contention, id is appended to the contended OID's waiter
// queue and Lock returns without granting anything yet. Once want is
// fully drained, onGrant is invoked synchronously, exactly once,
// either before Lock returns or later from within Release.
func (m *Manager) Lock(id objid.TID, want []objid.OID, onGrant func(objid.TID)) {
	m.drive(&locking{id: id, want: append([]objid.OID(nil), want...), onGrant: onGrant})
}

// drive attempts to acquire l's remaining want list. It always stores
// l under its id in m.locking, whether or not it fully acquired this
// round, so that Release can later find it to release got (mirroring
// the original lock_waiting, which re-inserts the Locking even after
// firing its callback).
func (m *Manager) drive(l *locking) {
	for len(l.want) > 0 {
		oid := l.want[len(l.want)-1]
		if _, held := m.locks[oid]; held {
			m.waiting[oid] = append(m.waiting[oid], l.id)
			break
		}
		l.want = l.want[:len(l.want)-1]
		l.got = append(l.got, oid)
		m.locks[oid] = struct{}{}
	}
	m.locking[l.id] = l
	if len(l.want) == 0 {
		l.onGrant(l.id)
	}
}

// Release relinquishes every OID previously granted to id, in reverse
// acquisition order. For each OID, if another transaction is waiting
// on it, the head waiter is popped off that OID's queue and, if its
// Locking entry is still present, re-driven — which will re-acquire
// the now-free OID via the normal loop and continue down its want
// stack, possibly granting it or parking it on a different OID.
func (m *Manager) Release(id objid.TID) {
	l, ok := m.locking[id]
	if !ok {
		return
	}
	delete(m.locking, id)
	for len(l.got) > 0 {
		oid := l.got[len(l.got)-1]
		l.got = l.got[:len(l.got)-1]
		delete(m.locks, oid)
		queue := m.waiting[oid]
		if len(queue) == 0 {
			continue
		}
		next := queue[0]
		m.waiting[oid] = queue[1:]
		if len(m.waiting[oid]) == 0 {
			delete(m.waiting, oid)
		}
		if waiter, ok := m.locking[next]; ok {
			delete(m.locking, next)
			m.drive(waiter)
		}
	}
}
