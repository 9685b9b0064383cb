// Package tidclock derives monotonic transaction identifiers from wall
// clock time. Grounded on the original prototype's tid.rs: the high 32
// bits of a TID are minutes since a fixed epoch origin (1900-01-01),
// the low 32 bits are the sub-minute remainder scaled into the full
// uint32 range, giving sub-second resolution while keeping TIDs
// monotonic with wall-clock time under normal operation.
package tidclock

import (
	"time"

	"github.com/fs2store/fs2/internal/objid"
)

// sconv is the scale factor between a fractional second and the low
// 32 bits of a TID: 60 seconds span the full uint32 range.
const sconv = 60.0 / 4294967296.0 // 60.0 / (1<<32)

// Make builds a TID from broken-down UTC time components, mirroring
// the original prototype's make_tid/tm_tid.
func Make(year, month, day, hour, minute int, second float64) objid.TID {
	days := uint64((year-1900)*12+month-1)*31 + uint64(day-1)
	minutes := (days*24 + uint64(hour)) * 60 + uint64(minute)
	seconds := uint64(second / sconv)
	return objid.TIDFromUint64(minutes<<32 + seconds)
}

// Now returns a TID derived from the current UTC wall-clock time.
func Now() objid.TID {
	t := time.Now().UTC()
	sec := float64(t.Second()) + float64(t.Nanosecond())/1e9
	return Make(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), sec)
}

// Next returns tid+1, used to manufacture a strictly greater TID when
// wall-clock time has not advanced since the last one allocated.
func Next(tid objid.TID) objid.TID {
	return objid.TIDFromUint64(tid.Uint64() + 1)
}

// LaterThan returns candidate if it strictly exceeds last, otherwise
// last+1. This is the allocator's monotonicity guarantee: every call
// returns a TID strictly greater than the previous one handed out,
// even across clock skew or multiple allocations within one minute.
func LaterThan(candidate, last objid.TID) objid.TID {
	if candidate.Uint64() > last.Uint64() {
		return candidate
	}
	return Next(last)
}

// NewAllocator returns a TID allocator seeded at zero; New mints a TID
// strictly greater than every TID previously returned, computed from
// the current wall clock.
type Allocator struct {
	last objid.TID
}

// NewAllocator returns an allocator with no prior history.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Seed primes the allocator with the greatest TID already committed
// to the log, so that TIDs minted after a crash-recovery reopen stay
// strictly increasing.
func (a *Allocator) Seed(last objid.TID) {
	if last.Uint64() > a.last.Uint64() {
		a.last = last
	}
}

// New mints the next TID. Not safe for concurrent use; callers
// serialize through the storage façade's mutex.
func (a *Allocator) New() objid.TID {
	a.last = LaterThan(Now(), a.last)
	return a.last
}
