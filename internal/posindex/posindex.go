// Package posindex implements the in-memory OID-to-offset position
// index and its on-disk sidecar. Grounded on the original prototype's
// index.rs, translated from byteorder/BTreeMap to encoding/binary and
// a plain Go map (the sidecar preserves key order on write by walking
// a sorted copy, matching BTreeMap's deterministic iteration).
package posindex

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/fs2store/fs2/internal/ioutil2"
	"github.com/fs2store/fs2/internal/objid"
)

// Magic is the 4-byte sidecar file signature.
var Magic = [4]byte{'f', 's', '2', 'i'}

// ErrBadMagic indicates the sidecar does not start with the expected
// magic bytes.
var ErrBadMagic = fmt.Errorf("posindex: bad sidecar magic")

// Index maps an OID to the byte offset of its most recent data record
// in the log. It is not safe for concurrent use; callers (the storage
// façade, or a Transaction's private copy) hold their own mutex.
type Index map[objid.OID]uint64

// New returns an empty index.
func New() Index { return make(Index) }

// Clone returns an independent copy, used by FileStorage.Close to
// snapshot the live index so the sidecar can be written without
// holding the façade's index lock.
func (idx Index) Clone() Index {
	out := make(Index, len(idx))
	for k, v := range idx {
		out[k] = v
	}
	return out
}

// SortedOIDs returns the index's keys in ascending order, mirroring
// BTreeMap's deterministic iteration in the original prototype so that
// sidecar output, and anything derived from iteration order (such as
// a transaction's lock-acquisition order), is stable across runs.
func (idx Index) SortedOIDs() []objid.OID {
	out := make([]objid.OID, 0, len(idx))
	for k := range idx {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Save writes the sidecar file at path: magic, entry count, segment
// size, start TID, end TID, then (OID, offset) pairs in OID order.
func Save(idx Index, path string, segmentSize uint64, start, end objid.TID) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	if err := ioutil2.WriteU64(w, uint64(len(idx))); err != nil {
		return err
	}
	if err := ioutil2.WriteU64(w, segmentSize); err != nil {
		return err
	}
	if _, err := w.Write(start[:]); err != nil {
		return err
	}
	if _, err := w.Write(end[:]); err != nil {
		return err
	}
	for _, oid := range idx.SortedOIDs() {
		if _, err := w.Write(oid[:]); err != nil {
			return err
		}
		if err := ioutil2.WriteU64(w, idx[oid]); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Load reads the sidecar at path, returning the index, the segment
// size the index was built up to, and the start/end TID range it
// covers. The caller is responsible for deciding whether those bounds
// still match the live log before trusting the result.
func Load(path string) (idx Index, segmentSize uint64, start, end objid.TID, err error) {
	f, openErr := os.Open(path)
	if openErr != nil {
		return nil, 0, objid.TID{}, objid.TID{}, openErr
	}
	defer f.Close()
	r := bufio.NewReader(f)

	ok, err := ioutil2.CheckMagic(r, Magic[:])
	if err != nil {
		return nil, 0, objid.TID{}, objid.TID{}, err
	}
	if !ok {
		return nil, 0, objid.TID{}, objid.TID{}, ErrBadMagic
	}
	count, err := ioutil2.ReadU64(r)
	if err != nil {
		return nil, 0, objid.TID{}, objid.TID{}, err
	}
	segmentSize, err = ioutil2.ReadU64(r)
	if err != nil {
		return nil, 0, objid.TID{}, objid.TID{}, err
	}
	if start, err = ioutil2.ReadTID(r); err != nil {
		return nil, 0, objid.TID{}, objid.TID{}, err
	}
	if end, err = ioutil2.ReadTID(r); err != nil {
		return nil, 0, objid.TID{}, objid.TID{}, err
	}
	idx = make(Index, count)
	for i := uint64(0); i < count; i++ {
		oid, err := ioutil2.ReadOID(r)
		if err != nil {
			return nil, 0, objid.TID{}, objid.TID{}, err
		}
		off, err := ioutil2.ReadU64(r)
		if err != nil {
			return nil, 0, objid.TID{}, objid.TID{}, err
		}
		idx[oid] = off
	}
	return idx, segmentSize, start, end, nil
}
