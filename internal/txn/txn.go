// Package txn implements the per-commit transaction: a scratch file
// that accumulates object revisions during the save phase, then packs
// and stages them into the main log once voting succeeds. Grounded on
// the original prototype's transaction.rs; the Rust enum-of-structs
// state machine (Saving/Transitioning/Voting/Voted), built around
// std::mem::swap to move owned data between states, is translated
// into a Go struct with an explicit state tag and a single data
// pointer that is non-nil exactly in Saving and Voting.
package txn

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/fs2store/fs2/internal/filepool"
	"github.com/fs2store/fs2/internal/ioutil2"
	"github.com/fs2store/fs2/internal/objid"
	"github.com/fs2store/fs2/internal/posindex"
	"github.com/fs2store/fs2/internal/record"
)

// ErrInvalidState is returned when an operation is attempted from a
// state that does not support it (e.g. Save after Locked).
var ErrInvalidState = fmt.Errorf("txn: invalid transaction state")

// ErrUnknownOID is returned by operations that look up an OID the
// transaction never saved.
var ErrUnknownOID = fmt.Errorf("txn: oid not present in transaction")

type state int

const (
	stateSaving state = iota
	stateTransitioning
	stateVoting
	stateVoted
)

// scratch holds the fields that only exist while the transaction is
// actively writing (Saving) or being voted on (Voting); it becomes
// nil once Stage has moved the data into the main log.
type scratch struct {
	handle          *filepool.Handle
	file            *os.File
	writer          *bufio.Writer
	length          uint64
	headerLength    uint64
	needsToBePacked bool
}

// Serial pairs an OID with the serial (prior TID) the client supplied
// when it saved that object, used by the façade's conflict check.
type Serial struct {
	OID objid.OID
	TID objid.TID
}

// Transaction is the per-commit scratch state. Not safe for
// concurrent use, and the storage façade takes no lock around it:
// each Transaction must be confined to one goroutine (internal/server
// keeps it on its connection's writer goroutine).
type Transaction struct {
	ID    objid.TID
	state state
	data  *scratch
	index posindex.Index
}

var paddingHeader = make([]byte, 16) // zeroed tlen+tid placeholder

// Begin claims handle (a temp file from the transaction pool), resets
// it to empty, and writes the padding-marker commit header plus the
// user/description/extension metadata. The returned Transaction owns
// handle until Stage or an abort path returns it to the pool.
func Begin(handle *filepool.Handle, id objid.TID, user, desc, ext []byte) (*Transaction, error) {
	f := handle.File
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(record.PaddingMarker[:]); err != nil {
		return nil, err
	}
	if _, err := w.Write(paddingHeader); err != nil { // tlen, tid placeholders
		return nil, err
	}
	if err := ioutil2.WriteU32(w, 0); err != nil { // ndata placeholder
		return nil, err
	}
	if err := ioutil2.WriteU16(w, uint16(len(user))); err != nil {
		return nil, err
	}
	if err := ioutil2.WriteU16(w, uint16(len(desc))); err != nil {
		return nil, err
	}
	if err := ioutil2.WriteU32(w, uint32(len(ext))); err != nil {
		return nil, err
	}
	for _, b := range [][]byte{user, desc, ext} {
		if len(b) > 0 {
			if _, err := w.Write(b); err != nil {
				return nil, err
			}
		}
	}
	length := uint64(4+record.CommitHeaderLength) + uint64(len(user)) + uint64(len(desc)) + uint64(len(ext))
	return &Transaction{
		ID:    id,
		index: posindex.New(),
		state: stateSaving,
		data: &scratch{
			handle:       handle,
			file:         f,
			writer:       w,
			length:       length,
			headerLength: length,
		},
	}, nil
}

// Save appends a data record for oid carrying the client-supplied
// serial (the TID the client believed was current when it read oid)
// and payload. Saving the same OID twice within one transaction marks
// the transaction as needing a pack pass before staging, since only
// the last write should survive.
func (t *Transaction) Save(oid objid.OID, serial objid.TID, payload []byte) error {
	if t.state != stateSaving {
		return ErrInvalidState
	}
	d := t.data
	if err := ioutil2.WriteU32(d.writer, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := d.writer.Write(oid[:]); err != nil {
		return err
	}
	if _, err := d.writer.Write(serial[:]); err != nil {
		return err
	}
	if err := ioutil2.WriteU64(d.writer, 0); err != nil { // previous
		return err
	}
	if err := ioutil2.WriteU64(d.writer, d.length); err != nil { // offset
		return err
	}
	if len(payload) > 0 {
		if _, err := d.writer.Write(payload); err != nil {
			return err
		}
	}
	if _, existed := t.index[oid]; existed {
		d.needsToBePacked = true
	}
	t.index[oid] = d.length
	d.length += record.DataHeaderSize + uint64(len(payload))
	return nil
}

// LockData returns this transaction's id and the OIDs it touched, in
// the order the lock manager should acquire them: want is consumed as
// a stack, so this list is the reverse of the index's ascending OID
// order.
func (t *Transaction) LockData() (objid.TID, []objid.OID, error) {
	if t.state != stateSaving {
		return objid.TID{}, nil, ErrInvalidState
	}
	oids := t.index.SortedOIDs()
	for i, j := 0, len(oids)-1; i < j; i, j = i+1, j-1 {
		oids[i], oids[j] = oids[j], oids[i]
	}
	return t.ID, oids, nil
}

// Locked transitions Saving -> Voting once the lock manager has
// granted every OID this transaction touched. It flushes the buffered
// writer so that subsequent random-access reads (conflict checks,
// Pack, Stage) see everything written so far.
func (t *Transaction) Locked() error {
	if t.state != stateSaving {
		return ErrInvalidState
	}
	t.state = stateTransitioning
	if err := t.data.writer.Flush(); err != nil {
		t.state = stateSaving
		return err
	}
	t.state = stateVoting
	return nil
}

// Unlocked transitions Voting -> Saving, used when a vote finds
// conflicts and the transaction's locks are released without
// committing. It seeks the scratch file back to the logical write
// position so a future Save resumes appending in the right place.
func (t *Transaction) Unlocked() error {
	if t.state != stateVoting {
		return ErrInvalidState
	}
	t.state = stateTransitioning
	if _, err := t.data.file.Seek(int64(t.data.length), io.SeekStart); err != nil {
		t.state = stateVoting
		return err
	}
	t.state = stateSaving
	return nil
}

// Serials returns, for every OID saved in this transaction, the
// client-supplied serial recorded in its most recent (surviving) data
// record — duplicate earlier saves for the same OID are skipped, so
// the façade only checks conflicts against the data that will
// actually be committed.
func (t *Transaction) Serials() ([]Serial, error) {
	if t.state != stateVoting {
		return nil, ErrInvalidState
	}
	d := t.data
	if _, err := d.file.Seek(int64(d.headerLength), io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(d.file)
	pos := d.headerLength
	out := make([]Serial, 0, len(t.index))
	for pos < d.length {
		dlen, err := ioutil2.ReadU32(r)
		if err != nil {
			return nil, err
		}
		oid, err := ioutil2.ReadOID(r)
		if err != nil {
			return nil, err
		}
		recordedPos, ok := t.index[oid]
		if !ok {
			return nil, ErrUnknownOID
		}
		if recordedPos != pos {
			// An earlier, superseded save for this OID: skip its
			// serial, previous, offset fields and payload entirely.
			if _, err := r.Discard(24 + int(dlen)); err != nil {
				return nil, err
			}
			pos += record.DataHeaderSize + uint64(dlen)
			continue
		}
		serial, err := ioutil2.ReadTID(r)
		if err != nil {
			return nil, err
		}
		if _, err := r.Discard(16 + int(dlen)); err != nil {
			return nil, err
		}
		pos += record.DataHeaderSize + uint64(dlen)
		out = append(out, Serial{OID: oid, TID: serial})
	}
	return out, nil
}

// GetData returns the payload saved for oid, used to build a conflict
// descriptor when a vote detects the committed TID has moved past the
// client's serial.
func (t *Transaction) GetData(oid objid.OID) ([]byte, error) {
	if t.state != stateVoting {
		return nil, ErrInvalidState
	}
	pos, ok := t.index[oid]
	if !ok {
		return nil, ErrUnknownOID
	}
	d := t.data
	if _, err := d.file.Seek(int64(pos), io.SeekStart); err != nil {
		return nil, err
	}
	dlen, err := ioutil2.ReadU32(d.file)
	if err != nil {
		return nil, err
	}
	if dlen == 0 {
		return []byte{}, nil
	}
	if _, err := d.file.Seek(int64(pos)+record.DataHeaderSize, io.SeekStart); err != nil {
		return nil, err
	}
	return ioutil2.ReadSized(d.file, int(dlen))
}

// SetPrevious records, for oid's data record, the log offset of the
// revision it is chained behind (the position the index held for oid
// just before this transaction's commit takes effect).
func (t *Transaction) SetPrevious(oid objid.OID, previous uint64) error {
	if t.state != stateVoting {
		return ErrInvalidState
	}
	pos, ok := t.index[oid]
	if !ok {
		return ErrUnknownOID
	}
	d := t.data
	if _, err := d.file.Seek(int64(pos)+record.DataPreviousOffset, io.SeekStart); err != nil {
		return err
	}
	return ioutil2.WriteU64(d.file, previous)
}

// Pack squashes out data records that were superseded by a later save
// of the same OID within this transaction, then stamps the commit
// header's length field. Safe to call even when nothing needs
// packing: in that case only the length fields are written.
func (t *Transaction) Pack() error {
	if t.state != stateVoting {
		return ErrInvalidState
	}
	d := t.data
	if d.needsToBePacked {
		rpos := d.headerLength
		wpos := d.headerLength
		buf := make([]byte, 12) // dlen(4) + oid(8)
		for rpos < d.length {
			if _, err := d.file.Seek(int64(rpos), io.SeekStart); err != nil {
				return err
			}
			if err := ioutil2.ReadFull(d.file, buf); err != nil {
				return err
			}
			dlen := beUint32(buf[0:4])
			var oid objid.OID
			copy(oid[:], buf[4:12])
			oidPos, ok := t.index[oid]
			if !ok {
				return ErrUnknownOID
			}
			if oidPos == rpos {
				if rpos != wpos {
					rest, err := ioutil2.ReadSized(d.file, int(dlen)+record.DataHeaderSize-12)
					if err != nil {
						return err
					}
					putBeUint64(rest[16:24], wpos) // offset field
					if _, err := d.file.Seek(int64(wpos), io.SeekStart); err != nil {
						return err
					}
					if _, err := d.file.Write(buf); err != nil {
						return err
					}
					if _, err := d.file.Write(rest); err != nil {
						return err
					}
					t.index[oid] = wpos
				}
				wpos += uint64(dlen) + record.DataHeaderSize
			}
			rpos += uint64(dlen) + record.DataHeaderSize
		}
		if err := d.file.Truncate(int64(wpos)); err != nil {
			return err
		}
		d.length = wpos
	}

	fullLength := d.length + 8
	if _, err := d.file.Seek(int64(d.length), io.SeekStart); err != nil {
		return err
	}
	if err := ioutil2.WriteU64(d.file, fullLength); err != nil {
		return err
	}
	if _, err := d.file.Seek(4, io.SeekStart); err != nil {
		return err
	}
	return ioutil2.WriteU64(d.file, fullLength)
}

// Stage finalizes the commit: it rewrites every data record's TID
// field with the caller-assigned commit tid, copies the whole scratch
// file (header through trailing length) into out at its current
// position, truncates the scratch file back to empty, returns its
// handle to the pool, and returns this transaction's local index (offsets relative to the
// start of the copied bytes) together with the copied length.
// Transitions Voting -> Voted; no further operations are valid after.
func (t *Transaction) Stage(tid objid.TID, out io.Writer) (posindex.Index, uint64, error) {
	if t.state != stateVoting {
		return nil, 0, ErrInvalidState
	}
	d := t.data
	if err := t.saveTID(tid, uint32(len(t.index))); err != nil {
		return nil, 0, err
	}
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return nil, 0, err
	}
	d.length += 8 // account for the trailing length Pack already wrote
	n, err := io.Copy(out, d.file)
	if err != nil {
		return nil, 0, err
	}
	if uint64(n) != d.length {
		return nil, 0, fmt.Errorf("txn: staged %d bytes, want %d", n, d.length)
	}
	if err := d.file.Truncate(0); err != nil {
		return nil, 0, err
	}
	length := d.length
	t.state = stateVoted
	t.data = nil
	index := t.index
	t.index = posindex.New()
	if err := d.handle.Close(); err != nil {
		return nil, 0, err
	}
	return index, length, nil
}

// saveTID rewrites the commit header's TID and count fields, then
// walks every data record between headerLength and length rewriting
// each one's TID field to the same committed tid.
func (t *Transaction) saveTID(tid objid.TID, count uint32) error {
	d := t.data
	if _, err := d.file.Seek(12, io.SeekStart); err != nil {
		return err
	}
	if _, err := d.file.Write(tid[:]); err != nil {
		return err
	}
	if err := ioutil2.WriteU32(d.file, count); err != nil {
		return err
	}
	wpos := d.headerLength
	for wpos < d.length {
		if _, err := d.file.Seek(int64(wpos), io.SeekStart); err != nil {
			return err
		}
		dlen, err := ioutil2.ReadU32(d.file)
		if err != nil {
			return err
		}
		if _, err := d.file.Seek(int64(wpos)+record.DataTIDOffset, io.SeekStart); err != nil {
			return err
		}
		if _, err := d.file.Write(tid[:]); err != nil {
			return err
		}
		wpos += record.DataHeaderSize + uint64(dlen)
	}
	return nil
}

// Release returns the transaction's scratch handle to its pool, for
// abort paths from Saving/Voting. After Stage, which has already
// returned the handle, it is a no-op.
func (t *Transaction) Release() error {
	if t.data == nil {
		return nil
	}
	h := t.data.handle
	t.data = nil
	return h.Close()
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
