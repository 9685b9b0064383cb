// Package record implements the byte-exact on-disk layouts of the log:
// the file header, commit (transaction) records, and data records.
// These are pure byte-in/byte-out codecs; they know nothing about
// locking, indexing, or transactions. Grounded on the original
// prototype's filestorage/records.rs, translated from little-endian
// (a hardware-ABI artifact of that prototype) to the spec's mandated
// big-endian layout.
package record

import (
	"fmt"
	"io"

	"github.com/fs2store/fs2/internal/ioutil2"
	"github.com/fs2store/fs2/internal/objid"
)

// HeaderMarker is the magic stamped at the start of every log file.
var HeaderMarker = [4]byte{'f', 's', '2', ' '}

// HeaderSize is the fixed size of the file header in bytes.
const HeaderSize = 4096

// DefaultAlignment is the alignment hint written into new file headers.
const DefaultAlignment = uint64(1) << 32

// ErrBadMagic indicates the file does not start with the expected magic.
var ErrBadMagic = fmt.Errorf("record: bad file magic")

// ErrCorrupt indicates a structural invariant of the log was violated.
type ErrCorrupt struct{ Reason string }

func (e *ErrCorrupt) Error() string { return "record: corrupt log: " + e.Reason }

// FileHeader is the first 4096 bytes of a log file.
type FileHeader struct {
	Alignment uint64
	Previous  string
}

// NewFileHeader returns the header written into a freshly created log.
func NewFileHeader() FileHeader {
	return FileHeader{Alignment: DefaultAlignment}
}

// ReadFileHeader parses the header from the start of r, which must
// support seeking (the header reserves a fixed 4096-byte slot and
// validates the redundant trailing length at its end).
func ReadFileHeader(r io.ReadSeeker) (FileHeader, error) {
	ok, err := ioutil2.CheckMagic(r, HeaderMarker[:])
	if err != nil {
		return FileHeader{}, err
	}
	if !ok {
		return FileHeader{}, ErrBadMagic
	}
	selfLen, err := ioutil2.ReadU64(r)
	if err != nil {
		return FileHeader{}, err
	}
	if selfLen != HeaderSize {
		return FileHeader{}, &ErrCorrupt{Reason: "bad header length"}
	}
	alignment, err := ioutil2.ReadU64(r)
	if err != nil {
		return FileHeader{}, err
	}
	nameLen, err := ioutil2.ReadU16(r)
	if err != nil {
		return FileHeader{}, err
	}
	nameBytes, err := ioutil2.ReadSized(r, int(nameLen))
	if err != nil {
		return FileHeader{}, err
	}
	if _, err := r.Seek(4088, io.SeekStart); err != nil {
		return FileHeader{}, err
	}
	trailer, err := ioutil2.ReadU64(r)
	if err != nil {
		return FileHeader{}, err
	}
	if trailer != HeaderSize {
		return FileHeader{}, &ErrCorrupt{Reason: "bad header trailer length"}
	}
	return FileHeader{Alignment: alignment, Previous: string(nameBytes)}, nil
}

// Write serializes the header at the current position of w, which must
// be positioned at offset 0 and support seeking.
func (h FileHeader) Write(w io.WriteSeeker) error {
	if _, err := w.Write(HeaderMarker[:]); err != nil {
		return err
	}
	if err := ioutil2.WriteU64(w, HeaderSize); err != nil {
		return err
	}
	if err := ioutil2.WriteU64(w, h.Alignment); err != nil {
		return err
	}
	if err := ioutil2.WriteU16(w, uint16(len(h.Previous))); err != nil {
		return err
	}
	if len(h.Previous) > 0 {
		if _, err := w.Write([]byte(h.Previous)); err != nil {
			return err
		}
	}
	pos, err := w.Seek(4088, io.SeekStart)
	if err != nil {
		return err
	}
	if pos != 4088 {
		return &ErrCorrupt{Reason: "seek to trailer failed"}
	}
	return ioutil2.WriteU64(w, HeaderSize)
}

// CommitMarker is the 4-byte prefix of a commit record that has been
// fully written and is visible to readers.
var CommitMarker = [4]byte{'T', 'T', 'T', 'T'}

// PaddingMarker is the 4-byte prefix of a commit record that has been
// appended but not yet voted durable; readers must skip it.
var PaddingMarker = [4]byte{'P', 'P', 'P', 'P'}

// CommitHeaderLength is the size, in bytes, of everything between the
// 4-byte marker and the variable-length user/desc/ext bodies.
const CommitHeaderLength = 8 + 8 + 4 + 2 + 2 + 4 // length+tid+ndata+luser+ldesc+lext

// DataHeaderSize is the fixed size of a data record's header.
const DataHeaderSize = 36

// Field offsets within a data record, relative to its start (the "u32
// data length" field), used by callers that need random access into an
// already-positioned record without re-parsing the whole header.
const (
	DataTIDOffset      = 12
	DataPreviousOffset = 20
	DataOffsetOffset   = 28
)

// CommitHeader describes a commit (transaction) record, not including
// its data records.
type CommitHeader struct {
	Length uint64 // total record length, marker through trailing length
	TID    objid.TID
	NData  uint32
	LUser  uint16
	LDesc  uint16
	LExt   uint32
}

// ReadCommitHeader reads a CommitHeader assuming the 4-byte marker has
// already been consumed by the caller.
func ReadCommitHeader(r io.Reader) (CommitHeader, error) {
	var h CommitHeader
	var err error
	if h.Length, err = ioutil2.ReadU64(r); err != nil {
		return h, err
	}
	if h.TID, err = ioutil2.ReadTID(r); err != nil {
		return h, err
	}
	if h.NData, err = ioutil2.ReadU32(r); err != nil {
		return h, err
	}
	if h.LUser, err = ioutil2.ReadU16(r); err != nil {
		return h, err
	}
	if h.LDesc, err = ioutil2.ReadU16(r); err != nil {
		return h, err
	}
	if h.LExt, err = ioutil2.ReadU32(r); err != nil {
		return h, err
	}
	return h, nil
}

// UpdateIndex walks the ndata data records following this commit
// header's user/desc/ext bodies (r must be positioned right after the
// header) inserting each (OID, absolute offset) into insert, and
// returns the maximum OID seen (for deriving the next OID allocation
// point during recovery). It must reseek between records because data
// bodies are variable length.
func (h CommitHeader) UpdateIndex(r io.ReadSeeker, insert func(objid.OID, uint64), maxOID objid.OID) (objid.OID, error) {
	pos, err := r.Seek(int64(h.LUser)+int64(h.LDesc)+int64(h.LExt), io.SeekCurrent)
	if err != nil {
		return maxOID, err
	}
	for i := uint32(0); i < h.NData; i++ {
		dlen, err := ioutil2.ReadU32(r)
		if err != nil {
			return maxOID, err
		}
		oid, err := ioutil2.ReadOID(r)
		if err != nil {
			return maxOID, err
		}
		insert(oid, uint64(pos))
		if maxOID.Less(oid) {
			maxOID = oid
		}
		pos += DataHeaderSize + int64(dlen)
		if i+1 < h.NData {
			if _, err := r.Seek(int64(pos), io.SeekStart); err != nil {
				return maxOID, err
			}
		}
	}
	return maxOID, nil
}

// DataHeader is the fixed 36-byte header preceding a data record's
// payload.
type DataHeader struct {
	Length   uint32
	OID      objid.OID
	TID      objid.TID
	Previous uint64
	Offset   uint64
}

// ReadDataHeader reads a 36-byte data header. r should be unbuffered
// positioned exactly at the start of the record (the length field).
func ReadDataHeader(r io.Reader) (DataHeader, error) {
	buf, err := ioutil2.ReadSized(r, DataHeaderSize)
	if err != nil {
		return DataHeader{}, err
	}
	var h DataHeader
	h.Length = beUint32(buf[0:4])
	copy(h.OID[:], buf[4:12])
	copy(h.TID[:], buf[12:20])
	h.Previous = beUint64(buf[20:28])
	h.Offset = beUint64(buf[28:36])
	return h, nil
}

// WriteDataHeader writes the 36-byte data header.
func (h DataHeader) Write(w io.Writer) error {
	buf := make([]byte, DataHeaderSize)
	putBeUint32(buf[0:4], h.Length)
	copy(buf[4:12], h.OID[:])
	copy(buf[12:20], h.TID[:])
	putBeUint64(buf[20:28], h.Previous)
	putBeUint64(buf[28:36], h.Offset)
	_, err := w.Write(buf)
	return err
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
