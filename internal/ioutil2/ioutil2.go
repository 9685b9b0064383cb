// Package ioutil2 provides the big-endian read/write primitives the log,
// index, and transaction codecs build on. Grounded on the original prototype's
// util.rs, translated from byteorder calls to encoding/binary.
package ioutil2

import (
	"encoding/binary"
	"io"

	"github.com/fs2store/fs2/internal/objid"
)

// ReadFull reads exactly len(buf) bytes or returns the underlying error.
func ReadFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// ReadOID reads an 8-byte OID.
func ReadOID(r io.Reader) (objid.OID, error) {
	var o objid.OID
	if err := ReadFull(r, o[:]); err != nil {
		return o, err
	}
	return o, nil
}

// ReadTID reads an 8-byte TID.
func ReadTID(r io.Reader) (objid.TID, error) {
	var t objid.TID
	if err := ReadFull(r, t[:]); err != nil {
		return t, err
	}
	return t, nil
}

// ReadU16 reads a big-endian uint16.
func ReadU16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// ReadU32 reads a big-endian uint32.
func ReadU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// ReadU64 reads a big-endian uint64.
func ReadU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if err := ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// WriteU16 writes a big-endian uint16.
func WriteU16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteU32 writes a big-endian uint32.
func WriteU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// WriteU64 writes a big-endian uint64.
func WriteU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadSized reads exactly size bytes, returning a zero-length (not nil)
// slice for size == 0 so callers can always range over the result.
func ReadSized(r io.Reader, size int) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	if err := ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CheckMagic reads len(magic) bytes and compares them against magic.
func CheckMagic(r io.Reader, magic []byte) (bool, error) {
	buf := make([]byte, len(magic))
	if err := ReadFull(r, buf); err != nil {
		return false, err
	}
	for i := range magic {
		if buf[i] != magic[i] {
			return false, nil
		}
	}
	return true, nil
}
