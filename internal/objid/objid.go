// Package objid defines the primitive identifiers shared by every layer
// of the store: object identifiers (OID) and transaction identifiers
// (TID), both opaque 8-byte values compared as big-endian integers.
package objid

import "encoding/binary"

// OID identifies a persistent object. Zero is a valid OID, though
// FileStorage.NewOIDs never hands it out.
type OID [8]byte

// TID identifies a commit. Zero means "no prior version".
type TID [8]byte

// Zero is the distinguished "no value" TID/OID.
var Zero TID

// Less reports whether o sorts before other as a big-endian integer.
func (o OID) Less(other OID) bool {
	for i := range o {
		if o[i] != other[i] {
			return o[i] < other[i]
		}
	}
	return false
}

// Uint64 returns the big-endian integer value of the OID.
func (o OID) Uint64() uint64 { return binary.BigEndian.Uint64(o[:]) }

// Uint64 returns the big-endian integer value of the TID.
func (t TID) Uint64() uint64 { return binary.BigEndian.Uint64(t[:]) }

// Less reports whether t sorts before other.
func (t TID) Less(other TID) bool { return t.Uint64() < other.Uint64() }

// P64 packs i into a big-endian 8-byte OID, mirroring the original
// prototype's p64 helper used to mint test object identifiers.
func P64(i uint64) OID {
	var o OID
	binary.BigEndian.PutUint64(o[:], i)
	return o
}

// TIDFromUint64 packs i into a big-endian TID.
func TIDFromUint64(i uint64) TID {
	var t TID
	binary.BigEndian.PutUint64(t[:], i)
	return t
}

// Next returns tid+1, used to break ties when minting new TIDs.
func (t TID) Next() TID {
	return TIDFromUint64(t.Uint64() + 1)
}
