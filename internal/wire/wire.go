// Package wire implements the length-prefixed MessagePack framing and
// message set that clients speak to an fs2 server, grounded on the
// original prototype's msg.rs/msgparse.rs ZEO4-like protocol: a 4-byte
// big-endian length prefix followed by a MessagePack array of
// [requestID, method, args...] for requests, [requestID, "R", result]
// for responses, and [requestID, "E", [name, message]] for errors.
// Server-initiated messages (Invalidate, Finished's "info" follow-up)
// use requestID 0.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/fs2store/fs2/internal/objid"
)

var mh codec.MsgpackHandle

// Message is the tagged union of requests a client may send. Each
// concrete type corresponds to one row of the method table. TpcBegin
// and Storea get no response and carry no RequestID; clients send -1
// in the envelope for them.
type Message interface {
	isMessage()
}

// Register is the first message on a connection: register(storageID,
// readOnly).
type Register struct {
	RequestID int64
	Storage   string
	ReadOnly  bool
}

// LoadBefore asks for the revision of OID strictly older than Before.
type LoadBefore struct {
	RequestID int64
	OID       objid.OID
	Before    objid.TID
}

// GetInfo asks for storage metadata; fs2 answers with an empty map.
type GetInfo struct {
	RequestID int64
}

// NewOIDs asks for a fresh batch of object identifiers.
type NewOIDs struct {
	RequestID int64
}

// Ping is a liveness check; fs2 answers with nil.
type Ping struct {
	RequestID int64
}

// TpcBegin opens a transaction identified by the client-chosen Txn id.
type TpcBegin struct {
	Txn  uint64
	User []byte
	Desc []byte
	Ext  []byte
}

// Storea stages one object revision within Txn.
type Storea struct {
	OID      objid.OID
	Serial   objid.TID
	Data     []byte
	Txn      uint64
}

// Vote requests the transaction's locks and conflict check.
type Vote struct {
	RequestID int64
	Txn       uint64
}

// TpcFinish commits Txn.
type TpcFinish struct {
	RequestID int64
	Txn       uint64
}

// TpcAbort aborts Txn.
type TpcAbort struct {
	RequestID int64
	Txn       uint64
}

func (Register) isMessage()   {}
func (LoadBefore) isMessage() {}
func (GetInfo) isMessage()    {}
func (NewOIDs) isMessage()    {}
func (Ping) isMessage()       {}
func (TpcBegin) isMessage()   {}
func (Storea) isMessage()     {}
func (Vote) isMessage()       {}
func (TpcFinish) isMessage()  {}
func (TpcAbort) isMessage()   {}

// Conflict mirrors fs2.Conflict for wire transport, keyed the way the
// original prototype's BTreeMap<String, Bytes> response was: oid,
// serial, committed, data.
type Conflict struct {
	OID       objid.OID
	Serial    objid.TID
	Committed objid.TID
	Data      []byte
}

// ErrNoStorage is the error name used when a client registers for a
// storage name fs2 does not serve (fs2 always serves a single storage
// named "1", matching the original prototype).
const ErrNoStorage = "builtins.ValueError"

// ErrKey is the error name used for a POSKeyError-equivalent failure.
const ErrKey = "ZODB.POSException.POSKeyError"

// ErrTransaction is the error name used when a client references an
// unknown transaction id.
const ErrTransaction = "ZODB.PosException.StorageTransactionError"

// preamble is the handshake string fs2 sends right after accept,
// matching the original prototype's "M5" protocol version tag.
const preamble = "M5"

// ReadFrame reads one length-prefixed frame from r and returns its
// payload (without the 4-byte length prefix). io.EOF is returned
// verbatim when the connection closes cleanly before any bytes of a
// new frame arrive.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wire: short frame: %w", err)
	}
	return buf, nil
}

// WriteFrame writes payload as one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteHandshake sends the protocol version preamble a client expects
// immediately after connecting.
func WriteHandshake(w io.Writer) error {
	return WriteFrame(w, []byte(preamble))
}

// ReadHandshake reads and validates the protocol version preamble.
func ReadHandshake(r io.Reader) error {
	got, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if string(got) != preamble {
		return fmt.Errorf("wire: bad handshake %q", got)
	}
	return nil
}

// EncodeRequest encodes a [requestID, method, args...] frame payload,
// the shape a client sends for every call in the method table.
func EncodeRequest(requestID int64, method string, args ...interface{}) ([]byte, error) {
	items := make([]interface{}, 0, 2+len(args))
	items = append(items, requestID, method)
	items = append(items, args...)
	return encodeArray(items)
}

// EncodeResponse encodes a successful [requestID, "R", result] frame
// payload.
func EncodeResponse(requestID int64, result interface{}) ([]byte, error) {
	return encodeArray([]interface{}{requestID, "R", result})
}

// EncodeError encodes an [requestID, "E", [name, message]] frame
// payload.
func EncodeError(requestID int64, name, message string) ([]byte, error) {
	return encodeArray([]interface{}{requestID, "E", []interface{}{name, message}})
}

// EncodeAsync encodes a server-initiated [0, method, args...] frame
// payload, used for "invalidateTransaction" and "info" notifications.
func EncodeAsync(method string, args ...interface{}) ([]byte, error) {
	items := make([]interface{}, 0, 2+len(args))
	items = append(items, int64(0), method)
	items = append(items, args...)
	return encodeArray(items)
}

func encodeArray(items []interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, &mh)
	if err := enc.Encode(items); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return buf, nil
}

// rawRequest is the generic decode shape used to discover the method
// name before decoding method-specific arguments.
type rawRequest struct {
	RequestID int64
	Method    string
	Raw       codec.Raw
}

// Decode parses one request frame payload (the MessagePack bytes
// returned by ReadFrame, past the handshake) into a Message.
func Decode(payload []byte) (Message, error) {
	var items []codec.Raw
	dec := codec.NewDecoderBytes(payload, &mh)
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if len(items) < 2 {
		return nil, fmt.Errorf("wire: short envelope")
	}
	var requestID int64
	if err := decodeInto(items[0], &requestID); err != nil {
		return nil, fmt.Errorf("wire: decode request id: %w", err)
	}
	var method string
	if err := decodeInto(items[1], &method); err != nil {
		return nil, fmt.Errorf("wire: decode method: %w", err)
	}
	args := items[2:]

	switch method {
	case "register":
		var storage string
		var readOnly bool
		if err := decodeArgs(args, &storage, &readOnly); err != nil {
			return nil, err
		}
		return Register{RequestID: requestID, Storage: storage, ReadOnly: readOnly}, nil
	case "loadBefore":
		var oidB, beforeB []byte
		if err := decodeArgs(args, &oidB, &beforeB); err != nil {
			return nil, err
		}
		oid, err := toOID(oidB)
		if err != nil {
			return nil, fmt.Errorf("wire: loadBefore oid: %w", err)
		}
		before, err := toTID(beforeB)
		if err != nil {
			return nil, fmt.Errorf("wire: loadBefore before: %w", err)
		}
		return LoadBefore{RequestID: requestID, OID: oid, Before: before}, nil
	case "get_info":
		return GetInfo{RequestID: requestID}, nil
	case "new_oids":
		return NewOIDs{RequestID: requestID}, nil
	case "ping":
		return Ping{RequestID: requestID}, nil
	case "tpc_begin":
		var txn uint64
		var user, desc, ext []byte
		if err := decodeArgs(args, &txn, &user, &desc, &ext); err != nil {
			return nil, err
		}
		return TpcBegin{Txn: txn, User: user, Desc: desc, Ext: ext}, nil
	case "storea":
		var oidB, committedB, data []byte
		var txn uint64
		if err := decodeArgs(args, &oidB, &committedB, &data, &txn); err != nil {
			return nil, err
		}
		oid, err := toOID(oidB)
		if err != nil {
			return nil, fmt.Errorf("wire: storea oid: %w", err)
		}
		serial, err := toTID(committedB)
		if err != nil {
			return nil, fmt.Errorf("wire: storea serial: %w", err)
		}
		return Storea{OID: oid, Serial: serial, Data: data, Txn: txn}, nil
	case "vote":
		var txn uint64
		if err := decodeArgs(args, &txn); err != nil {
			return nil, err
		}
		return Vote{RequestID: requestID, Txn: txn}, nil
	case "tpc_finish":
		var txn uint64
		if err := decodeArgs(args, &txn); err != nil {
			return nil, err
		}
		return TpcFinish{RequestID: requestID, Txn: txn}, nil
	case "tpc_abort":
		var txn uint64
		if err := decodeArgs(args, &txn); err != nil {
			return nil, err
		}
		return TpcAbort{RequestID: requestID, Txn: txn}, nil
	default:
		return nil, fmt.Errorf("wire: bad method %q", method)
	}
}

func decodeInto(raw codec.Raw, v interface{}) error {
	dec := codec.NewDecoderBytes(raw, &mh)
	return dec.Decode(v)
}

// decodeArgs decodes each positional argument in turn into dests,
// mirroring the original prototype's tuple-typed decode! macro calls.
func decodeArgs(args []codec.Raw, dests ...interface{}) error {
	if len(args) < len(dests) {
		return fmt.Errorf("wire: expected %d args, got %d", len(dests), len(args))
	}
	for i, dest := range dests {
		if err := decodeInto(args[i], dest); err != nil {
			return fmt.Errorf("wire: decode arg %d: %w", i, err)
		}
	}
	return nil
}

func toOID(b []byte) (objid.OID, error) {
	var oid objid.OID
	if len(b) != len(oid) {
		return oid, fmt.Errorf("wire: oid wrong length %d", len(b))
	}
	copy(oid[:], b)
	return oid, nil
}

func toTID(b []byte) (objid.TID, error) {
	var tid objid.TID
	if len(b) != len(tid) {
		return tid, fmt.Errorf("wire: tid wrong length %d", len(b))
	}
	copy(tid[:], b)
	return tid, nil
}
