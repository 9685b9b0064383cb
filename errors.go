package fs2

import (
	"errors"
	"fmt"

	"github.com/fs2store/fs2/internal/objid"
)

// ErrNoneBefore is returned by LoadBefore when oid exists but its
// revision chain terminates before reaching one older than the
// requested TID (the object did not exist yet at that point in time).
var ErrNoneBefore = errors.New("fs2: no revision before requested tid")

// Code categorizes the kind of failure an *Error carries, mirroring
// the taxonomy the storage layer distinguishes internally.
type Code string

const (
	// CodeKey means an OID was looked up and not found: a load of an
	// absent object, or a conflict check against a serial that implies
	// a prior revision which does not exist.
	CodeKey Code = "key"
	// CodeIO means the failure originated in the filesystem.
	CodeIO Code = "io"
	// CodeFormat means the on-disk log or index sidecar failed a
	// structural check: bad magic, wrong lengths, unknown record
	// marker, or a length cross-check failure during recovery.
	CodeFormat Code = "format"
	// CodeState means a method was invoked against a transaction that
	// was not in the state it needed to be in.
	CodeState Code = "state"
	// CodeTransaction means a client referenced a transaction id the
	// server has no record of, typically after a restart.
	CodeTransaction Code = "transaction"
)

// Error is fs2's single structured error type.
type Error struct {
	Op     string // operation that failed, e.g. "Open", "Stage", "TpcFinish"
	Code   Code
	OID    objid.OID // set when Code == CodeKey
	HasOID bool
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.HasOID {
		msg = fmt.Sprintf("%s oid=%x", msg, e.OID[:])
	}
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Inner != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Inner)
	}
	return "fs2: " + msg
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is(err, &fs2.Error{Code: fs2.CodeKey}) style
// category comparisons; callers should prefer IsCode.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewKeyError reports that oid has no entry in the position index.
func NewKeyError(op string, oid objid.OID) *Error {
	return &Error{Op: op, Code: CodeKey, OID: oid, HasOID: true, Msg: "key not found"}
}

// NewIOError wraps err, originating from the filesystem, with op for
// context.
func NewIOError(op string, err error) *Error {
	return &Error{Op: op, Code: CodeIO, Msg: "i/o error", Inner: err}
}

// NewFormatError reports a structural on-disk format violation.
func NewFormatError(op, msg string) *Error {
	return &Error{Op: op, Code: CodeFormat, Msg: msg}
}

// NewStateError reports a transaction method invoked from the wrong
// state.
func NewStateError(op string, err error) *Error {
	return &Error{Op: op, Code: CodeState, Msg: "invalid transaction state", Inner: err}
}

// NewTransactionError reports an unknown transaction id.
func NewTransactionError(op string, msg string) *Error {
	return &Error{Op: op, Code: CodeTransaction, Msg: msg}
}

// IsCode reports whether err is an *Error (directly, or via wrapping)
// carrying the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code == code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
