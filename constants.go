package fs2

import "github.com/fs2store/fs2/internal/objid"

// IndexSuffix is appended to the log path to name its index sidecar.
const IndexSuffix = ".index"

// TmpSuffix is appended to the log path to name the directory backing
// the transaction scratch-file pool.
const TmpSuffix = ".tmp"

// DefaultReaderPoolSize bounds the number of idle read-only file
// descriptors onto the log kept for reuse.
const DefaultReaderPoolSize = 9

// DefaultTmpPoolSize bounds the number of idle transaction scratch
// files kept for reuse.
const DefaultTmpPoolSize = 22

// OIDBatchSize is how many OIDs NewOIDs mints per call.
const OIDBatchSize = 100

// MaxTID is the largest possible TID, used by LoadBefore callers that
// want the most recent revision of an object.
var MaxTID objid.TID = [8]byte{0x7f, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
