// Package fs2 implements a single-node, append-only, multi-version
// object store: an on-disk log of immutable object revisions, an
// in-memory position index for O(1) lookup of the latest revision,
// and a two-phase-commit transaction protocol with per-object
// exclusive locking and optimistic conflict detection.
//
// Grounded on the original prototype's storage.rs: FileStorage owns
// the log file, the index, the lock manager, the file pools, and the
// queue of voted-but-not-yet-finished commits, all behind separate
// mutexes matching the original's field-level locking.
package fs2

import (
	"container/list"
	"io"
	"os"
	"sync"

	"github.com/fs2store/fs2/internal/filepool"
	"github.com/fs2store/fs2/internal/ioutil2"
	"github.com/fs2store/fs2/internal/lockmgr"
	"github.com/fs2store/fs2/internal/logging"
	"github.com/fs2store/fs2/internal/objid"
	"github.com/fs2store/fs2/internal/posindex"
	"github.com/fs2store/fs2/internal/record"
	"github.com/fs2store/fs2/internal/tidclock"
	"github.com/fs2store/fs2/internal/txn"
)

// Client is the notification surface a connected peer implements so
// the façade can report commit completion and invalidate cached
// revisions. Close is called when the façade evicts a client whose
// callback returned an error.
type Client interface {
	Finished(tid objid.TID, length, size uint64) error
	Invalidate(tid objid.TID, oids []objid.OID) error
	Close()
}

// Conflict describes one object whose committed revision moved past
// the serial a transaction believed was current.
type Conflict struct {
	OID       objid.OID
	Serial    objid.TID
	Committed objid.TID
	Data      []byte
}

// Loaded is the successful result of LoadBefore.
type Loaded struct {
	Data []byte
	TID  objid.TID
	// Next is the TID of the revision LoadBefore stepped back from to
	// reach TID, or the zero value if TID is already the latest.
	Next    objid.TID
	HasNext bool
}

// voted is an entry in the FIFO queue of transactions that have voted
// (appended their bytes to the log, still marked PPPP) but have not
// yet been finished.
type voted struct {
	id       objid.TID
	pos      uint64
	tid      objid.TID
	length   uint64
	index    posindex.Index
	finished Client
	hasFin   bool
}

// FileStorage is the storage façade: the single entry point managing
// the log file, the position index, the lock manager, the file
// pools, and connected clients.
type FileStorage struct {
	path string

	fileMu sync.Mutex
	file   *os.File

	indexMu sync.Mutex
	index   posindex.Index

	readers *filepool.Pool
	tmps    *filepool.Pool

	tidMu     sync.Mutex
	allocator *tidclock.Allocator

	committedMu  sync.Mutex
	committedTID objid.TID

	lockMu sync.Mutex
	locker *lockmgr.Manager

	votedMu sync.Mutex
	votedQ  *list.List // of *voted

	clientsMu sync.Mutex
	clients   []Client

	oidMu   sync.Mutex
	lastOID uint64

	log *logging.Logger
}

// Open creates a new log at path, or reopens an existing one,
// recovering the position index per spec: loading the sidecar if
// present and consistent, then scanning forward from its segment
// boundary to EOF.
func Open(path string) (*FileStorage, error) {
	return OpenWithLogger(path, logging.Default())
}

// OpenWithLogger is Open with an explicit logger, used by the server
// binary to route storage logs through its own configured output.
func OpenWithLogger(path string, lg *logging.Logger) (*FileStorage, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, NewIOError("Open", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, NewIOError("Open", err)
	}

	var idx posindex.Index
	var lastTID objid.TID
	var lastOID objid.OID

	if info.Size() == 0 {
		if err := record.NewFileHeader().Write(f); err != nil {
			f.Close()
			return nil, NewIOError("Open", err)
		}
		idx = posindex.New()
	} else {
		if _, err := record.ReadFileHeader(f); err != nil {
			f.Close()
			return nil, NewFormatError("Open", err.Error())
		}
		idx, lastTID, lastOID, err = loadIndex(path, f, uint64(info.Size()))
		if err != nil {
			f.Close()
			return nil, err
		}
	}

	readers := filepool.New(filepool.ReadFileFactory{Path: path}, DefaultReaderPoolSize)
	tmps := filepool.New(filepool.TmpFileFactory{Dir: path + TmpSuffix}, DefaultTmpPoolSize)

	alloc := tidclock.NewAllocator()
	alloc.Seed(lastTID)

	fs := &FileStorage{
		path:         path,
		file:         f,
		index:        idx,
		readers:      readers,
		tmps:         tmps,
		allocator:    alloc,
		committedTID: lastTID,
		locker:       lockmgr.New(),
		votedQ:       list.New(),
		lastOID:      lastOID.Uint64(),
		log:          lg,
	}
	fs.log.Debugf("opened storage path=%s size=%d entries=%d", path, info.Size(), len(idx))
	return fs, nil
}

// loadIndex implements the sidecar-or-rescan recovery described in
// spec.md §4.3, grounded on storage.rs's load_index.
func loadIndex(path string, f *os.File, size uint64) (posindex.Index, objid.TID, objid.OID, error) {
	sidecarPath := path + IndexSuffix
	idx, segmentSize, end := posindex.New(), uint64(record.HeaderSize), objid.TID{}

	if loaded, loadedSegSize, loadedStart, loadedEnd, err := posindex.Load(sidecarPath); err == nil {
		if size >= loadedSegSize {
			if _, serr := f.Seek(int64(record.HeaderSize)+12, io.SeekStart); serr == nil {
				if gotStart, rerr := ioutil2.ReadTID(f); rerr == nil && gotStart == loadedStart {
					if _, serr := f.Seek(int64(loadedSegSize)-8, io.SeekStart); serr == nil {
						if gotEnd, rerr := ioutil2.ReadTID(f); rerr == nil && gotEnd == loadedEnd {
							idx, segmentSize, end = loaded, loadedSegSize, loadedEnd
						}
					}
				}
			}
		}
	}

	var lastOID objid.OID
	if segmentSize < size {
		if _, err := f.Seek(int64(segmentSize), io.SeekStart); err != nil {
			return nil, objid.TID{}, objid.OID{}, NewIOError("Open", err)
		}
		pos := segmentSize
		for pos < size {
			var marker [4]byte
			if err := ioutil2.ReadFull(f, marker[:]); err != nil {
				return nil, objid.TID{}, objid.OID{}, NewIOError("Open", err)
			}
			var length uint64
			switch marker {
			case record.CommitMarker:
				header, err := record.ReadCommitHeader(f)
				if err != nil {
					return nil, objid.TID{}, objid.OID{}, NewFormatError("Open", err.Error())
				}
				lastOID, err = header.UpdateIndex(f, func(o objid.OID, off uint64) { idx[o] = off }, lastOID)
				if err != nil {
					return nil, objid.TID{}, objid.OID{}, NewFormatError("Open", err.Error())
				}
				if end != (objid.TID{}) && !end.Less(header.TID) {
					return nil, objid.TID{}, objid.OID{}, NewFormatError("Open", "commit record out of order during recovery")
				}
				end = header.TID
				length = header.Length
			case record.PaddingMarker:
				l, err := ioutil2.ReadU64(f)
				if err != nil {
					return nil, objid.TID{}, objid.OID{}, NewIOError("Open", err)
				}
				length = l
			default:
				return nil, objid.TID{}, objid.OID{}, NewFormatError("Open", "bad record marker during recovery")
			}
			pos += length
			if _, err := f.Seek(int64(pos)-8, io.SeekStart); err != nil {
				return nil, objid.TID{}, objid.OID{}, NewIOError("Open", err)
			}
			trailer, err := ioutil2.ReadU64(f)
			if err != nil {
				return nil, objid.TID{}, objid.OID{}, NewIOError("Open", err)
			}
			if trailer != length {
				return nil, objid.TID{}, objid.OID{}, NewFormatError("Open", "trailing length mismatch during recovery")
			}
		}
	}
	return idx, end, lastOID, nil
}

// Close flushes the position index to its sidecar and closes the log
// file. Open Questions in spec.md leave sidecar write timing
// unspecified; this implementation writes it on every Close (see
// DESIGN.md).
func (fs *FileStorage) Close() error {
	fs.fileMu.Lock()
	size, err := fs.file.Seek(0, io.SeekEnd)
	fs.fileMu.Unlock()
	if err != nil {
		return NewIOError("Close", err)
	}

	fs.indexMu.Lock()
	idx := fs.index.Clone()
	fs.indexMu.Unlock()

	fs.committedMu.Lock()
	end := fs.committedTID
	fs.committedMu.Unlock()

	if err := posindex.Save(idx, fs.path+IndexSuffix, uint64(size), objid.TID{}, end); err != nil {
		fs.log.Warnf("failed to save index sidecar: %v", err)
	}

	fs.fileMu.Lock()
	defer fs.fileMu.Unlock()
	if err := fs.file.Close(); err != nil {
		return NewIOError("Close", err)
	}
	return nil
}

// AddClient registers client to receive invalidation notifications.
func (fs *FileStorage) AddClient(client Client) {
	fs.clientsMu.Lock()
	defer fs.clientsMu.Unlock()
	fs.clients = append(fs.clients, client)
}

// RemoveClient unregisters client.
func (fs *FileStorage) RemoveClient(client Client) {
	fs.clientsMu.Lock()
	defer fs.clientsMu.Unlock()
	out := fs.clients[:0]
	for _, c := range fs.clients {
		if c != client {
			out = append(out, c)
		}
	}
	fs.clients = out
}

// ClientCount reports how many clients are currently registered.
func (fs *FileStorage) ClientCount() int {
	fs.clientsMu.Lock()
	defer fs.clientsMu.Unlock()
	return len(fs.clients)
}

func (fs *FileStorage) newTID() objid.TID {
	fs.tidMu.Lock()
	defer fs.tidMu.Unlock()
	return fs.allocator.New()
}

func (fs *FileStorage) lookupPos(oid objid.OID) (uint64, bool) {
	fs.indexMu.Lock()
	defer fs.indexMu.Unlock()
	pos, ok := fs.index[oid]
	return pos, ok
}

// LoadBefore returns the most recent revision of oid whose TID is
// strictly less than before, walking the previous chain as needed.
func (fs *FileStorage) LoadBefore(oid objid.OID, before objid.TID) (Loaded, error) {
	pos, ok := fs.lookupPos(oid)
	if !ok {
		return Loaded{}, NewKeyError("LoadBefore", oid)
	}

	h, err := fs.readers.Get()
	if err != nil {
		return Loaded{}, NewIOError("LoadBefore", err)
	}
	defer h.Close()
	file := h.File

	var next objid.TID
	hasNext := false

	if _, err := file.Seek(int64(pos), io.SeekStart); err != nil {
		return Loaded{}, NewIOError("LoadBefore", err)
	}
	header, err := record.ReadDataHeader(file)
	if err != nil {
		return Loaded{}, NewIOError("LoadBefore", err)
	}
	for !header.TID.Less(before) {
		if header.Previous == 0 {
			return Loaded{}, ErrNoneBefore
		}
		next, hasNext = header.TID, true
		if _, err := file.Seek(int64(header.Previous), io.SeekStart); err != nil {
			return Loaded{}, NewIOError("LoadBefore", err)
		}
		header, err = record.ReadDataHeader(file)
		if err != nil {
			return Loaded{}, NewIOError("LoadBefore", err)
		}
	}
	data, err := ioutil2.ReadSized(file, int(header.Length))
	if err != nil {
		return Loaded{}, NewIOError("LoadBefore", err)
	}
	return Loaded{Data: data, TID: header.TID, Next: next, HasNext: hasNext}, nil
}

// NewOIDs mints the next OIDBatchSize consecutive object identifiers.
func (fs *FileStorage) NewOIDs() []objid.OID {
	fs.oidMu.Lock()
	defer fs.oidMu.Unlock()
	out := make([]objid.OID, 0, OIDBatchSize)
	for i := uint64(1); i <= OIDBatchSize; i++ {
		out = append(out, objid.P64(fs.lastOID+i))
	}
	fs.lastOID += OIDBatchSize
	return out
}

// TpcBegin starts a new transaction: a fresh temp file and a new TID.
func (fs *FileStorage) TpcBegin(user, desc, ext []byte) (*txn.Transaction, error) {
	h, err := fs.tmps.Get()
	if err != nil {
		return nil, NewIOError("TpcBegin", err)
	}
	t, err := txn.Begin(h, fs.newTID(), user, desc, ext)
	if err != nil {
		h.Close()
		return nil, NewIOError("TpcBegin", err)
	}
	return t, nil
}

// Lock asks the lock manager for every OID t touched, invoking onGrant
// once all are acquired (possibly synchronously, possibly later from
// within TpcFinish/TpcAbort's Release calls for some other
// transaction).
func (fs *FileStorage) Lock(t *txn.Transaction, onGrant func(objid.TID)) error {
	id, oids, err := t.LockData()
	if err != nil {
		return NewStateError("Lock", err)
	}
	fs.lockMu.Lock()
	defer fs.lockMu.Unlock()
	fs.locker.Lock(id, oids, onGrant)
	return nil
}

// Stage implements the vote phase: it resolves every OID the
// transaction touched against the live index, collecting a Conflict
// for each whose committed TID has moved past the caller's serial. If
// there are no conflicts, the transaction's bytes are packed and
// appended to the log (still marked padding) and queued for finish;
// otherwise the transaction's locks are released so the caller may
// re-save with updated serials and vote again.
func (fs *FileStorage) Stage(t *txn.Transaction) ([]Conflict, error) {
	serials, err := t.Serials()
	if err != nil {
		return nil, NewStateError("Stage", err)
	}

	type resolved struct {
		oid    objid.OID
		serial objid.TID
		pos    uint64
		hasPos bool
	}
	resolveds := make([]resolved, len(serials))
	fs.indexMu.Lock()
	for i, s := range serials {
		pos, ok := fs.index[s.OID]
		resolveds[i] = resolved{oid: s.OID, serial: s.TID, pos: pos, hasPos: ok}
	}
	fs.indexMu.Unlock()

	var conflicts []Conflict
	h, err := fs.readers.Get()
	if err != nil {
		return nil, NewIOError("Stage", err)
	}
	defer h.Close()
	file := h.File

	for _, r := range resolveds {
		if !r.hasPos {
			if r.serial != (objid.TID{}) {
				return nil, NewKeyError("Stage", r.oid)
			}
			continue
		}
		if _, err := file.Seek(int64(r.pos)+12, io.SeekStart); err != nil {
			return nil, NewIOError("Stage", err)
		}
		committed, err := ioutil2.ReadTID(file)
		if err != nil {
			return nil, NewIOError("Stage", err)
		}
		if committed != r.serial {
			data, err := t.GetData(r.oid)
			if err != nil {
				return nil, NewStateError("Stage", err)
			}
			conflicts = append(conflicts, Conflict{OID: r.oid, Serial: r.serial, Committed: committed, Data: data})
		}
		if err := t.SetPrevious(r.oid, r.pos); err != nil {
			return nil, NewStateError("Stage", err)
		}
	}

	if len(conflicts) == 0 {
		if err := t.Pack(); err != nil {
			return nil, NewIOError("Stage", err)
		}
		fs.votedMu.Lock()
		defer fs.votedMu.Unlock()
		fs.fileMu.Lock()
		defer fs.fileMu.Unlock()

		pos, err := fs.file.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, NewIOError("Stage", err)
		}
		tid := fs.newTID()
		localIndex, length, err := t.Stage(tid, fs.file)
		if err != nil {
			return nil, NewIOError("Stage", err)
		}
		fs.votedQ.PushBack(&voted{id: t.ID, pos: uint64(pos), tid: tid, index: localIndex, length: length})
		return nil, nil
	}

	if err := t.Unlocked(); err != nil {
		return nil, NewStateError("Stage", err)
	}
	fs.lockMu.Lock()
	fs.locker.Release(t.ID)
	fs.lockMu.Unlock()
	return conflicts, nil
}

// TpcFinish marks transaction id's staged commit durable: it fsyncs
// the staged bytes, flips the record marker from PPPP to TTTT and
// fsyncs again, then drains the
// head of the voted queue in commit order, applying each finished
// entry's local index into the live index and fanning out
// invalidations.
func (fs *FileStorage) TpcFinish(id objid.TID, client Client) error {
	fs.votedMu.Lock()
	defer fs.votedMu.Unlock()

	for e := fs.votedQ.Front(); e != nil; e = e.Next() {
		v := e.Value.(*voted)
		if v.id != id {
			continue
		}
		v.finished, v.hasFin = client, true

		fs.fileMu.Lock()
		err := fs.file.Sync()
		if err == nil {
			_, err = fs.file.Seek(int64(v.pos), io.SeekStart)
		}
		if err == nil {
			_, err = fs.file.Write(record.CommitMarker[:])
		}
		if err == nil {
			err = fs.file.Sync()
		}
		fs.fileMu.Unlock()
		if err != nil {
			return NewIOError("TpcFinish", err)
		}
		break
	}
	fs.drainVotedLocked()
	return nil
}

// TpcAbort discards transaction id's vote (if any) and releases its
// locks, then drains the voted queue as TpcFinish does (an abort may
// unblock entries behind it).
func (fs *FileStorage) TpcAbort(id objid.TID) {
	fs.votedMu.Lock()
	defer fs.votedMu.Unlock()

	found := false
	for e := fs.votedQ.Front(); e != nil; {
		next := e.Next()
		if e.Value.(*voted).id == id {
			fs.votedQ.Remove(e)
			found = true
			fs.lockMu.Lock()
			fs.locker.Release(id)
			fs.lockMu.Unlock()
		}
		e = next
	}
	if !found {
		fs.lockMu.Lock()
		fs.locker.Release(id)
		fs.lockMu.Unlock()
	}
	fs.drainVotedLocked()
}

// drainVotedLocked applies and removes finished entries from the head
// of the voted queue, in order, stopping at the first unfinished
// entry. Callers must hold fs.votedMu.
func (fs *FileStorage) drainVotedLocked() {
	for {
		e := fs.votedQ.Front()
		if e == nil {
			return
		}
		v := e.Value.(*voted)
		if !v.hasFin {
			return
		}

		var oids []objid.OID
		var entryLen int
		fs.indexMu.Lock()
		for _, oid := range v.index.SortedOIDs() {
			fs.index[oid] = v.index[oid] + v.pos
			oids = append(oids, oid)
		}
		entryLen = len(fs.index)
		fs.indexMu.Unlock()

		fs.committedMu.Lock()
		fs.committedTID = v.tid
		fs.committedMu.Unlock()

		fs.clientsMu.Lock()
		var evict []Client
		for _, c := range fs.clients {
			if c == v.finished {
				continue
			}
			if err := c.Invalidate(v.tid, oids); err != nil {
				evict = append(evict, c)
			}
		}
		if err := v.finished.Finished(v.tid, uint64(entryLen), v.pos+v.length); err != nil {
			evict = append(evict, v.finished)
		}
		if len(evict) > 0 {
			out := fs.clients[:0]
			for _, c := range fs.clients {
				keep := true
				for _, e := range evict {
					if c == e {
						keep = false
						break
					}
				}
				if keep {
					out = append(out, c)
				}
			}
			fs.clients = out
		}
		fs.clientsMu.Unlock()

		fs.lockMu.Lock()
		fs.locker.Release(v.id)
		fs.lockMu.Unlock()

		fs.votedQ.Remove(e)
		for _, c := range evict {
			c.Close()
		}
	}
}

// LastTransaction returns the most recently committed TID.
func (fs *FileStorage) LastTransaction() objid.TID {
	fs.committedMu.Lock()
	defer fs.committedMu.Unlock()
	return fs.committedTID
}

// Path returns the log file's path.
func (fs *FileStorage) Path() string { return fs.path }
