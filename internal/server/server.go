// Package server implements the TCP accept loop and per-connection
// reader/writer goroutine pair that expose an *fs2.FileStorage over
// the wire protocol, grounded on the original prototype's
// server.rs/writer.rs (a std::thread reader + std::thread writer per
// accepted connection, talking over an mpsc channel).
//
// Per spec.md's concurrency model a Transaction is owned exclusively
// by its connection's writer goroutine, so the reader goroutine here
// does nothing but decode frames and forward them: every request,
// including read-only ones like LoadBefore, is dispatched to the
// façade from the writer goroutine. This differs from the original
// prototype (whose reader answers read-only requests inline) but
// keeps exactly one goroutine per connection ever touching a
// *txn.Transaction or writing to the socket.
package server

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fs2store/fs2"
	"github.com/fs2store/fs2/internal/logging"
	"github.com/fs2store/fs2/internal/objid"
	"github.com/fs2store/fs2/internal/txn"
	"github.com/fs2store/fs2/internal/wire"
)

// eventKind distinguishes the task variants a writer goroutine drains
// from its events channel, standing in for the original prototype's
// Zeo enum.
type eventKind int

const (
	eventRequest eventKind = iota
	eventLocked
	eventFinished
	eventInvalidate
	eventEnd
)

// event is the single union of everything a writer goroutine reacts
// to: a decoded client request, a lock-grant callback firing on an
// arbitrary goroutine, a commit notification for the finishing
// client, an invalidation for every other client, or connection
// shutdown.
type event struct {
	kind eventKind

	msg wire.Message // eventRequest

	txn       uint64 // eventLocked
	requestID int64  // eventLocked, eventFinished

	tid    objid.TID // eventFinished, eventInvalidate
	length uint64     // eventFinished
	size   uint64     // eventFinished
	oids   []objid.OID // eventInvalidate
}

// client implements fs2.Client by forwarding every notification to
// the owning connection's writer goroutine over events, so the
// goroutine that ends up writing to the socket is always the writer,
// never whichever goroutine happened to be draining the voted queue.
type client struct {
	addr      string
	events    chan event
	requestID int64 // set per TpcFinish call, like the original's client.request_id
}

// errSlowClient is returned when a connection's events channel is
// full, meaning its writer goroutine is not keeping up. fs.TpcFinish
// calls this from inside fs.votedMu, so the send must never block:
// a stuck connection gets evicted instead of wedging every other
// client's commits, matching the original's unbounded mpsc channel
// (writer.rs) which never blocks its sender either.
var errSlowClient = errors.New("server: client not draining events")

func (c client) Finished(tid objid.TID, length, size uint64) error {
	select {
	case c.events <- event{kind: eventFinished, requestID: c.requestID, tid: tid, length: length, size: size}:
		return nil
	default:
		return errSlowClient
	}
}

func (c client) Invalidate(tid objid.TID, oids []objid.OID) error {
	select {
	case c.events <- event{kind: eventInvalidate, tid: tid, oids: oids}:
		return nil
	default:
		return errSlowClient
	}
}

func (c client) Close() {}

// Server accepts connections and serves the wire protocol against a
// single *fs2.FileStorage.
type Server struct {
	fs  *fs2.FileStorage
	log *logging.Logger

	mu  sync.Mutex
	ln  net.Listener
	wg  sync.WaitGroup
}

// New returns a Server backed by fs, logging through lg (the package
// default logger if lg is nil).
func New(fs *fs2.FileStorage, lg *logging.Logger) *Server {
	if lg == nil {
		lg = logging.Default()
	}
	return &Server{fs: fs, log: lg}
}

// Serve accepts connections on ln until it is closed, handling each on
// its own reader/writer goroutine pair. It blocks until ln is closed
// and every connection has finished shutting down.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// ListenAndServe binds addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Close stops accepting new connections. It does not wait for
// in-flight connections to finish; call Serve's return for that.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	s.log.Info("connection accepted", "addr", addr)
	defer func() {
		conn.Close()
		s.log.Info("connection closed", "addr", addr)
	}()

	events := make(chan event, 64)
	c := client{addr: addr, events: events}
	s.fs.AddClient(c)
	defer s.fs.RemoveClient(c)

	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		s.read(conn, events)
	}()

	s.write(conn, events, c)
	readerWG.Wait()
}

// read decodes frames off conn and forwards every request as an
// eventRequest, until EOF or a decode error, at which point it sends
// eventEnd and returns.
func (s *Server) read(conn net.Conn, events chan<- event) {
	defer func() { events <- event{kind: eventEnd} }()

	if err := wire.ReadHandshake(conn); err != nil {
		s.log.Warn("bad handshake", "error", err)
		return
	}

	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "error", err)
			}
			return
		}
		msg, err := wire.Decode(payload)
		if err != nil {
			s.log.Warn("decode error", "error", err)
			return
		}
		events <- event{kind: eventRequest, msg: msg}
	}
}

// write is the writer goroutine: it owns the connection's open
// transactions, drains events, and is the only goroutine that ever
// writes to conn.
func (s *Server) write(conn net.Conn, events <-chan event, c client) {
	if err := wire.WriteHandshake(conn); err != nil {
		s.log.Warn("write handshake failed", "error", err)
		return
	}

	transactions := make(map[uint64]*txn.Transaction)
	defer func() {
		for _, t := range transactions {
			s.fs.TpcAbort(t.ID)
		}
	}()

	respond := func(requestID int64, result interface{}) {
		payload, err := wire.EncodeResponse(requestID, result)
		if err != nil {
			s.log.Error("encode response failed", "error", err)
			return
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			s.log.Debug("write response failed", "error", err)
		}
	}
	respondError := func(requestID int64, name, message string) {
		payload, err := wire.EncodeError(requestID, name, message)
		if err != nil {
			s.log.Error("encode error response failed", "error", err)
			return
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			s.log.Debug("write error response failed", "error", err)
		}
	}
	async := func(method string, args ...interface{}) {
		payload, err := wire.EncodeAsync(method, args...)
		if err != nil {
			s.log.Error("encode async failed", "error", err)
			return
		}
		if err := wire.WriteFrame(conn, payload); err != nil {
			s.log.Debug("write async failed", "error", err)
		}
	}

	for ev := range events {
		switch ev.kind {
		case eventEnd:
			return

		case eventFinished:
			respond(ev.requestID, ev.tid[:])
			async("info", map[string]uint64{"length": ev.length, "size": ev.size})

		case eventInvalidate:
			oidList := make([][]byte, len(ev.oids))
			for i, oid := range ev.oids {
				o := oid
				oidList[i] = o[:]
			}
			async("invalidateTransaction", ev.tid[:], oidList)

		case eventLocked:
			t, ok := transactions[ev.txn]
			if !ok {
				continue
			}
			s.dispatchLocked(t, ev.requestID, respond, respondError)

		case eventRequest:
			s.dispatchRequest(ev.msg, c, transactions, respond, respondError)
		}
	}
}

func (s *Server) dispatchRequest(
	msg wire.Message,
	c client,
	transactions map[uint64]*txn.Transaction,
	respond func(int64, interface{}),
	respondError func(int64, string, string),
) {
	switch m := msg.(type) {
	case wire.Register:
		if m.Storage != "1" {
			respondError(m.RequestID, wire.ErrNoStorage, "Invalid storage")
			return
		}
		last := s.fs.LastTransaction()
		respond(m.RequestID, last[:])

	case wire.LoadBefore:
		loaded, err := s.fs.LoadBefore(m.OID, m.Before)
		switch {
		case err == fs2.ErrNoneBefore:
			respond(m.RequestID, nil)
		case fs2.IsCode(err, fs2.CodeKey):
			respondError(m.RequestID, wire.ErrKey, string(m.OID[:]))
		case err != nil:
			s.log.Error("loadBefore failed", "error", err)
			respondError(m.RequestID, "fs2.IOError", err.Error())
		case loaded.HasNext:
			respond(m.RequestID, []interface{}{loaded.Data, loaded.TID[:], loaded.Next[:]})
		default:
			respond(m.RequestID, []interface{}{loaded.Data, loaded.TID[:], nil})
		}

	case wire.Ping:
		respond(m.RequestID, nil)

	case wire.GetInfo:
		respond(m.RequestID, map[string]int64{})

	case wire.NewOIDs:
		oids := s.fs.NewOIDs()
		packed := make([][]byte, len(oids))
		for i, oid := range oids {
			o := oid
			packed[i] = o[:]
		}
		respond(m.RequestID, packed)

	case wire.TpcBegin:
		if _, ok := transactions[m.Txn]; !ok {
			t, err := s.fs.TpcBegin(m.User, m.Desc, m.Ext)
			if err != nil {
				s.log.Error("tpc_begin failed", "error", err)
				return
			}
			transactions[m.Txn] = t
		}

	case wire.Storea:
		if t, ok := transactions[m.Txn]; ok {
			if err := t.Save(m.OID, m.Serial, m.Data); err != nil {
				s.log.Error("storea failed", "error", err)
			}
		}

	case wire.Vote:
		t, ok := transactions[m.Txn]
		if !ok {
			respondError(m.RequestID, wire.ErrTransaction, "Invalid transaction")
			return
		}
		requestID, txnID := m.RequestID, m.Txn
		events := c.events
		if err := s.fs.Lock(t, func(objid.TID) {
			events <- event{kind: eventLocked, requestID: requestID, txn: txnID}
		}); err != nil {
			s.log.Error("lock failed", "error", err)
		}

	case wire.TpcFinish:
		t, ok := transactions[m.Txn]
		if !ok {
			respondError(m.RequestID, wire.ErrTransaction, "Invalid transaction")
			return
		}
		delete(transactions, m.Txn)
		finishClient := c
		finishClient.requestID = m.RequestID
		if err := s.fs.TpcFinish(t.ID, finishClient); err != nil {
			s.log.Error("tpc_finish failed", "error", err)
		}

	case wire.TpcAbort:
		if t, ok := transactions[m.Txn]; ok {
			delete(transactions, m.Txn)
			s.fs.TpcAbort(t.ID)
		}
		respond(m.RequestID, nil)
	}
}

func (s *Server) dispatchLocked(
	t *txn.Transaction,
	requestID int64,
	respond func(int64, interface{}),
	respondError func(int64, string, string),
) {
	if err := t.Locked(); err != nil {
		s.log.Error("locked transition failed", "error", err)
		return
	}
	conflicts, err := s.fs.Stage(t)
	if err != nil {
		s.log.Error("stage failed", "error", err)
		return
	}
	result := make([]map[string][]byte, len(conflicts))
	for i, c := range conflicts {
		result[i] = map[string][]byte{
			"oid":       c.OID[:],
			"serial":    c.Serial[:],
			"committed": c.Committed[:],
			"data":      c.Data,
		}
	}
	respond(requestID, result)
}
