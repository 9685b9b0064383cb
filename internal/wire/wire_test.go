package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fs2store/fs2/internal/objid"
)

func roundTripFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))
	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	return got
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello fs2")
	got := roundTripFrame(t, payload)
	require.Equal(t, payload, got)
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHandshake(&buf))
	require.NoError(t, ReadHandshake(&buf))
}

func TestHandshakeRejectsWrongPreamble(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("XX")))
	require.Error(t, ReadHandshake(&buf))
}

func encodeRequest(t *testing.T, requestID int64, method string, args ...interface{}) []byte {
	t.Helper()
	items := append([]interface{}{requestID, method}, args...)
	payload, err := encodeArray(items)
	require.NoError(t, err)
	return payload
}

func TestDecodePing(t *testing.T) {
	payload := encodeRequest(t, 7, "ping")
	msg, err := Decode(payload)
	require.NoError(t, err)
	ping, ok := msg.(Ping)
	require.True(t, ok)
	require.Equal(t, int64(7), ping.RequestID)
}

func TestDecodeRegister(t *testing.T) {
	payload := encodeRequest(t, 1, "register", "1", false)
	msg, err := Decode(payload)
	require.NoError(t, err)
	reg, ok := msg.(Register)
	require.True(t, ok)
	require.Equal(t, "1", reg.Storage)
	require.False(t, reg.ReadOnly)
}

func TestDecodeLoadBefore(t *testing.T) {
	oid := objid.P64(42)
	before := objid.TIDFromUint64(99)
	payload := encodeRequest(t, 3, "loadBefore", oid[:], before[:])
	msg, err := Decode(payload)
	require.NoError(t, err)
	lb, ok := msg.(LoadBefore)
	require.True(t, ok)
	require.Equal(t, oid, lb.OID)
	require.Equal(t, before, lb.Before)
}

func TestDecodeStorea(t *testing.T) {
	oid := objid.P64(1)
	serial := objid.TIDFromUint64(2)
	payload := encodeRequest(t, 0, "storea", oid[:], serial[:], []byte("payload"), uint64(123))
	msg, err := Decode(payload)
	require.NoError(t, err)
	s, ok := msg.(Storea)
	require.True(t, ok)
	require.Equal(t, oid, s.OID)
	require.Equal(t, serial, s.Serial)
	require.Equal(t, []byte("payload"), s.Data)
	require.Equal(t, uint64(123), s.Txn)
}

func TestDecodeTpcBegin(t *testing.T) {
	payload := encodeRequest(t, 0, "tpc_begin", uint64(5), []byte("user"), []byte("desc"), []byte("ext"))
	msg, err := Decode(payload)
	require.NoError(t, err)
	begin, ok := msg.(TpcBegin)
	require.True(t, ok)
	require.Equal(t, uint64(5), begin.Txn)
	require.Equal(t, []byte("user"), begin.User)
}

func TestDecodeVoteFinishAbort(t *testing.T) {
	vote, err := Decode(encodeRequest(t, 1, "vote", uint64(9)))
	require.NoError(t, err)
	require.Equal(t, Vote{RequestID: 1, Txn: 9}, vote)

	finish, err := Decode(encodeRequest(t, 2, "tpc_finish", uint64(9)))
	require.NoError(t, err)
	require.Equal(t, TpcFinish{RequestID: 2, Txn: 9}, finish)

	abort, err := Decode(encodeRequest(t, 3, "tpc_abort", uint64(9)))
	require.NoError(t, err)
	require.Equal(t, TpcAbort{RequestID: 3, Txn: 9}, abort)
}

func TestDecodeUnknownMethod(t *testing.T) {
	payload := encodeRequest(t, 1, "bogus")
	_, err := Decode(payload)
	require.Error(t, err)
}

func TestEncodeResponseAndError(t *testing.T) {
	payload, err := EncodeResponse(1, "ok")
	require.NoError(t, err)
	require.NotEmpty(t, payload)

	payload, err = EncodeError(1, "some.Error", "bad thing")
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}

func TestEncodeAsync(t *testing.T) {
	payload, err := EncodeAsync("invalidateTransaction", []byte("tid"), [][]byte{[]byte("oid")})
	require.NoError(t, err)
	require.NotEmpty(t, payload)
}
