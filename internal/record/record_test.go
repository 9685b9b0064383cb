package record

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fs2store/fs2/internal/objid"
)

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "record-*")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileHeaderRoundTrip(t *testing.T) {
	f := tempFile(t)
	h := NewFileHeader()
	require.NoError(t, h.Write(f))

	_, err := f.Seek(0, 0)
	require.NoError(t, err)
	got, err := ReadFileHeader(f)
	require.NoError(t, err)
	require.Equal(t, h.Alignment, got.Alignment)
	require.Equal(t, "", got.Previous)
}

func TestFileHeaderRoundTripWithPrevious(t *testing.T) {
	f := tempFile(t)
	h := FileHeader{Alignment: DefaultAlignment, Previous: "data.fs.old"}
	require.NoError(t, h.Write(f))

	_, err := f.Seek(0, 0)
	require.NoError(t, err)
	got, err := ReadFileHeader(f)
	require.NoError(t, err)
	require.Equal(t, h.Previous, got.Previous)
}

func TestReadFileHeaderBadMagic(t *testing.T) {
	f := tempFile(t)
	_, err := f.Write(bytes.Repeat([]byte{0}, HeaderSize))
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	_, err = ReadFileHeader(f)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	h := DataHeader{
		Length:   42,
		OID:      objid.P64(7),
		TID:      objid.TIDFromUint64(99),
		Previous: 4096,
		Offset:   5000,
	}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	require.Equal(t, DataHeaderSize, buf.Len())

	got, err := ReadDataHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestCommitHeaderUpdateIndex(t *testing.T) {
	var buf bytes.Buffer

	// one data record: oid=5, no user/desc/ext bodies.
	oid := objid.P64(5)
	dh := DataHeader{Length: 3, OID: oid, TID: objid.TIDFromUint64(1), Previous: 0, Offset: 0}
	require.NoError(t, dh.Write(&buf))
	buf.WriteString("abc")

	ch := CommitHeader{NData: 1}
	index := map[objid.OID]uint64{}
	maxOID, err := ch.UpdateIndex(bytes.NewReader(buf.Bytes()), func(o objid.OID, pos uint64) {
		index[o] = pos
	}, objid.OID{})
	require.NoError(t, err)
	require.Equal(t, oid, maxOID)
	require.Equal(t, uint64(0), index[oid])
}

func TestCommitHeaderUpdateIndexTracksMaxOID(t *testing.T) {
	var buf bytes.Buffer
	small := objid.P64(3)
	big := objid.P64(900)

	for _, oid := range []objid.OID{small, big} {
		dh := DataHeader{Length: 1, OID: oid, TID: objid.TIDFromUint64(1)}
		require.NoError(t, dh.Write(&buf))
		buf.WriteString("x")
	}

	ch := CommitHeader{NData: 2}
	maxOID, err := ch.UpdateIndex(bytes.NewReader(buf.Bytes()), func(objid.OID, uint64) {}, objid.OID{})
	require.NoError(t, err)
	require.Equal(t, big, maxOID)
}
