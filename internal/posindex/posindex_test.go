package posindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fs2store/fs2/internal/objid"
)

func TestSortedOIDs(t *testing.T) {
	idx := New()
	idx[objid.P64(5)] = 100
	idx[objid.P64(1)] = 10
	idx[objid.P64(3)] = 30

	got := idx.SortedOIDs()
	require.Equal(t, []objid.OID{objid.P64(1), objid.P64(3), objid.P64(5)}, got)
}

func TestClone(t *testing.T) {
	idx := New()
	idx[objid.P64(1)] = 10
	clone := idx.Clone()
	clone[objid.P64(1)] = 20
	clone[objid.P64(2)] = 99

	require.Equal(t, uint64(10), idx[objid.P64(1)])
	require.Len(t, idx, 1)
	require.Len(t, clone, 2)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := New()
	idx[objid.P64(1)] = 4096
	idx[objid.P64(2)] = 4200
	start := objid.TIDFromUint64(0)
	end := objid.TIDFromUint64(42)

	path := filepath.Join(t.TempDir(), "sidecar.index")
	require.NoError(t, Save(idx, path, 8192, start, end))

	got, segmentSize, gotStart, gotEnd, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, idx, got)
	require.Equal(t, uint64(8192), segmentSize)
	require.Equal(t, start, gotStart)
	require.Equal(t, end, gotEnd)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, _, _, err := Load(filepath.Join(t.TempDir(), "missing.index"))
	require.Error(t, err)
}

func TestLoadBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.index")
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0, 0, 0, 0, 0, 0}, 0o644))
	_, _, _, _, err := Load(path)
	require.ErrorIs(t, err, ErrBadMagic)
}
