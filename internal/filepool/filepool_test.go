package filepool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetReusesReturnedFile(t *testing.T) {
	p := New(TmpFileFactory{Dir: t.TempDir()}, 2)

	h1, err := p.Get()
	require.NoError(t, err)
	f1 := h1.File
	require.NoError(t, h1.Close())
	require.Equal(t, 1, p.Len())

	h2, err := p.Get()
	require.NoError(t, err)
	require.Same(t, f1, h2.File, "pool should hand back the same descriptor LIFO")
	require.Equal(t, 0, p.Len())
	require.NoError(t, h2.Close())
}

func TestCapacityBounded(t *testing.T) {
	p := New(TmpFileFactory{Dir: t.TempDir()}, 1)

	h1, err := p.Get()
	require.NoError(t, err)
	h2, err := p.Get()
	require.NoError(t, err)

	require.NoError(t, h1.Close())
	require.Equal(t, 1, p.Len())
	require.NoError(t, h2.Close()) // over capacity, should just close for real
	require.Equal(t, 1, p.Len())
}

func TestCloseTwiceIsNoop(t *testing.T) {
	p := New(TmpFileFactory{Dir: t.TempDir()}, 1)
	h, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close(), "double close must be a no-op, not an error")
}

func TestReadFileFactoryOpensExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	p := New(ReadFileFactory{Path: path}, 1)
	h, err := p.Get()
	require.NoError(t, err)
	defer h.Close()

	buf := make([]byte, 5)
	n, err := h.File.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}
