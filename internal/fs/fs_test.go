package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenReadWrite(t *testing.T) {
	fsys, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, fsys.Create("hello.txt", 0))
	f, err := fsys.Open("hello.txt")
	require.NoError(t, err)
	defer f.Close()

	n, err := f.Write([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	f.Seek(0)
	buf := make([]byte, 5)
	n, err = f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.Equal(t, int64(5), f.Tell())
}

func TestCreateTwiceFails(t *testing.T) {
	fsys, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fsys.Create("a", 0))
	require.Error(t, fsys.Create("a", 0))
}

func TestRemove(t *testing.T) {
	fsys, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fsys.Create("a", 0))
	require.NoError(t, fsys.Remove("a"))
	_, err = fsys.Open("a")
	require.Error(t, err)
}

func TestDenyWriteBlocksWritesUntilAllowed(t *testing.T) {
	fsys, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fsys.Create("prog", 0))

	f1, err := fsys.Open("prog")
	require.NoError(t, err)
	defer f1.Close()
	f1.DenyWrite()

	// The protection applies per name, so an independently opened handle
	// is denied too.
	f2, err := fsys.Open("prog")
	require.NoError(t, err)
	defer f2.Close()
	_, err = f2.Write([]byte("overwrite attempt"))
	require.Error(t, err)

	f1.AllowWrite()
	_, err = f2.Write([]byte("fine now"))
	require.NoError(t, err)
}

func TestReopenIsIndependent(t *testing.T) {
	fsys, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fsys.Create("a", 0))
	f1, err := fsys.Open("a")
	require.NoError(t, err)
	_, err = f1.Write([]byte("data"))
	require.NoError(t, err)

	backend, err := f1.Reopen()
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, f1.Close())

	buf := make([]byte, 4)
	n, err := backend.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "data", string(buf[:n]))
}
