package pipefs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	tbl := NewTable()
	readAddr, writeAddr := tbl.Create()

	n, err := tbl.WriteFileSectors(writeAddr, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 16)
	n, err = tbl.ReadFileSectors(readAddr, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestReadReturnsEOFAfterWriteEndClosed(t *testing.T) {
	tbl := NewTable()
	readAddr, writeAddr := tbl.Create()

	_, err := tbl.WriteFileSectors(writeAddr, []byte("hi"), 0)
	require.NoError(t, err)
	require.NoError(t, tbl.CloseFile(writeAddr))

	buf := make([]byte, 16)
	n, err := tbl.ReadFileSectors(readAddr, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = tbl.ReadFileSectors(readAddr, buf, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestReadOnWriteEndFails(t *testing.T) {
	tbl := NewTable()
	_, writeAddr := tbl.Create()

	_, err := tbl.ReadFileSectors(writeAddr, make([]byte, 4), 0)
	require.Error(t, err)
}

func TestWriteOnReadEndFails(t *testing.T) {
	tbl := NewTable()
	readAddr, _ := tbl.Create()

	_, err := tbl.WriteFileSectors(readAddr, []byte("x"), 0)
	require.Error(t, err)
}

func TestWriteAfterReadEndClosedReturnsEPIPE(t *testing.T) {
	tbl := NewTable()
	readAddr, writeAddr := tbl.Create()
	require.NoError(t, tbl.CloseFile(readAddr))

	_, err := tbl.WriteFileSectors(writeAddr, []byte("x"), 0)
	require.Error(t, err)
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	tbl := NewTable()
	readAddr, writeAddr := tbl.Create()

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		buf := make([]byte, 4)
		n, err = tbl.ReadFileSectors(readAddr, buf, 0)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_, werr := tbl.WriteFileSectors(writeAddr, []byte("hi"), 0)
	require.NoError(t, werr)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after write")
	}
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestTruncateUnsupported(t *testing.T) {
	tbl := NewTable()
	readAddr, _ := tbl.Create()
	require.Error(t, tbl.Truncate(readAddr, 0))
}

func TestCloseFileRemovesEnd(t *testing.T) {
	tbl := NewTable()
	readAddr, writeAddr := tbl.Create()
	require.NoError(t, tbl.CloseFile(readAddr))
	require.NoError(t, tbl.CloseFile(writeAddr))

	_, err := tbl.ReadFileSectors(readAddr, make([]byte, 1), 0)
	require.Error(t, err)
}
