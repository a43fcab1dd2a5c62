package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/it2konst/quicpath/connection"
	"github.com/it2konst/quicpath/packet"
)

// ====================================================================
// Тесты сборки файла на клиенте
// ====================================================================

// newBareConnection - соединение без пути (элиситор не отправляется)
func newBareConnection(t *testing.T) *connection.Connection {
	t.Helper()
	cid, err := packet.GenerateConnectionID()
	require.NoError(t, err)
	conn, err := connection.New(cid, true, nil, nil)
	require.NoError(t, err)
	return conn
}

// beginTransfer регистрирует ожидающую передачу
func beginTransfer(c *Client, filename string) *fileTransfer {
	transfer := &fileTransfer{
		started: time.Now(),
		chunks:  make(map[uint32][]byte),
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.receiving[filename] = transfer
	c.current = filename
	c.mu.Unlock()
	return transfer
}

func TestFileAssembly(t *testing.T) {
	c := New("127.0.0.1", 5000, nil)
	conn := newBareConnection(t)
	transfer := beginTransfer(c, "movie.mp4")

	c.OnFileResponse(conn, &packet.FileResponseFrame{FileSize: 24, ChunkSize: 8})

	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 0, Data: []byte("aaaaaaaa")})
	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 1, Data: []byte("bbbbbbbb")})

	select {
	case <-transfer.done:
		t.Fatal("transfer must not complete before all bytes arrive")
	default:
	}

	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 2, Data: []byte("cccccccc")})

	select {
	case <-transfer.done:
	case <-time.After(time.Second):
		t.Fatal("transfer did not complete")
	}

	require.Equal(t, []byte("aaaaaaaabbbbbbbbcccccccc"), c.FileBytes("movie.mp4"))
}

func TestFileAssemblyOutOfOrder(t *testing.T) {
	c := New("127.0.0.1", 5000, nil)
	conn := newBareConnection(t)
	beginTransfer(c, "movie.mp4")

	c.OnFileResponse(conn, &packet.FileResponseFrame{FileSize: 16, ChunkSize: 8})

	// Чанки в обратном порядке: сборка идёт по chunk_id
	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 1, Data: []byte("22222222")})
	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 0, Data: []byte("11111111")})

	require.Equal(t, []byte("1111111122222222"), c.FileBytes("movie.mp4"))
}

func TestDuplicateChunksIgnored(t *testing.T) {
	c := New("127.0.0.1", 5000, nil)
	conn := newBareConnection(t)
	transfer := beginTransfer(c, "movie.mp4")

	c.OnFileResponse(conn, &packet.FileResponseFrame{FileSize: 16, ChunkSize: 8})

	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 0, Data: []byte("11111111")})
	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 0, Data: []byte("11111111")})

	c.mu.Lock()
	received := transfer.received
	c.mu.Unlock()
	require.Equal(t, uint64(8), received)
}

func TestFileDataWithoutRequestIgnored(t *testing.T) {
	c := New("127.0.0.1", 5000, nil)
	conn := newBareConnection(t)

	// FILE_DATA без ожидающего запроса молча игнорируется
	c.OnFileData(conn, &packet.FileDataFrame{ChunkID: 0, Data: []byte("stray")})
}

func TestRequestFileRequiresEstablished(t *testing.T) {
	c := New("127.0.0.1", 5000, nil)
	_, err := c.RequestFile(context.Background(), "movie.mp4")
	require.ErrorIs(t, err, ErrNotEstablished)
}

func TestMigrateToUnknownInterface(t *testing.T) {
	c := New("127.0.0.1", 5000, nil)
	c.mu.Lock()
	c.conn = newBareConnection(t)
	c.mu.Unlock()

	err := c.MigrateTo("does-not-exist")
	require.ErrorIs(t, err, ErrUnknownInterface)
}
