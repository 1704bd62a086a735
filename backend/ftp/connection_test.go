package ftp

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer starts a TCP listener and hands each accepted connection
// to handle on its own goroutine, for exercising Connection against a
// scripted peer.
func fakeServer(t *testing.T, handle func(net.Conn)) (addr string, closeFn func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return l.Addr().String(), func() { _ = l.Close() }
}

func TestSendReceiveSingleLine(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, _ = conn.Write([]byte("220 Service ready\r\n"))
		line, _ := r.ReadString('\n')
		if line == "NOOP\r\n" {
			_, _ = conn.Write([]byte("200 OK\r\n"))
		}
	})
	defer closeFn()

	ctx := context.Background()
	c, err := Open(ctx, "t1", addr, nil)
	require.NoError(t, err)

	code, lines, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 220, code)
	assert.Equal(t, []string{"220 Service ready"}, lines)

	require.NoError(t, c.Send(ctx, "NOOP"))
	code, lines, err = c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 200, code)
	assert.Equal(t, []string{"200 OK"}, lines)
}

func TestReceiveMultiLine(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("211-Features:\r\n MDTM\r\n SIZE\r\n211 End\r\n"))
	})
	defer closeFn()

	ctx := context.Background()
	c, err := Open(ctx, "t2", addr, nil)
	require.NoError(t, err)

	code, lines, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 211, code)
	assert.Equal(t, []string{"211-Features:", " MDTM", " SIZE", "211 End"}, lines)
}

func TestReceiveInvalidReply(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		_, _ = conn.Write([]byte("garbage\r\n"))
	})
	defer closeFn()

	ctx := context.Background()
	c, err := Open(ctx, "t3", addr, nil)
	require.NoError(t, err)

	_, _, err = c.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindFailed))
	assert.False(t, c.IsUsable())
}

func TestReceiveClosedConnectionPoisons(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		_ = conn.Close()
	})
	defer closeFn()

	ctx := context.Background()
	c, err := Open(ctx, "t4", addr, nil)
	require.NoError(t, err)

	_, _, err = c.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindClosed))
	assert.False(t, c.IsUsable())
}

func TestSendReceiveCancel(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		// never writes anything back; the client should time out via
		// cancellation rather than hang forever.
		time.Sleep(time.Second)
		_ = conn.Close()
	})
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	c, err := Open(context.Background(), "t5", addr, nil)
	require.NoError(t, err)

	_, _, err = c.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindCancelled))
}

func TestDataChannelActiveMode(t *testing.T) {
	ctx := context.Background()
	addr, closeFn := fakeServer(t, func(conn net.Conn) { _ = conn.Close() })
	defer closeFn()
	c, err := Open(ctx, "t6", addr, nil)
	require.NoError(t, err)

	listenAddr, err := c.ListenData()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := net.Dial("tcp", listenAddr)
		require.NoError(t, err)
		defer conn.Close()
		_, _ = conn.Write([]byte("payload"))
	}()

	require.NoError(t, c.AcceptData(ctx))
	buf := make([]byte, 16)
	n, err := c.ReadData(buf)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	assert.Equal(t, "payload", string(buf[:n]))
	<-done
}

func TestOpenDataTwiceIsProgrammerError(t *testing.T) {
	ctx := context.Background()
	addr, closeFn := fakeServer(t, func(conn net.Conn) { _ = conn.Close() })
	defer closeFn()
	c, err := Open(ctx, "t7", addr, nil)
	require.NoError(t, err)
	require.NoError(t, c.OpenData(ctx, addr))
	assert.Panics(t, func() { _ = c.OpenData(ctx, addr) })
}
