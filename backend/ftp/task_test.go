package ftp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedFTPServer drives one accepted connection through a fixed
// request/response script, matching each inbound line against a prefix
// and writing back the associated reply. It is used to exercise
// Task.bootstrap against the worked examples of spec.md §8.
func scriptedFTPServer(t *testing.T, banner string, steps [][2]string) (addr string, closeFn func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, _ = conn.Write([]byte(banner))
		for _, step := range steps {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if step[0] != "" && line != step[0]+"\r\n" {
				t.Errorf("unexpected command: got %q, want %q", line, step[0])
			}
			_, _ = conn.Write([]byte(step[1]))
		}
	}()
	return l.Addr().String(), func() { _ = l.Close() }
}

// mountAt creates a Backend dialed at the host:port encoded in addr, as
// produced by scriptedFTPServer.
func mountAt(t *testing.T, addr string) *Backend {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)
	b, err := Mount("m", Options{Host: host, Port: port})
	require.NoError(t, err)
	return b
}

// TestBootstrapFeatRetryAfterLogin exercises spec.md §8 scenario 1:
// a server that rejects FEAT before login engages the FEAT-after-login
// workaround and retries successfully once authenticated.
func TestBootstrapFeatRetryAfterLogin(t *testing.T) {
	addr, closeFn := scriptedFTPServer(t, "220 Service ready\r\n", [][2]string{
		{"FEAT", "530 Please login with USER and PASS\r\n"},
		{"USER anonymous", "331 Please specify the password\r\n"},
		{"PASS anonymous@", "230 Login successful\r\n"},
		{"TYPE I", "200 Type set to I\r\n"},
		{"OPTS UTF8 ON", "200 OK\r\n"},
		{"FEAT", "211-Features:\r\n MDTM\r\n SIZE\r\n TVFS\r\n EPSV\r\n UTF8\r\n211 End\r\n"},
		{"SYST", "215 UNIX Type: L8\r\n"},
	})
	defer closeFn()

	b := mountAt(t, addr)
	task := b.newTaskFor("test")

	conn, err := task.bootstrap(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, b.workarounds.has(WorkaroundFeatAfterLogin))
	assert.True(t, b.featureBits().Has(FeatureMDTM))
	assert.True(t, b.featureBits().Has(FeatureSIZE))
	assert.True(t, b.featureBits().Has(FeatureUTF8))
	assert.Equal(t, SystemUnix, b.systemType)
}

// TestBootstrapFeatBeforeLoginSucceedsFirstTry covers the common case
// where FEAT works pre-auth and the workaround is never engaged.
func TestBootstrapFeatBeforeLoginSucceedsFirstTry(t *testing.T) {
	addr, closeFn := scriptedFTPServer(t, "220 Service ready\r\n", [][2]string{
		{"FEAT", "211-Features:\r\n MDTM\r\n SIZE\r\n211 End\r\n"},
		{"USER anonymous", "331 Please specify the password\r\n"},
		{"PASS anonymous@", "230 Login successful\r\n"},
		{"TYPE I", "200 Type set to I\r\n"},
		{"OPTS UTF8 ON", "200 OK\r\n"},
	})
	defer closeFn()

	b := mountAt(t, addr)
	task := b.newTaskFor("test")

	conn, err := task.bootstrap(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	assert.False(t, b.workarounds.has(WorkaroundFeatAfterLogin))
	assert.True(t, b.featureBits().Has(FeatureMDTM))
}

// TestConcurrencyCapBoundsSimultaneousTasks verifies Options.Concurrency
// limits the number of Tasks concurrently holding a Connection even
// though the Pool's discovered capacity M has no ceiling of its own.
func TestConcurrencyCapBoundsSimultaneousTasks(t *testing.T) {
	b, err := Mount("m", Options{Host: "h", Concurrency: 1})
	require.NoError(t, err)

	// Seed one idle connection so Acquire is satisfied from the pool
	// without dialing anything; only the token gating is under test.
	conn1 := &Connection{}
	conn1.usable.Store(true)
	require.Equal(t, reserveGranted, b.pool.Reserve())
	b.pool.AddIdle(conn1)

	t1 := b.newTaskFor("one")
	require.NoError(t, t1.Acquire(context.Background()))

	t2 := b.newTaskFor("two")
	acquired := make(chan error, 1)
	go func() { acquired <- t2.Acquire(context.Background()) }()

	select {
	case <-acquired:
		t.Fatal("second Task acquired a token while the first still held it")
	case <-time.After(30 * time.Millisecond):
	}

	t1.Release()

	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second Task never acquired its token after the first released")
	}
	t2.Release()
}
