package ftp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
)

// replyLineRe matches the first line of any FTP reply: three digits
// followed by a space (single-line reply) or a hyphen (multi-line
// reply continues until a line with the same code and a space).
var replyLineRe = regexp.MustCompile(`^([1-5][0-9][0-9])([ -])`)

// Connection owns one FTP control channel plus at most one data
// channel. It is not safe for concurrent use: the Pool guarantees
// exactly one Task (or donated handle) touches a Connection at a time.
type Connection struct {
	id      string
	conn    net.Conn
	r       *bufio.Reader
	tlsConf *tls.Config

	data     net.Conn
	listener net.Listener

	usable atomic.Bool
}

// dialFunc allows tests to substitute a fake dialer; production code
// uses net.Dialer.DialContext.
type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

var defaultDial dialFunc = func(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Open dials a TCP (or, if tlsConf is non-nil, TLS) socket to address
// and returns a usable Connection. id is a short debug identifier
// (e.g. "ftp-1") used in log lines.
func Open(ctx context.Context, id, address string, tlsConf *tls.Config) (*Connection, error) {
	return openWith(ctx, id, address, tlsConf, defaultDial)
}

// OpenViaSocks5 is like Open but routes the dial through a SOCKS5 proxy
// at proxyAddr first, for mounts configured with Options.SocksProxy.
func OpenViaSocks5(ctx context.Context, id, address string, tlsConf *tls.Config, proxyAddr string) (*Connection, error) {
	return openWith(ctx, id, address, tlsConf, socks5Dial(proxyAddr))
}

// socks5Dial builds a dialFunc that tunnels through a SOCKS5 proxy.
// golang.org/x/net/proxy's SOCKS5 dialer predates context.Context; it is
// used directly (not through a ContextDialer) since the FTP control dial
// is a single quick round trip already bounded by the caller's ctx via
// watchCancel on the resulting Connection.
func socks5Dial(proxyAddr string) dialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		d, err := proxy.SOCKS5(network, proxyAddr, nil, proxy.Direct)
		if err != nil {
			return nil, wrapErr(KindFailed, err, "configure socks5 proxy "+proxyAddr)
		}
		type contextDialer interface {
			DialContext(ctx context.Context, network, address string) (net.Conn, error)
		}
		if cd, ok := d.(contextDialer); ok {
			return cd.DialContext(ctx, network, address)
		}
		return d.Dial(network, address)
	}
}

func openWith(ctx context.Context, id, address string, tlsConf *tls.Config, dial dialFunc) (*Connection, error) {
	raw, err := dial(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newErr(KindCancelled, "dial cancelled")
		}
		return nil, wrapErr(KindFailed, err, "dial "+address)
	}
	conn := raw
	if tlsConf != nil {
		conn = tls.Client(raw, tlsConf)
	}
	c := &Connection{id: id, conn: conn, r: bufio.NewReader(conn), tlsConf: tlsConf}
	c.usable.Store(true)
	return c, nil
}

// ID returns the connection's debug identifier.
func (c *Connection) ID() string { return c.id }

// IsUsable reports whether the control channel is still believed
// healthy; the Pool uses this to decide whether to recycle a
// connection on release.
func (c *Connection) IsUsable() bool { return c.usable.Load() }

func (c *Connection) poison() { c.usable.Store(false) }

// RemoteAddr returns the address the control channel is connected to,
// used for command-channel-address fallback during PASV negotiation.
func (c *Connection) RemoteAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// watchCancel arranges for conn's deadline to be forced in the past
// when ctx is cancelled, aborting any in-flight I/O. The returned stop
// function must always be called to avoid leaking the goroutine.
func watchCancel(ctx context.Context, conn net.Conn) (stop func()) {
	if ctx.Done() == nil {
		return func() {}
	}
	done := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Now())
		case <-stopCh:
		}
		close(done)
	}()
	return func() {
		close(stopCh)
		<-done
	}
}

// Send appends CRLF to command and writes it atomically to the control
// channel. command must not contain '\r' or '\n'; this is a
// precondition enforced by callers (the path layer and command
// builders), not re-validated here.
func (c *Connection) Send(ctx context.Context, command string) error {
	stop := watchCancel(ctx, c.conn)
	defer stop()
	_, err := io.WriteString(c.conn, command+"\r\n")
	if err != nil {
		c.poison()
		if ctx.Err() != nil {
			return newErr(KindCancelled, "send cancelled")
		}
		return wrapErr(KindClosed, err, "send "+command)
	}
	return nil
}

// Receive reads one complete FTP reply (a single line for a space
// separator, or a run of lines terminated by a repeat of the leading
// code for a hyphen separator) and returns the numeric code and every
// line in order, including the terminator line.
func (c *Connection) Receive(ctx context.Context) (code int, lines []string, err error) {
	stop := watchCancel(ctx, c.conn)
	defer stop()

	first, err := c.readLine()
	if err != nil {
		return 0, nil, c.receiveErr(ctx, err)
	}
	m := replyLineRe.FindStringSubmatch(first)
	if m == nil {
		c.poison()
		return 0, nil, newErr(KindFailed, "invalid reply: "+first)
	}
	code = atoiMust(m[1])
	lines = []string{first}
	if m[2] == " " {
		return code, lines, nil
	}
	// Multi-line: read until a line begins with the same three digits
	// followed by a space.
	terminator := m[1] + " "
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, nil, c.receiveErr(ctx, err)
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, terminator) {
			return code, lines, nil
		}
	}
}

func (c *Connection) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Connection) receiveErr(ctx context.Context, err error) error {
	c.poison()
	if ctx.Err() != nil {
		return newErr(KindCancelled, "receive cancelled")
	}
	if errors.Is(err, io.EOF) {
		return wrapErr(KindClosed, err, "connection closed")
	}
	return wrapErr(KindClosed, err, "receive")
}

func atoiMust(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

// OpenData installs a data channel by dialing address (used for PASV,
// EPSV and the command-channel-address workaround). At most one data
// channel may be live at a time; calling this with one already open is
// a programmer error and panics.
func (c *Connection) OpenData(ctx context.Context, address string) error {
	if c.data != nil || c.listener != nil {
		panic("ftp: OpenData called with a data channel already open")
	}
	conn, err := defaultDial(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return newErr(KindCancelled, "data dial cancelled")
		}
		return wrapErr(KindClosed, err, "data dial "+address)
	}
	if c.tlsConf != nil {
		conn = tls.Client(conn, c.tlsConf)
	}
	c.data = conn
	return nil
}

// ListenData starts listening locally for an active-mode (PORT/EPRT)
// data connection and returns the address to advertise to the server:
// the port of the new listener paired with the local IP the control
// channel is reachable on (not the listener's wildcard bind address,
// which the server cannot dial back to).
func (c *Connection) ListenData() (string, error) {
	if c.data != nil || c.listener != nil {
		panic("ftp: ListenData called with a data channel already open")
	}
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", wrapErr(KindFailed, err, "listen for active mode")
	}
	c.listener = l
	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		_ = l.Close()
		c.listener = nil
		return "", wrapErr(KindFailed, err, "parse listener address")
	}
	localHost := hostOf(c.conn.LocalAddr())
	return net.JoinHostPort(localHost, port), nil
}

// AcceptData accepts the inbound data connection after the command
// that triggers the transfer has been sent (PORT/EPRT only).
func (c *Connection) AcceptData(ctx context.Context) error {
	if c.listener == nil {
		panic("ftp: AcceptData called without a prior ListenData")
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.listener.Accept()
		ch <- result{conn, err}
	}()
	select {
	case res := <-ch:
		_ = c.listener.Close()
		c.listener = nil
		if res.err != nil {
			return wrapErr(KindClosed, res.err, "accept data connection")
		}
		if c.tlsConf != nil {
			res.conn = tls.Server(res.conn, c.tlsConf)
		}
		c.data = res.conn
		return nil
	case <-ctx.Done():
		_ = c.listener.Close()
		c.listener = nil
		return newErr(KindCancelled, "accept cancelled")
	}
}

// ReadData reads from the data channel.
func (c *Connection) ReadData(p []byte) (int, error) {
	if c.data == nil {
		return 0, fmt.Errorf("ftp: no data channel open")
	}
	n, err := c.data.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = wrapErr(KindClosed, err, "read data")
	}
	return n, err
}

// WriteData writes to the data channel.
func (c *Connection) WriteData(p []byte) (int, error) {
	if c.data == nil {
		return 0, fmt.Errorf("ftp: no data channel open")
	}
	n, err := c.data.Write(p)
	if err != nil {
		err = wrapErr(KindClosed, err, "write data")
	}
	return n, err
}

// CloseData releases the data channel, if any.
func (c *Connection) CloseData() error {
	var err error
	if c.data != nil {
		err = c.data.Close()
		c.data = nil
	}
	if c.listener != nil {
		_ = c.listener.Close()
		c.listener = nil
	}
	return err
}

// upgradeTLS wraps the control channel in TLS in place, for explicit
// FTPES mounts where the handshake starts in cleartext and switches to
// TLS only after a successful AUTH TLS.
func (c *Connection) upgradeTLS(conf *tls.Config) {
	c.conn = tls.Client(c.conn, conf)
	c.r = bufio.NewReader(c.conn)
	c.tlsConf = conf
}

// Close releases both channels and marks the connection unusable.
func (c *Connection) Close() error {
	c.poison()
	_ = c.CloseData()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
