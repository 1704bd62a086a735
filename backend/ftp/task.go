package ftp

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Task drives one job to completion against a Backend: it owns at
// most one Connection at a time, latches at most one error, and
// remembers the data-channel method it last used (spec.md §4.2).
type Task struct {
	backend *Backend
	log     *logrus.Entry

	conn   *Connection
	donated bool // true once conn has been handed to a long-lived handle
	err    error
	lastMethod DataMethod

	tokenHeld bool // true once this Task has taken a Backend.tokens slot
}

// newTask creates a Task bound to backend for the lifetime of one job.
func newTask(b *Backend, log *logrus.Entry) *Task {
	return &Task{backend: b, log: log}
}

// Err returns the currently latched error, or nil.
func (t *Task) Err() error { return t.err }

// latch records err as the Task's current error if none is already
// latched with higher priority; callers generally call this exactly
// once per failing step.
func (t *Task) latch(err error) error {
	t.err = err
	return err
}

// clearErr drops the latched error, used after a recoverable retry
// succeeds (spec.md §7: "the latch is cleared when a recoverable step
// ... succeeds").
func (t *Task) clearErr() { t.err = nil }

// Acquire implements spec.md §4.2 "Connection acquisition (acquire)".
// It additionally takes one Backend.tokens slot first, so the number of
// Tasks concurrently holding a Connection never exceeds the operator's
// configured Concurrency ceiling regardless of how large the pool's
// discovered capacity is.
func (t *Task) Acquire(ctx context.Context) error {
	if !t.tokenHeld {
		t.backend.tokens.Get()
		t.tokenHeld = true
	}
	if err := t.acquireConn(ctx); err != nil {
		t.releaseToken()
		return err
	}
	return nil
}

func (t *Task) releaseToken() {
	if t.tokenHeld {
		t.backend.tokens.Put()
		t.tokenHeld = false
	}
}

func (t *Task) acquireConn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return t.latch(newErr(KindCancelled, "acquire cancelled"))
	}

	if conn, ok := t.backend.pool.TryPopIdle(); ok {
		t.conn = conn
		return nil
	}

	for {
		switch t.backend.pool.Reserve() {
		case reserveGranted:
			conn, err := t.bootstrap(ctx)
			if err != nil {
				if t.log != nil {
					t.log.WithError(err).Debug("connection bootstrap failed")
				}
				newM := t.backend.pool.UnreserveAndLowerCapacity()
				if newM <= 0 {
					return t.latch(newErr(KindFailed, "server connection capacity collapsed to zero"))
				}
				return t.latch(err)
			}
			t.conn = conn
			return nil

		case reserveBusyNow:
			return t.latch(newErr(KindBusy, "all connections donated to long-lived handles"))

		case reserveAtCapacity:
			deadline := t.backend.pool.AcquireDeadline()
			if err := t.backend.pool.WaitForSlot(ctx, deadline); err != nil {
				return t.latch(err)
			}
			if conn, ok := t.backend.pool.TryPopIdle(); ok {
				t.conn = conn
				return nil
			}
			// loop: re-examine Reserve under the now-changed pool state
		}
	}
}

// bootstrap dials a fresh Connection and runs the FTP handshake:
// banner, login, TYPE/OPTS setup, feature probing.
func (t *Task) bootstrap(ctx context.Context) (*Connection, error) {
	b := t.backend
	var tlsConf *tls.Config
	if b.opt.TLS || b.opt.ExplicitTLS {
		tlsConf = &tls.Config{ServerName: b.opt.Host, InsecureSkipVerify: b.opt.NoCheckCert} //nolint:gosec // operator opt-in via NoCheckCert
	}
	dialTLS := tlsConf
	if b.opt.ExplicitTLS {
		dialTLS = nil // upgraded in place after AUTH TLS succeeds
	}
	var conn *Connection
	var err error
	if b.opt.SocksProxy != "" {
		conn, err = OpenViaSocks5(ctx, b.nextConnID(), b.dialAddr(), dialTLS, b.opt.SocksProxy)
	} else {
		conn, err = Open(ctx, b.nextConnID(), b.dialAddr(), dialTLS)
	}
	if err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = conn.Close()
		}
	}()

	code, _, err := conn.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if code/100 != 2 {
		return nil, newErr(codeToKind(code), "unexpected banner")
	}

	if b.opt.ExplicitTLS {
		if err := t.sendAndCheckOn(ctx, conn, "AUTH TLS", 0, nil); err != nil {
			return nil, err
		}
		conn.upgradeTLS(tlsConf)
	}

	// FEAT is tried before login unless a prior bootstrap already
	// learned that this server rejects it pre-auth (spec.md §4.2,
	// scenario 1). A 530/532 here engages the workaround and defers
	// the probe to after PASS succeeds.
	var feat Feature
	var gotFeat bool
	if !b.workarounds.has(WorkaroundFeatAfterLogin) {
		f, err := t.probeFeatures(ctx, conn)
		if err != nil {
			return nil, err
		}
		feat, gotFeat = f, true
	}

	if err := t.login(ctx, conn); err != nil {
		return nil, err
	}

	if err := t.sendAndCheckOn(ctx, conn, "TYPE I", 0, nil); err != nil {
		return nil, err
	}

	// OPTS UTF8 ON is best-effort; servers that reject it are tolerated.
	_ = t.sendAndCheckOn(ctx, conn, "OPTS UTF8 ON", Pass500, nil)

	if !gotFeat {
		f, err := t.probeFeatures(ctx, conn)
		if err != nil {
			return nil, err
		}
		feat = f
	}
	b.featuresOnce.Do(func() { b.features.Store(uint32(feat)) })

	if b.systemType == SystemUnknown {
		if code, lines, err := sendRaw(ctx, conn, "SYST"); err == nil && code == 215 && len(lines) > 0 {
			b.systemType = parseSystemType(lines[0])
		}
	}

	ok = true
	return conn, nil
}

func (t *Task) login(ctx context.Context, conn *Connection) error {
	b := t.backend
	user := b.opt.User
	if user == "" {
		user = "anonymous"
	}
	code, _, err := sendRaw(ctx, conn, "USER "+user)
	if err != nil {
		return err
	}
	if code == 230 {
		return nil // no password required
	}
	if code/100 != 3 {
		return newErr(codeToKind(code), "USER rejected")
	}
	pass := b.opt.Pass
	if pass == "" {
		pass = "anonymous@"
	}
	return t.sendAndCheckOn(ctx, conn, "PASS "+pass, 0, nil)
}

func (t *Task) probeFeatures(ctx context.Context, conn *Connection) (Feature, error) {
	code, lines, err := sendRaw(ctx, conn, "FEAT")
	if err != nil {
		return 0, err
	}
	if code/100 != 2 {
		if !t.backend.workarounds.has(WorkaroundFeatAfterLogin) {
			t.backend.workarounds.set(WorkaroundFeatAfterLogin)
			return 0, nil
		}
		return 0, nil
	}
	return parseFeatures(lines), nil
}

// sendAndCheck sends command on the Task's current Connection and
// classifies the reply per spec.md §4.2, running hooks in order on an
// unflagged 550 to disambiguate it before latching the generic error.
func (t *Task) sendAndCheck(ctx context.Context, command string, flags ReplyFlags, hooks []func(int, []string) error) (code int, lines []string, err error) {
	return t.sendAndCheckOnFull(ctx, t.conn, command, flags, hooks)
}

func (t *Task) sendAndCheckOn(ctx context.Context, conn *Connection, command string, flags ReplyFlags, hooks []func(int, []string) error) error {
	_, _, err := t.sendAndCheckOnFull(ctx, conn, command, flags, hooks)
	return err
}

func (t *Task) sendAndCheckOnFull(ctx context.Context, conn *Connection, command string, flags ReplyFlags, hooks []func(int, []string) error) (int, []string, error) {
	code, lines, err := sendRaw(ctx, conn, command)
	if err != nil {
		return code, lines, t.latch(err)
	}
	kind, latch := classify(code, flags)
	if !latch {
		return code, lines, nil
	}
	if code == 550 && len(hooks) > 0 {
		_ = conn.CloseData()
		for _, hook := range hooks {
			if err := hook(code, lines); err != nil {
				return code, lines, t.latch(err)
			}
		}
	}
	return code, lines, t.latch(newErr(kind, fmt.Sprintf("%d reply to %s", code, command)))
}

func sendRaw(ctx context.Context, conn *Connection, command string) (int, []string, error) {
	if err := conn.Send(ctx, command); err != nil {
		return 0, nil, err
	}
	return conn.Receive(ctx)
}

// SendFirstWithRetry sends command, and if it fails because a
// recycled-but-stale Connection was silently closed by the server,
// discards it, acquires a fresh Connection, and retries exactly once
// (spec.md §4.2 "Send with retry-on-timeout").
func (t *Task) SendFirstWithRetry(ctx context.Context, command string, flags ReplyFlags, hooks []func(int, []string) error) (int, []string, error) {
	code, lines, err := t.sendAndCheckOnFull(ctx, t.conn, command, flags, hooks)
	if err == nil || !IsKind(err, KindClosed) {
		return code, lines, err
	}
	t.discardConn()
	t.clearErr()
	if err := t.Acquire(ctx); err != nil {
		return 0, nil, err
	}
	return t.sendAndCheckOnFull(ctx, t.conn, command, flags, hooks)
}

// Release returns the Task's Connection to the Pool (or discards it if
// unusable), clearing t.conn and giving back this Task's concurrency
// token.
func (t *Task) Release() {
	defer t.releaseToken()
	if t.conn == nil {
		return
	}
	if t.donated {
		t.backend.pool.GiveBack()
		t.donated = false
	}
	if t.conn.IsUsable() {
		t.backend.pool.AddIdle(t.conn)
	} else {
		_ = t.conn.Close()
		t.backend.pool.Discard()
	}
	t.conn = nil
}

func (t *Task) discardConn() {
	if t.conn == nil {
		return
	}
	_ = t.conn.Close()
	t.backend.pool.Discard()
	t.conn = nil
}

// Donate hands the Connection to a long-lived read/write handle,
// recording the donation against the Pool's busy counter
// (spec.md §4.2 "Donation (take_connection)").
func (t *Task) Donate() *Connection {
	t.backend.pool.TakeBusy()
	t.donated = true
	conn := t.conn
	t.conn = nil
	return conn
}

// Reclaim is the inverse of Donate, called when a handle is closed and
// its Connection returns under Task control for release.
func (t *Task) Reclaim(conn *Connection) {
	t.backend.pool.GiveBack()
	t.conn = conn
	t.donated = false
}
