package ftp

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pool owns the set of live Connections for one mount: the dynamic
// capacity limit M, the busy count B (connections donated to long-lived
// read/write handles), and the idle queue. It knows nothing about FTP
// semantics (login, feature probing); that bootstrap work belongs to
// Task, which calls Reserve/Unreserve/LowerCapacity around it.
//
// Invariant: 0 <= busy <= n <= m, and m never increases.
type Pool struct {
	mu sync.Mutex
	// notify is closed to wake every current waiter; replaced
	// immediately after so future waiters get a fresh channel. This is
	// the idiomatic Go substitute for a condition variable that also
	// composes with select-based cancellation.
	notify chan struct{}

	idle  []*Connection
	n     int // current connection count
	m     int // dynamic upper bound; math.MaxInt32 means "no bound observed yet"
	busy  int // connections donated to long-lived handles

	acquireTimeout time.Duration
	idleTimeout    time.Duration
	drainTimer     *time.Timer
	shuttingDown   bool

	log *logrus.Entry
}

const unboundedCapacity = int(^uint(0) >> 1)

// NewPool creates a Pool with no discovered capacity ceiling yet.
// acquireTimeout bounds how long Acquire waits on a saturated pool
// before reporting KindBusy. If idleTimeout is non-zero, the Pool
// drains all idle connections after that long without any release.
func NewPool(acquireTimeout, idleTimeout time.Duration, log *logrus.Entry) *Pool {
	p := &Pool{
		notify:         make(chan struct{}),
		m:              unboundedCapacity,
		acquireTimeout: acquireTimeout,
		idleTimeout:    idleTimeout,
		log:            log,
	}
	if idleTimeout > 0 {
		p.drainTimer = time.AfterFunc(idleTimeout, p.drainIdle)
	}
	return p
}

func (p *Pool) broadcast() {
	close(p.notify)
	p.notify = make(chan struct{})
}

// Stats reports the current pool counters, for tests and diagnostics.
func (p *Pool) Stats() (n, m, busy, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n, p.m, p.busy, len(p.idle)
}

// TryPopIdle returns an idle connection if one is queued.
func (p *Pool) TryPopIdle() (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil, false
	}
	c := p.idle[0]
	p.idle = p.idle[1:]
	return c, true
}

// reserveResult is returned by Reserve.
type reserveResult int

const (
	reserveGranted reserveResult = iota
	reserveAtCapacity
	reserveBusyNow
)

// Reserve speculatively increments n if n<m, giving the caller license
// to dial a new connection outside the lock. If the pool is already at
// capacity and every open connection is donated (busy>=n), reserveBusyNow
// is returned immediately rather than making the caller wait
// pointlessly.
func (p *Pool) Reserve() reserveResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n < p.m {
		p.n++
		return reserveGranted
	}
	if p.busy >= p.n {
		return reserveBusyNow
	}
	return reserveAtCapacity
}

// Unreserve gives back a speculative reservation that failed to turn
// into a usable connection (bootstrap error), without changing M.
func (p *Pool) Unreserve() {
	p.mu.Lock()
	p.n--
	p.mu.Unlock()
}

// UnreserveAndLowerCapacity is like Unreserve but additionally learns M
// downward to the current n, which is correct only when the caller has
// established no concurrent Reserve raced it (e.g. this is the only
// bootstrap in flight that observed the capacity error). M never
// increases.
func (p *Pool) UnreserveAndLowerCapacity() (newM int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n--
	if p.n < p.m {
		p.m = p.n
	}
	if p.log != nil {
		p.log.WithField("max_open", p.m).Debug("lowered discovered connection capacity")
	}
	return p.m
}

// AddIdle returns a usable connection to the idle queue and wakes one
// waiter. Callers must have already verified conn.IsUsable().
func (p *Pool) AddIdle(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shuttingDown {
		p.n--
		p.mu.Unlock()
		_ = conn.Close()
		p.mu.Lock()
		return
	}
	p.idle = append(p.idle, conn)
	if p.drainTimer != nil {
		p.drainTimer.Reset(p.idleTimeout)
	}
	p.broadcast()
}

// Discard drops an unusable connection from the pool's accounting.
func (p *Pool) Discard() {
	p.mu.Lock()
	p.n--
	p.broadcast()
	p.mu.Unlock()
}

// TakeBusy records that conn has been donated to a long-lived handle.
// When every open connection is now busy, all current waiters are
// woken immediately so they report KindBusy instead of waiting out
// their full timeout against a pool that cannot possibly free up.
func (p *Pool) TakeBusy() {
	p.mu.Lock()
	p.busy++
	if p.busy >= p.n {
		p.broadcast()
	}
	p.mu.Unlock()
}

// GiveBack records that a previously donated connection has been
// returned under Task control (it still must be released via AddIdle
// or Discard separately).
func (p *Pool) GiveBack() {
	p.mu.Lock()
	p.busy--
	p.mu.Unlock()
}

// WaitForSlot blocks until the pool state changes (a release, a
// donation reaching saturation, or shutdown) or until ctx is
// cancelled or the acquire timeout elapses. Callers must re-examine
// pool state (TryPopIdle/Reserve) after waking, since WaitForSlot makes
// no guarantee about *why* it woke.
func (p *Pool) WaitForSlot(ctx context.Context, deadline time.Time) error {
	p.mu.Lock()
	wait := p.notify
	p.mu.Unlock()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}
	select {
	case <-wait:
		return nil
	case <-timeoutCh:
		return newErr(KindBusy, "timed out waiting for a free FTP connection")
	case <-ctx.Done():
		return newErr(KindCancelled, "acquire cancelled")
	}
}

// AcquireDeadline computes the deadline for a fresh Acquire call.
func (p *Pool) AcquireDeadline() time.Time {
	if p.acquireTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.acquireTimeout)
}

// drainIdle closes every currently idle connection; invoked by the
// idle-timeout timer when no connection has been released in a while.
func (p *Pool) drainIdle() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.n -= len(idle)
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.Close()
	}
	if len(idle) > 0 && p.log != nil {
		p.log.WithField("closed", len(idle)).Debug("drained idle connection pool")
	}
}

// Shutdown marks the pool as draining and closes every idle connection;
// subsequent releases close rather than recycle their connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.shuttingDown = true
	idle := p.idle
	p.idle = nil
	p.n -= len(idle)
	if p.drainTimer != nil {
		p.drainTimer.Stop()
	}
	p.broadcast()
	p.mu.Unlock()
	for _, c := range idle {
		_ = c.Close()
	}
}
